package entities

import (
	"errors"
	"fmt"
)

// ErrorKind classifies recognition failures
type ErrorKind string

const (
	// ErrorKindServer is an explicit error frame sent by the server.
	ErrorKindServer ErrorKind = "server"
	// ErrorKindTimeout is a connect or finalize deadline being exceeded.
	ErrorKindTimeout ErrorKind = "timeout"
	// ErrorKindTransport is a socket-level failure.
	ErrorKindTransport ErrorKind = "transport"
	// ErrorKindDecode is a malformed inbound frame. Never surfaced to callers.
	ErrorKindDecode ErrorKind = "decode"
)

// ProtocolError is the error type reported by the recognition client
type ProtocolError struct {
	Kind    ErrorKind
	Message string
	Code    int32 // server-reported code, zero when not applicable
	Err     error
}

func (e *ProtocolError) Error() string {
	switch {
	case e.Kind == ErrorKindServer:
		return fmt.Sprintf("server error %d: %s", e.Code, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s error: %s: %v", e.Kind, e.Message, e.Err)
	default:
		return fmt.Sprintf("%s error: %s", e.Kind, e.Message)
	}
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// NewServerError creates an error for a server-reported error frame
func NewServerError(code int32, message string) *ProtocolError {
	return &ProtocolError{Kind: ErrorKindServer, Code: code, Message: message}
}

// NewTimeoutError creates a timeout error
func NewTimeoutError(message string, err error) *ProtocolError {
	return &ProtocolError{Kind: ErrorKindTimeout, Message: message, Err: err}
}

// NewTransportError creates a transport error
func NewTransportError(message string, err error) *ProtocolError {
	return &ProtocolError{Kind: ErrorKindTransport, Message: message, Err: err}
}

// ErrorKindOf returns the kind of a ProtocolError in err's chain, or "" if none
func ErrorKindOf(err error) ErrorKind {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// IsTimeout reports whether err is a timeout ProtocolError
func IsTimeout(err error) bool {
	return ErrorKindOf(err) == ErrorKindTimeout
}
