package entities

import (
	"errors"
	"time"
)

// ConnectionState represents the lifecycle state of a recognition connection
type ConnectionState string

const (
	ConnectionDisconnected ConnectionState = "disconnected"
	ConnectionConnecting   ConnectionState = "connecting"
	ConnectionConnected    ConnectionState = "connected"
	ConnectionError        ConnectionState = "error"
)

// CanConnect reports whether a new connection may be opened from this state.
// The error state behaves like disconnected.
func (s ConnectionState) CanConnect() bool {
	return s == ConnectionDisconnected || s == ConnectionError || s == ""
}

// Session represents one open recognition attempt on a connection
type Session struct {
	RequestID       string    `json:"request_id"`
	CreatedAt       time.Time `json:"created_at"`
	IsFinalReceived bool      `json:"is_final_received"`
	IsFinishing     bool      `json:"is_finishing"`

	// sequence is the value the next outbound frame will carry.
	sequence  int32
	lastFinal *RecognitionResult
}

// NewSession creates a new session with the sequence counter at 1
func NewSession(requestID string) *Session {
	return &Session{
		RequestID: requestID,
		CreatedAt: time.Now(),
		sequence:  1,
	}
}

// Sequence returns the sequence the next frame will use
func (s *Session) Sequence() int32 {
	return s.sequence
}

// NextSequence returns the current sequence and advances the counter
func (s *Session) NextSequence() int32 {
	seq := s.sequence
	s.sequence++
	return seq
}

// Finish marks the session as finishing and returns the sequence the
// terminating frame carries. The codec negates it on the wire.
func (s *Session) Finish() int32 {
	s.IsFinishing = true
	return s.sequence
}

// MarkFinal records the final result of the session
func (s *Session) MarkFinal(result RecognitionResult) {
	s.IsFinalReceived = true
	s.lastFinal = &result
}

// FinalResult returns the final result, if one was received
func (s *Session) FinalResult() (RecognitionResult, bool) {
	if s.lastFinal == nil {
		return RecognitionResult{}, false
	}
	return *s.lastFinal, true
}

// Age returns how long the session has been open
func (s *Session) Age() time.Duration {
	return time.Since(s.CreatedAt)
}

// Validate validates the session data
func (s *Session) Validate() error {
	if s.RequestID == "" {
		return errors.New("request_id is required")
	}

	if s.sequence < 1 {
		return errors.New("sequence must be positive")
	}

	return nil
}
