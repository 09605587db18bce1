package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/satriahrh/pushtalk/domain/entities"
)

var (
	// ErrShortFrame is returned for buffers too small to hold a header.
	ErrShortFrame = errors.New("frame shorter than header")
	// ErrTruncatedFrame is returned when a length prefix points past the buffer.
	ErrTruncatedFrame = errors.New("frame truncated")
	// ErrUnknownMessageType is returned for message types the client does not handle.
	ErrUnknownMessageType = errors.New("unknown message type")
	// ErrInvalidPayload is returned when a payload cannot be decompressed or parsed.
	ErrInvalidPayload = errors.New("invalid payload")
)

// DecodeError describes why an inbound frame was dropped
type DecodeError struct {
	Reason      error
	MessageType MessageType
	Length      int
	Err         error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode %s frame (%d bytes): %v: %v", e.MessageType, e.Length, e.Reason, e.Err)
	}
	return fmt.Sprintf("decode %s frame (%d bytes): %v", e.MessageType, e.Length, e.Reason)
}

// Unwrap exposes both the reason sentinel and the underlying cause
func (e *DecodeError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Reason}
	}
	return []error{e.Reason, e.Err}
}

// MessageKind is the client-facing classification of a server frame
type MessageKind string

const (
	KindResult MessageKind = "result"
	KindAck    MessageKind = "ack"
	KindError  MessageKind = "error"
)

// ServerMessage is a decoded server frame
type ServerMessage struct {
	Kind     MessageKind
	Sequence int32

	// Error frames
	Code    int32
	Message string

	// Result frames
	Result   entities.RecognitionResult
	Strategy string // text extraction strategy that produced Result.Text
	Response *Response
}

func encodeFrame(h Header, sequence int32, payload []byte) ([]byte, error) {
	if h.Compression == CompressionGzip {
		compressed, err := Compress(payload)
		if err != nil {
			return nil, err
		}
		payload = compressed
	}

	hdr := EncodeHeader(h)
	buf := make([]byte, 0, prefixLength+len(payload))
	buf = append(buf, hdr[:]...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(sequence))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(payload)))
	buf = append(buf, payload...)
	return buf, nil
}

// EncodeInitRequest encodes the handshake frame. req is serialized as JSON.
func EncodeInitRequest(req any, sequence int32) ([]byte, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal init request: %w", err)
	}
	return encodeFrame(Header{
		MessageType:   FullClientRequest,
		Flags:         PositiveSequence,
		Serialization: SerializationJSON,
		Compression:   CompressionGzip,
	}, sequence, payload)
}

// EncodeAudioRequest encodes one audio chunk. When isLast is set the frame
// carries NegativeSequence and the negated sequence.
//
// Audio frames are tagged JSON although the payload is raw PCM; servers
// expect exactly this header.
func EncodeAudioRequest(audio []byte, sequence int32, isLast bool) ([]byte, error) {
	flags := PositiveSequence
	if isLast {
		flags = NegativeSequence
		sequence = -sequence
	}
	return encodeFrame(Header{
		MessageType:   AudioOnlyRequest,
		Flags:         flags,
		Serialization: SerializationJSON,
		Compression:   CompressionGzip,
	}, sequence, audio)
}

// EncodeServerResponse encodes a result frame as the server sends it.
// The final result carries NegativeSequence and a negative sequence.
func EncodeServerResponse(resp any, sequence int32, isLast bool) ([]byte, error) {
	payload, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal response: %w", err)
	}
	flags := PositiveSequence
	if isLast {
		flags = NegativeSequence
		if sequence > 0 {
			sequence = -sequence
		}
	}
	return encodeFrame(Header{
		MessageType:   FullServerResponse,
		Flags:         flags,
		Serialization: SerializationJSON,
		Compression:   CompressionGzip,
	}, sequence, payload)
}

// EncodeServerAck encodes an acknowledgement of sequence
func EncodeServerAck(sequence int32) []byte {
	hdr := EncodeHeader(Header{
		MessageType: ServerAck,
		Flags:       PositiveSequence,
	})
	buf := make([]byte, 0, 8)
	buf = append(buf, hdr[:]...)
	return binary.BigEndian.AppendUint32(buf, uint32(sequence))
}

// EncodeServerError encodes an error frame, optionally gzipping the message
func EncodeServerError(code int32, message string, compress bool) ([]byte, error) {
	h := Header{
		MessageType:   ServerError,
		Flags:         NoSequence,
		Serialization: SerializationJSON,
	}
	if compress {
		h.Compression = CompressionGzip
	}
	return encodeFrame(h, code, []byte(message))
}

// ParseFrame parses any frame into header, sequence and decompressed payload.
// ServerAck frames carry no payload. A ServerError message cut short of its
// length prefix keeps the bytes that arrived.
func ParseFrame(data []byte) (Frame, error) {
	if len(data) < HeaderLength {
		return Frame{}, &DecodeError{Reason: ErrShortFrame, Length: len(data)}
	}

	f := Frame{Header: DecodeHeader(data)}
	if len(data) < 8 {
		return f, &DecodeError{Reason: ErrTruncatedFrame, MessageType: f.MessageType, Length: len(data)}
	}
	f.Sequence = int32(binary.BigEndian.Uint32(data[4:8]))
	if f.MessageType == ServerAck {
		return f, nil
	}

	if len(data) < prefixLength {
		return f, &DecodeError{Reason: ErrTruncatedFrame, MessageType: f.MessageType, Length: len(data)}
	}
	size := uint64(binary.BigEndian.Uint32(data[8:12]))
	if prefixLength+size > uint64(len(data)) {
		if f.MessageType != ServerError {
			return f, &DecodeError{Reason: ErrTruncatedFrame, MessageType: f.MessageType, Length: len(data)}
		}
		// keep whatever part of the error message arrived
		size = uint64(len(data) - prefixLength)
	}

	payload := data[prefixLength : prefixLength+size]
	if f.Compression == CompressionGzip {
		inflated, err := Decompress(payload)
		if err != nil {
			return f, &DecodeError{Reason: ErrInvalidPayload, MessageType: f.MessageType, Length: len(data), Err: err}
		}
		payload = inflated
	}
	f.Payload = payload
	return f, nil
}

// DecodeFrame decodes a server frame. It returns a nil message and a
// *DecodeError for anything the client should drop: short or truncated
// buffers, unknown message types and result payloads that are not JSON.
func DecodeFrame(data []byte) (*ServerMessage, error) {
	if len(data) < HeaderLength {
		return nil, &DecodeError{Reason: ErrShortFrame, Length: len(data)}
	}

	h := DecodeHeader(data)
	switch h.MessageType {
	case FullServerResponse, ServerAck, ServerError:
	default:
		return nil, &DecodeError{Reason: ErrUnknownMessageType, MessageType: h.MessageType, Length: len(data)}
	}

	frame, err := ParseFrame(data)
	if err != nil {
		return nil, err
	}

	switch frame.MessageType {
	case ServerError:
		return &ServerMessage{
			Kind:    KindError,
			Code:    frame.Sequence,
			Message: string(frame.Payload),
		}, nil

	case ServerAck:
		return &ServerMessage{Kind: KindAck, Sequence: frame.Sequence}, nil

	default:
		var resp Response
		if err := json.Unmarshal(frame.Payload, &resp); err != nil {
			return nil, &DecodeError{Reason: ErrInvalidPayload, MessageType: frame.MessageType, Length: len(data), Err: err}
		}
		text, strategy := ExtractText(&resp)
		return &ServerMessage{
			Kind:     KindResult,
			Sequence: frame.Sequence,
			Result:   entities.NewRecognitionResult(text, frame.IsLast()),
			Strategy: strategy,
			Response: &resp,
		}, nil
	}
}
