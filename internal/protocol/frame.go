// Package protocol implements the binary framing used by the streaming
// recognition service.
//
// Every frame starts with a 4 byte header:
//
//	byte 0: protocol version (high nibble) | header size in 4 byte units (low nibble)
//	byte 1: message type (high nibble)     | message type flags (low nibble)
//	byte 2: serialization (high nibble)    | compression (low nibble)
//	byte 3: reserved
//
// followed by a big-endian int32 sequence (or error code), a big-endian
// uint32 payload length and the payload itself. The length always counts
// the payload bytes as placed on the wire, after compression.
package protocol

import "fmt"

const (
	ProtocolVersion uint8 = 0b0001
	HeaderSizeUnits uint8 = 0b0001

	// HeaderLength is the size of the fixed header in bytes.
	HeaderLength = 4
	// prefixLength covers header, sequence and payload length.
	prefixLength = 12
)

// MessageType identifies the kind of frame
type MessageType uint8

const (
	FullClientRequest  MessageType = 0b0001
	AudioOnlyRequest   MessageType = 0b0010
	FullServerResponse MessageType = 0b1001
	ServerAck          MessageType = 0b1011
	ServerError        MessageType = 0b1111
)

func (t MessageType) String() string {
	switch t {
	case FullClientRequest:
		return "full_client_request"
	case AudioOnlyRequest:
		return "audio_only_request"
	case FullServerResponse:
		return "full_server_response"
	case ServerAck:
		return "server_ack"
	case ServerError:
		return "server_error"
	default:
		return fmt.Sprintf("unknown(%#x)", uint8(t))
	}
}

// MessageTypeFlags qualify the sequence field of a frame
type MessageTypeFlags uint8

const (
	NoSequence       MessageTypeFlags = 0b0000
	PositiveSequence MessageTypeFlags = 0b0001
	// NegativeSequence marks the last audio chunk or the final result.
	NegativeSequence MessageTypeFlags = 0b0010
)

// Serialization is the payload serialization method
type Serialization uint8

const (
	SerializationNone Serialization = 0b0000
	SerializationJSON Serialization = 0b0001
)

// Compression is the payload compression method
type Compression uint8

const (
	CompressionNone Compression = 0b0000
	CompressionGzip Compression = 0b0001
)

// Header is the decoded form of the 4 byte frame header
type Header struct {
	MessageType   MessageType
	Flags         MessageTypeFlags
	Serialization Serialization
	Compression   Compression
}

// Frame is a parsed frame. For ServerError frames Sequence holds the error code.
type Frame struct {
	Header
	Sequence int32
	Payload  []byte // decompressed
}

// IsLast reports whether the frame carries the finality marker
func (f Frame) IsLast() bool {
	return f.Sequence < 0 || f.Flags == NegativeSequence
}

// EncodeHeader packs a header into its wire form
func EncodeHeader(h Header) [HeaderLength]byte {
	return [HeaderLength]byte{
		ProtocolVersion<<4 | HeaderSizeUnits,
		uint8(h.MessageType)<<4 | uint8(h.Flags)&0x0f,
		uint8(h.Serialization)<<4 | uint8(h.Compression)&0x0f,
		0,
	}
}

// DecodeHeader unpacks the first HeaderLength bytes of b
func DecodeHeader(b []byte) Header {
	return Header{
		MessageType:   MessageType(b[1] >> 4),
		Flags:         MessageTypeFlags(b[1] & 0x0f),
		Serialization: Serialization(b[2] >> 4),
		Compression:   Compression(b[2] & 0x0f),
	}
}
