package repositories

import (
	"context"
	"net/http"

	"github.com/satriahrh/pushtalk/domain/entities"
)

// StreamingRecognizer abstracts a streaming speech recognition connection.
// Results, status changes and mid-session errors are published on Events.
type StreamingRecognizer interface {
	// Connect opens a new recognition session. An empty requestID asks the
	// recognizer to generate one.
	Connect(ctx context.Context, requestID string) error
	// SendAudio streams one chunk of raw PCM audio. Never blocks on the network.
	SendAudio(data []byte)
	// FinishAudio signals that no more audio will be sent.
	FinishAudio()
	// Disconnect tears the session down. Idempotent.
	Disconnect()
	// State returns the current connection state
	State() entities.ConnectionState
	// Events returns the channel events are published on
	Events() <-chan entities.Event
	// Close disposes the recognizer
	Close() error
}

// Transport opens persistent binary message connections
type Transport interface {
	Open(ctx context.Context, endpoint string, header http.Header, handler FrameHandler) (Connection, error)
}

// Connection is an open transport handle
type Connection interface {
	// Send queues one binary message for writing
	Send(data []byte) error
	Close() error
}

// FrameHandler receives inbound messages and lifecycle callbacks from a Connection.
// OnClose is called exactly once, after any OnError.
type FrameHandler interface {
	OnMessage(data []byte)
	OnError(err error)
	OnClose()
}
