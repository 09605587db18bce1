package stt

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/satriahrh/pushtalk/domain/entities"
	"github.com/satriahrh/pushtalk/domain/repositories"
	"github.com/satriahrh/pushtalk/internal/protocol"
)

// MockRecognizer is an in-memory StreamingRecognizer. It publishes an
// interim result per audio chunk and a final result on FinishAudio.
type MockRecognizer struct {
	// Transcript overrides the size based mock transcription.
	Transcript string
	// ConnectErr is returned by Connect when set.
	ConnectErr error
	// FailAfter publishes a server error after n chunks when positive.
	FailAfter int
	// HoldFinal suppresses the final result, leaving Stop to time out.
	HoldFinal bool
	// ConnectGate keeps Connect in the connecting state until it is closed.
	ConnectGate chan struct{}

	logger *zap.Logger

	mu         sync.Mutex
	state      entities.ConnectionState
	requestID  string
	audioBytes int
	chunks     int
	finishing  bool
	requests   []string
	abort      chan struct{}

	events chan entities.Event
}

var _ repositories.StreamingRecognizer = (*MockRecognizer)(nil)

// NewMockRecognizer creates a new mock recognizer
func NewMockRecognizer(logger *zap.Logger) *MockRecognizer {
	return &MockRecognizer{
		logger: logger,
		state:  entities.ConnectionDisconnected,
		events: make(chan entities.Event, eventBufferSize),
	}
}

// Connect starts a mock session
func (m *MockRecognizer) Connect(ctx context.Context, requestID string) error {
	m.mu.Lock()
	if !m.state.CanConnect() {
		m.mu.Unlock()
		m.logger.Warn("Mock connect called on an active session")
		return nil
	}
	if requestID == "" {
		requestID = uuid.NewString()
	}
	m.requests = append(m.requests, requestID)
	if m.ConnectErr != nil {
		m.state = entities.ConnectionError
		err := m.ConnectErr
		m.mu.Unlock()
		m.emit(entities.StatusEvent(requestID, entities.StatusError))
		return err
	}
	m.state = entities.ConnectionConnecting
	m.requestID = requestID
	m.audioBytes = 0
	m.chunks = 0
	m.finishing = false
	gate := m.ConnectGate
	abort := make(chan struct{})
	m.abort = abort
	m.mu.Unlock()

	m.logger.Info("Initializing mock streaming transcription", zap.String("requestID", requestID))
	m.emit(entities.StatusEvent(requestID, entities.StatusConnecting))

	if gate != nil {
		select {
		case <-gate:
		case <-abort:
			return entities.NewTransportError("connection aborted", nil)
		case <-ctx.Done():
			m.Disconnect()
			return entities.NewTimeoutError("connect did not complete", ctx.Err())
		}
	}

	m.mu.Lock()
	if m.abort != abort {
		m.mu.Unlock()
		return entities.NewTransportError("connection aborted", nil)
	}
	m.state = entities.ConnectionConnected
	m.mu.Unlock()

	m.emit(entities.StatusEvent(requestID, entities.StatusListening))
	return nil
}

// SendAudio processes a mock audio chunk
func (m *MockRecognizer) SendAudio(data []byte) {
	m.mu.Lock()
	if m.state != entities.ConnectionConnected || m.finishing {
		m.mu.Unlock()
		m.logger.Warn("Mock recognizer dropping audio chunk", zap.Int("size", len(data)))
		return
	}
	m.chunks++
	m.audioBytes += len(data)
	requestID := m.requestID
	fail := m.FailAfter > 0 && m.chunks == m.FailAfter
	if fail {
		// the server drops the session after reporting an error
		m.state = entities.ConnectionError
	}
	text := m.transcription()
	m.mu.Unlock()

	if fail {
		m.emit(entities.ErrorEvent(requestID, entities.NewServerError(500, "internal error")))
		m.emit(entities.StatusEvent(requestID, entities.StatusError))
		return
	}
	m.emit(entities.ResultEvent(requestID, entities.NewRecognitionResult(text, false)))
}

// FinishAudio publishes the final transcription
func (m *MockRecognizer) FinishAudio() {
	m.mu.Lock()
	if m.state != entities.ConnectionConnected || m.finishing {
		m.mu.Unlock()
		m.logger.Warn("Mock FinishAudio called with no open session")
		return
	}
	m.finishing = true
	requestID := m.requestID
	hold := m.HoldFinal
	text := m.transcription()
	m.mu.Unlock()

	m.logger.Info("Ending mock transcription stream", zap.String("result", text))
	m.emit(entities.StatusEvent(requestID, entities.StatusProcessing))
	if hold {
		return
	}
	m.emit(entities.ResultEvent(requestID, entities.NewRecognitionResult(text, true)))
	m.emit(entities.StatusEvent(requestID, entities.StatusDone))
}

// Disconnect ends the mock session
func (m *MockRecognizer) Disconnect() {
	m.mu.Lock()
	active := m.state != entities.ConnectionDisconnected
	requestID := m.requestID
	m.state = entities.ConnectionDisconnected
	m.requestID = ""
	if m.abort != nil {
		close(m.abort)
		m.abort = nil
	}
	m.mu.Unlock()

	if active {
		m.emit(entities.StatusEvent(requestID, entities.StatusIdle))
	}
}

func (m *MockRecognizer) State() entities.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *MockRecognizer) Events() <-chan entities.Event {
	return m.events
}

func (m *MockRecognizer) Close() error {
	m.Disconnect()
	return nil
}

// Requests returns the request ids Connect was called with
func (m *MockRecognizer) Requests() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.requests...)
}

// transcription picks a mock transcription from the audio received so far.
// The caller holds mu.
func (m *MockRecognizer) transcription() string {
	if m.Transcript != "" {
		return m.Transcript
	}

	seconds := m.audioBytes / protocol.BytesPerSecond
	switch {
	case seconds >= 3:
		return "Hello, this is a longer dictation about today."
	case seconds >= 1:
		return "Thanks for listening."
	case m.audioBytes > 0:
		return "Hello"
	default:
		return ""
	}
}

func (m *MockRecognizer) emit(ev entities.Event) {
	select {
	case m.events <- ev:
	default:
		m.logger.Warn("Mock recognizer event buffer full", zap.String("type", string(ev.Type)))
	}
}
