package stt

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/satriahrh/pushtalk/domain/entities"
	"github.com/satriahrh/pushtalk/domain/repositories"
	"github.com/satriahrh/pushtalk/internal/metrics"
	"github.com/satriahrh/pushtalk/internal/protocol"
)

const (
	DefaultEndpoint       = "wss://openspeech.bytedance.com/api/v3/sauc/bigmodel"
	DefaultResourceID     = "volc.bigasr.sauc.duration"
	DefaultConnectTimeout = 30 * time.Second

	eventBufferSize = 256
)

var tracer = otel.Tracer("github.com/satriahrh/pushtalk/adapters/stt")

var (
	ErrMissingCredentials = errors.New("app id and access token are required")
	ErrClientClosed       = errors.New("recognition client closed")
)

// StreamingConfig holds the connection settings of the recognition service
type StreamingConfig struct {
	Endpoint       string
	AppID          string
	AccessToken    string
	ResourceID     string
	UID            string
	ConnectTimeout time.Duration
}

// StreamingClient drives one recognition connection at a time over a
// Transport. It is the only writer of the connection state and the session
// sequence counter.
type StreamingClient struct {
	config    StreamingConfig
	transport repositories.Transport
	metrics   *metrics.Metrics
	logger    *zap.Logger

	mu         sync.Mutex
	state      entities.ConnectionState
	session    *entities.Session
	conn       repositories.Connection
	generation uint64
	cancelOpen context.CancelFunc

	events    chan entities.Event
	closed    chan struct{}
	closeOnce sync.Once
}

var _ repositories.StreamingRecognizer = (*StreamingClient)(nil)

// NewStreamingClient creates a disconnected client. m may be nil.
func NewStreamingClient(config StreamingConfig, transport repositories.Transport, m *metrics.Metrics, logger *zap.Logger) *StreamingClient {
	if config.Endpoint == "" {
		config.Endpoint = DefaultEndpoint
	}
	if config.ResourceID == "" {
		config.ResourceID = DefaultResourceID
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = DefaultConnectTimeout
	}

	return &StreamingClient{
		config:    config,
		transport: transport,
		metrics:   m,
		logger:    logger,
		state:     entities.ConnectionDisconnected,
		events:    make(chan entities.Event, eventBufferSize),
		closed:    make(chan struct{}),
	}
}

// Events returns the channel results, status changes and errors are
// published on. It is never closed; stop reading after Close.
func (c *StreamingClient) Events() <-chan entities.Event {
	return c.events
}

// State returns the current connection state
func (c *StreamingClient) State() entities.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

type openResult struct {
	conn repositories.Connection
	err  error
}

// Connect opens a connection and sends the handshake frame. It returns once
// the handshake is queued, without waiting for a server acknowledgement.
// Failures are *entities.ProtocolError values of kind timeout or transport.
func (c *StreamingClient) Connect(ctx context.Context, requestID string) (err error) {
	ctx, span := tracer.Start(ctx, "stt.connect",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("server.address", c.config.Endpoint)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	c.mu.Lock()
	select {
	case <-c.closed:
		c.mu.Unlock()
		return ErrClientClosed
	default:
	}
	if !c.state.CanConnect() {
		state := c.state
		c.mu.Unlock()
		c.logger.Warn("Connect called on an active connection", zap.String("state", string(state)))
		return nil
	}
	if c.config.AppID == "" || c.config.AccessToken == "" {
		c.mu.Unlock()
		return ErrMissingCredentials
	}

	if requestID == "" {
		requestID = uuid.NewString()
	}
	span.SetAttributes(attribute.String("pushtalk.request_id", requestID))
	c.generation++
	gen := c.generation
	c.session = entities.NewSession(requestID)
	c.state = entities.ConnectionConnecting
	c.conn = nil

	openCtx, cancel := context.WithTimeout(ctx, c.config.ConnectTimeout)
	defer cancel()
	c.cancelOpen = cancel
	c.mu.Unlock()

	logger := c.logger.With(zap.String("requestID", requestID))
	logger.Info("Connecting to recognition service", zap.String("endpoint", c.config.Endpoint))
	c.emit(entities.StatusEvent(requestID, entities.StatusConnecting))

	start := time.Now()
	handler := &connHandler{client: c, generation: gen, requestID: requestID}

	// Open runs on its own goroutine so a transport that ignores the
	// context cannot hold Connect past the deadline.
	opened := make(chan openResult, 1)
	go func() {
		conn, err := c.transport.Open(openCtx, c.config.Endpoint, c.header(requestID), handler)
		opened <- openResult{conn: conn, err: err}
	}()

	var res openResult
	select {
	case res = <-opened:
		if res.err == nil && openCtx.Err() != nil {
			res.conn.Close()
			res = openResult{err: openCtx.Err()}
		}
	case <-openCtx.Done():
		go func() {
			if late := <-opened; late.conn != nil {
				late.conn.Close()
			}
		}()
		res = openResult{err: openCtx.Err()}
	}

	if res.err != nil {
		perr := c.connectError(openCtx, res.err)
		c.failConnect(gen, requestID, perr, start)
		return perr
	}

	c.mu.Lock()
	c.cancelOpen = nil
	if c.generation != gen || c.state != entities.ConnectionConnecting {
		c.mu.Unlock()
		res.conn.Close()
		perr := entities.NewTransportError("connection closed during handshake", nil)
		c.metrics.ObserveConnect(time.Since(start), string(perr.Kind))
		logger.Warn("Connection ended before the handshake was sent")
		return perr
	}

	frame, err := protocol.EncodeInitRequest(protocol.NewInitRequest(c.config.UID), c.session.NextSequence())
	if err == nil {
		err = res.conn.Send(frame)
	}
	if err != nil {
		c.generation++
		c.state = entities.ConnectionError
		c.mu.Unlock()
		res.conn.Close()
		perr := entities.NewTransportError("failed to send handshake", err)
		c.failConnect(0, requestID, perr, start)
		return perr
	}
	c.conn = res.conn
	c.state = entities.ConnectionConnected
	c.mu.Unlock()

	c.metrics.FrameSent(protocol.FullClientRequest.String())
	c.metrics.ObserveConnect(time.Since(start), "")
	logger.Info("Recognition session started", zap.Duration("elapsed", time.Since(start)))
	c.emit(entities.StatusEvent(requestID, entities.StatusListening))
	return nil
}

func (c *StreamingClient) connectError(ctx context.Context, err error) *entities.ProtocolError {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return entities.NewTimeoutError(fmt.Sprintf("connect did not complete within %s", c.config.ConnectTimeout), err)
	}
	return entities.NewTransportError("connect failed", err)
}

// failConnect moves the connection to the error state. A zero gen skips the
// generation check for callers that already hold the transition.
func (c *StreamingClient) failConnect(gen uint64, requestID string, perr *entities.ProtocolError, start time.Time) {
	c.mu.Lock()
	stale := gen != 0 && c.generation != gen
	if !stale {
		c.state = entities.ConnectionError
		c.conn = nil
		c.cancelOpen = nil
	}
	c.mu.Unlock()

	c.metrics.ObserveConnect(time.Since(start), string(perr.Kind))
	c.logger.Error("Failed to connect to recognition service",
		zap.String("requestID", requestID),
		zap.String("kind", string(perr.Kind)),
		zap.Error(perr))
	if !stale {
		c.emit(entities.StatusEvent(requestID, entities.StatusError))
	}
}

func (c *StreamingClient) header(requestID string) http.Header {
	h := http.Header{}
	h.Set("X-Api-App-Key", c.config.AppID)
	h.Set("X-Api-Access-Key", c.config.AccessToken)
	h.Set("X-Api-Resource-Id", c.config.ResourceID)
	h.Set("X-Api-Connect-Id", requestID)
	return h
}

// SendAudio encodes and queues one chunk. Chunks arriving while not
// connected are dropped with a warning.
func (c *StreamingClient) SendAudio(data []byte) {
	c.mu.Lock()
	if c.state != entities.ConnectionConnected || c.conn == nil || c.session.IsFinishing {
		state := c.state
		c.mu.Unlock()
		c.logger.Warn("Dropping audio chunk, no open session",
			zap.String("state", string(state)),
			zap.Int("size", len(data)))
		return
	}

	requestID := c.session.RequestID
	seq := c.session.NextSequence()
	frame, err := protocol.EncodeAudioRequest(data, seq, false)
	if err == nil {
		err = c.conn.Send(frame)
	}
	c.mu.Unlock()

	if err != nil {
		c.logger.Error("Failed to send audio chunk",
			zap.String("requestID", requestID),
			zap.Int32("sequence", seq),
			zap.Error(err))
		c.emit(entities.ErrorEvent(requestID, entities.NewTransportError("failed to send audio", err)))
		return
	}
	c.metrics.FrameSent(protocol.AudioOnlyRequest.String())
}

// FinishAudio sends the terminating frame. The connection stays open for
// the final result.
func (c *StreamingClient) FinishAudio() {
	c.mu.Lock()
	if c.state != entities.ConnectionConnected || c.conn == nil {
		state := c.state
		c.mu.Unlock()
		c.logger.Warn("FinishAudio called with no open session", zap.String("state", string(state)))
		return
	}
	if c.session.IsFinishing {
		c.mu.Unlock()
		c.logger.Warn("FinishAudio called twice")
		return
	}

	requestID := c.session.RequestID
	seq := c.session.Finish()
	frame, err := protocol.EncodeAudioRequest(nil, seq, true)
	if err == nil {
		err = c.conn.Send(frame)
	}
	c.mu.Unlock()

	if err != nil {
		c.logger.Error("Failed to send terminating frame",
			zap.String("requestID", requestID),
			zap.Error(err))
		c.emit(entities.ErrorEvent(requestID, entities.NewTransportError("failed to finish audio", err)))
		return
	}

	c.metrics.FrameSent(protocol.AudioOnlyRequest.String())
	c.logger.Debug("Audio finished", zap.String("requestID", requestID), zap.Int32("sequence", -seq))
	c.emit(entities.StatusEvent(requestID, entities.StatusProcessing))
}

// Disconnect closes the connection if any and returns to disconnected.
// Callbacks of the closed connection are ignored from here on.
func (c *StreamingClient) Disconnect() {
	c.mu.Lock()
	active := c.state != entities.ConnectionDisconnected || c.conn != nil || c.session != nil
	c.generation++
	conn := c.conn
	cancelOpen := c.cancelOpen
	requestID := ""
	if c.session != nil {
		requestID = c.session.RequestID
	}
	c.conn = nil
	c.session = nil
	c.cancelOpen = nil
	c.state = entities.ConnectionDisconnected
	c.mu.Unlock()

	if cancelOpen != nil {
		cancelOpen()
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			c.logger.Warn("Failed to close connection", zap.Error(err))
		}
	}
	if active {
		c.logger.Info("Disconnected from recognition service", zap.String("requestID", requestID))
		c.emit(entities.StatusEvent(requestID, entities.StatusIdle))
	}
}

// Close disconnects and releases the client. Further calls to Connect fail.
func (c *StreamingClient) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
	c.Disconnect()
	return nil
}

func (c *StreamingClient) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation == gen
}

func (c *StreamingClient) emit(ev entities.Event) {
	select {
	case c.events <- ev:
	case <-c.closed:
	}
}

func (c *StreamingClient) handleMessage(gen uint64, requestID string, data []byte) {
	if !c.current(gen) {
		c.logger.Debug("Ignoring frame from a previous connection", zap.String("requestID", requestID))
		return
	}

	msg, err := protocol.DecodeFrame(data)
	if err != nil {
		c.metrics.FrameDropped(dropReason(err))
		c.logger.Warn("Dropping undecodable frame",
			zap.String("requestID", requestID),
			zap.Int("size", len(data)),
			zap.Error(err))
		return
	}
	c.metrics.FrameReceived(string(msg.Kind))

	switch msg.Kind {
	case protocol.KindError:
		perr := entities.NewServerError(msg.Code, msg.Message)
		c.logger.Error("Recognition server reported an error",
			zap.String("requestID", requestID),
			zap.Int32("code", msg.Code),
			zap.String("message", msg.Message))
		c.emit(entities.ErrorEvent(requestID, perr))
		c.emit(entities.StatusEvent(requestID, entities.StatusError))

	case protocol.KindResult:
		if msg.Result.IsFinal {
			c.mu.Lock()
			if c.generation == gen && c.session != nil {
				c.session.MarkFinal(msg.Result)
			}
			c.mu.Unlock()
		}
		c.logger.Debug("Recognition result",
			zap.String("requestID", requestID),
			zap.Int32("sequence", msg.Sequence),
			zap.Bool("final", msg.Result.IsFinal),
			zap.String("strategy", msg.Strategy))
		c.emit(entities.ResultEvent(requestID, msg.Result))
		if msg.Result.IsFinal {
			c.emit(entities.StatusEvent(requestID, entities.StatusDone))
		}

	case protocol.KindAck:
		c.logger.Debug("Server acknowledged frame",
			zap.String("requestID", requestID),
			zap.Int32("sequence", msg.Sequence))
	}
}

func (c *StreamingClient) handleError(gen uint64, requestID string, err error) {
	c.mu.Lock()
	if c.generation != gen {
		c.mu.Unlock()
		return
	}
	c.state = entities.ConnectionError
	c.mu.Unlock()

	c.logger.Error("Recognition connection failed", zap.String("requestID", requestID), zap.Error(err))
	c.emit(entities.ErrorEvent(requestID, entities.NewTransportError("connection failed", err)))
	c.emit(entities.StatusEvent(requestID, entities.StatusError))
}

func (c *StreamingClient) handleClose(gen uint64, requestID string) {
	c.mu.Lock()
	if c.generation != gen {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.session = nil
	if c.state != entities.ConnectionError {
		c.state = entities.ConnectionDisconnected
	}
	c.mu.Unlock()

	c.logger.Info("Recognition connection closed by peer", zap.String("requestID", requestID))
	c.emit(entities.StatusEvent(requestID, entities.StatusIdle))
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, protocol.ErrShortFrame):
		return "short_frame"
	case errors.Is(err, protocol.ErrTruncatedFrame):
		return "truncated_frame"
	case errors.Is(err, protocol.ErrUnknownMessageType):
		return "unknown_message_type"
	case errors.Is(err, protocol.ErrInvalidPayload):
		return "invalid_payload"
	default:
		return "unknown"
	}
}

// connHandler binds transport callbacks to the connection generation that
// opened them.
type connHandler struct {
	client     *StreamingClient
	generation uint64
	requestID  string
}

func (h *connHandler) OnMessage(data []byte) {
	h.client.handleMessage(h.generation, h.requestID, data)
}

func (h *connHandler) OnError(err error) {
	h.client.handleError(h.generation, h.requestID, err)
}

func (h *connHandler) OnClose() {
	h.client.handleClose(h.generation, h.requestID)
}
