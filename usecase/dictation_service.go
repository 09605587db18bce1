package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
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
)

var tracer = otel.Tracer("github.com/satriahrh/pushtalk/usecase")

// DefaultStopTimeout bounds how long Stop waits for the final result
const DefaultStopTimeout = 10 * time.Second

var (
	ErrSessionActive   = errors.New("a dictation session is already active")
	ErrNoActiveSession = errors.New("no active dictation session")
	ErrStopInProgress  = errors.New("dictation is already stopping")
	ErrNoSpeech        = errors.New("no speech recognized")
	ErrServiceClosed   = errors.New("dictation service closed")
)

// Option configures a DictationService
type Option func(*DictationService)

// WithStopTimeout sets how long Stop waits for the final result
func WithStopTimeout(d time.Duration) Option {
	return func(s *DictationService) {
		if d > 0 {
			s.stopTimeout = d
		}
	}
}

// WithPolisher rewrites transcripts before they are inserted
func WithPolisher(p repositories.TextPolisher) Option {
	return func(s *DictationService) { s.polisher = p }
}

// WithInserter delivers finished transcripts
func WithInserter(i repositories.TextInserter) Option {
	return func(s *DictationService) { s.inserter = i }
}

// WithTranscriptRepository records finished transcripts
func WithTranscriptRepository(r repositories.TranscriptRepository) Option {
	return func(s *DictationService) { s.transcripts = r }
}

// WithTranscriptPublisher announces finished transcripts
func WithTranscriptPublisher(p repositories.TranscriptPublisher) Option {
	return func(s *DictationService) { s.publisher = p }
}

// WithMetrics records session outcomes
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *DictationService) { s.metrics = m }
}

// cycle is one start/stop round trip
type cycle struct {
	requestID string
	startedAt time.Time
	stopping  bool
	latest    *entities.RecognitionResult
	err       error
	span      trace.Span

	final     chan struct{}
	aborted   chan struct{}
	finalOnce sync.Once
	abortOnce sync.Once
}

func newCycle() *cycle {
	return &cycle{
		requestID: uuid.NewString(),
		startedAt: time.Now(),
		final:     make(chan struct{}),
		aborted:   make(chan struct{}),
	}
}

func (c *cycle) markFinal() {
	c.finalOnce.Do(func() { close(c.final) })
}

func (c *cycle) abort() {
	c.abortOnce.Do(func() { close(c.aborted) })
}

// DictationService turns the recognizer's event stream into a
// start, feed audio, stop lifecycle with at most one session in flight.
type DictationService struct {
	recognizer  repositories.StreamingRecognizer
	polisher    repositories.TextPolisher
	inserter    repositories.TextInserter
	transcripts repositories.TranscriptRepository
	publisher   repositories.TranscriptPublisher
	metrics     *metrics.Metrics
	logger      *zap.Logger
	stopTimeout time.Duration

	mu            sync.Mutex
	cycle         *cycle
	lastRequestID string
	status        entities.Status
	lastErr       error
	subscribers   map[int]chan entities.Event
	nextSub       int

	done      chan struct{}
	pumpDone  chan struct{}
	closeOnce sync.Once
}

// NewDictationService creates the service and starts consuming recognizer events
func NewDictationService(recognizer repositories.StreamingRecognizer, logger *zap.Logger, opts ...Option) *DictationService {
	s := &DictationService{
		recognizer:  recognizer,
		logger:      logger,
		stopTimeout: DefaultStopTimeout,
		status:      entities.StatusIdle,
		subscribers: make(map[int]chan entities.Event),
		done:        make(chan struct{}),
		pumpDone:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	go s.pump()
	return s
}

func (s *DictationService) pump() {
	defer close(s.pumpDone)
	events := s.recognizer.Events()
	for {
		select {
		case ev := <-events:
			s.handleEvent(ev)
		case <-s.done:
			return
		}
	}
}

func (s *DictationService) handleEvent(ev entities.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.RequestID != "" && ev.RequestID != s.lastRequestID {
		s.logger.Debug("Ignoring event from a previous session",
			zap.String("requestID", ev.RequestID),
			zap.String("type", string(ev.Type)))
		return
	}

	cyc := s.cycle
	if cyc != nil && ev.RequestID != "" && ev.RequestID != cyc.requestID {
		cyc = nil
	}

	switch ev.Type {
	case entities.EventResult:
		if cyc != nil && ev.Result != nil {
			result := *ev.Result
			cyc.latest = &result
			if result.IsFinal {
				cyc.markFinal()
			}
		}

	case entities.EventError:
		s.lastErr = ev.Err
		if cyc != nil {
			if cyc.err == nil {
				cyc.err = ev.Err
			}
			cyc.abort()
		}

	case entities.EventStatus:
		s.status = ev.Status
		if cyc != nil && (ev.Status == entities.StatusIdle || ev.Status == entities.StatusError) {
			cyc.abort()
		}
	}

	for id, ch := range s.subscribers {
		select {
		case ch <- ev:
		default:
			s.metrics.EventDropped()
			s.logger.Warn("Subscriber is not keeping up, dropping event",
				zap.Int("subscriber", id),
				zap.String("type", string(ev.Type)))
		}
	}
}

// Start opens a recognition session. It fails with ErrSessionActive while
// another session is in flight.
func (s *DictationService) Start(ctx context.Context) error {
	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		return ErrServiceClosed
	default:
	}
	if s.cycle != nil {
		requestID := s.cycle.requestID
		s.mu.Unlock()
		s.logger.Warn("Start called while a session is active", zap.String("requestID", requestID))
		return ErrSessionActive
	}

	cyc := newCycle()
	ctx, cyc.span = tracer.Start(ctx, "dictation.session",
		trace.WithAttributes(attribute.String("pushtalk.request_id", cyc.requestID)))
	s.cycle = cyc
	s.lastRequestID = cyc.requestID
	s.lastErr = nil
	s.mu.Unlock()

	if err := s.recognizer.Connect(ctx, cyc.requestID); err != nil {
		cyc.span.RecordError(err)
		cyc.span.SetStatus(codes.Error, "connect failed")
		cyc.span.End()

		// a Stop during the connect already disconnected and released the cycle
		s.mu.Lock()
		owned := s.cycle == cyc
		if owned {
			s.cycle = nil
		}
		s.lastErr = err
		s.mu.Unlock()
		if owned {
			s.recognizer.Disconnect()
		}

		s.logger.Error("Failed to start dictation", zap.String("requestID", cyc.requestID), zap.Error(err))
		return fmt.Errorf("failed to start dictation: %w", err)
	}

	s.logger.Info("Dictation started", zap.String("requestID", cyc.requestID))
	return nil
}

// SendAudio forwards one PCM chunk. Chunks outside an active session are dropped.
func (s *DictationService) SendAudio(data []byte) {
	s.mu.Lock()
	cyc := s.cycle
	accepting := cyc != nil && !cyc.stopping
	s.mu.Unlock()

	if !accepting {
		s.logger.Debug("Dropping audio outside an active session", zap.Int("size", len(data)))
		return
	}
	s.recognizer.SendAudio(data)
}

// Stop finishes the audio stream and waits for the final result, a
// session error, the stop timeout or ctx, whichever comes first. It
// returns the best result seen, which may be interim or nil, and always
// disconnects the recognizer.
func (s *DictationService) Stop(ctx context.Context) (*entities.RecognitionResult, error) {
	result, _, err := s.stop(ctx)
	return result, err
}

func (s *DictationService) stop(ctx context.Context) (*entities.RecognitionResult, *cycle, error) {
	s.mu.Lock()
	cyc := s.cycle
	if cyc == nil {
		s.mu.Unlock()
		return nil, nil, ErrNoActiveSession
	}
	if cyc.stopping {
		s.mu.Unlock()
		return nil, nil, ErrStopInProgress
	}
	cyc.stopping = true
	s.mu.Unlock()

	logger := s.logger.With(zap.String("requestID", cyc.requestID))
	start := time.Now()

	outcome := "final"
	if s.recognizer.State() == entities.ConnectionConnecting {
		// no audio reached the server, so no final result is coming
		outcome = "cancelled"
	} else {
		s.recognizer.FinishAudio()

		timer := time.NewTimer(s.stopTimeout)
		defer timer.Stop()

		select {
		case <-cyc.final:
		case <-cyc.aborted:
			outcome = "error"
		case <-timer.C:
			outcome = "timeout"
		case <-ctx.Done():
			outcome = "cancelled"
		case <-s.done:
			outcome = "cancelled"
		}
	}
	select {
	case <-cyc.final:
		outcome = "final"
	default:
	}

	s.recognizer.Disconnect()

	s.mu.Lock()
	var result *entities.RecognitionResult
	if cyc.latest != nil {
		r := *cyc.latest
		result = &r
	}
	sessionErr := cyc.err
	if s.cycle == cyc {
		s.cycle = nil
	}
	s.mu.Unlock()

	waited := time.Since(start)
	s.metrics.SessionFinished(outcome, waited)

	cyc.span.SetAttributes(
		attribute.String("pushtalk.outcome", outcome),
		attribute.Int64("pushtalk.stop_wait_ms", waited.Milliseconds()))
	if sessionErr != nil {
		cyc.span.RecordError(sessionErr)
		cyc.span.SetStatus(codes.Error, outcome)
	}
	cyc.span.End()

	fields := []zap.Field{zap.String("outcome", outcome), zap.Duration("waited", waited)}
	if result != nil {
		fields = append(fields, zap.Bool("final", result.IsFinal), zap.Int("textLength", len(result.Text)))
	}
	switch outcome {
	case "final":
		logger.Info("Dictation stopped", fields...)
	case "error":
		logger.Warn("Dictation stopped after a session error", append(fields, zap.Error(sessionErr))...)
	default:
		logger.Warn("Dictation stopped without a final result", fields...)
	}

	return result, cyc, nil
}

// Finish stops the session and runs the push-to-talk pipeline on the
// result. A polisher failure falls back to the raw text. History and
// publish failures are only logged.
func (s *DictationService) Finish(ctx context.Context) (*entities.Transcript, error) {
	result, cyc, err := s.stop(ctx)
	if err != nil {
		return nil, err
	}
	if result == nil || strings.TrimSpace(result.Text) == "" {
		return nil, ErrNoSpeech
	}

	logger := s.logger.With(zap.String("requestID", cyc.requestID))
	transcript := &entities.Transcript{
		ID:         uuid.NewString(),
		RequestID:  cyc.requestID,
		RawText:    result.Text,
		Text:       result.Text,
		IsFinal:    result.IsFinal,
		DurationMs: time.Since(cyc.startedAt).Milliseconds(),
		CreatedAt:  time.Now(),
	}

	if s.polisher != nil {
		polished, err := s.polisher.Polish(ctx, transcript.RawText)
		switch {
		case err != nil:
			logger.Warn("Polishing failed, using raw transcription", zap.Error(err))
		case strings.TrimSpace(polished) == "":
			logger.Warn("Polisher returned empty text, using raw transcription")
		default:
			transcript.Text = polished
		}
	}

	if s.inserter != nil {
		if err := s.inserter.Insert(ctx, transcript.Text); err != nil {
			return transcript, fmt.Errorf("failed to insert text: %w", err)
		}
	}

	if s.transcripts != nil {
		if err := s.transcripts.Create(ctx, transcript); err != nil {
			logger.Error("Failed to record transcript", zap.Error(err))
		} else {
			s.metrics.TranscriptStored()
		}
	}

	if s.publisher != nil {
		if err := s.publisher.PublishTranscript(transcript); err != nil {
			logger.Warn("Failed to publish transcript", zap.Error(err))
		}
	}

	logger.Info("Dictation finished",
		zap.String("transcriptID", transcript.ID),
		zap.Bool("polished", transcript.Polished()),
		zap.Int64("durationMs", transcript.DurationMs))
	return transcript, nil
}

// Subscribe returns a channel receiving every event of the current and
// following sessions, and a function that cancels the subscription.
// Events are dropped for a subscriber whose buffer is full.
func (s *DictationService) Subscribe(buffer int) (<-chan entities.Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan entities.Event, buffer)

	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subscribers[id] = ch
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if c, ok := s.subscribers[id]; ok {
				delete(s.subscribers, id)
				close(c)
			}
		})
	}
}

// Status returns the latest status reported by the recognizer
func (s *DictationService) Status() entities.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Active reports whether a session is in flight and its request id
func (s *DictationService) Active() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cycle == nil {
		return "", false
	}
	return s.cycle.requestID, true
}

// LastError returns the most recent session error, cleared by Start
func (s *DictationService) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Close stops the event pump, closes the recognizer and ends all subscriptions
func (s *DictationService) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		<-s.pumpDone
		err = s.recognizer.Close()

		s.mu.Lock()
		for id, ch := range s.subscribers {
			delete(s.subscribers, id)
			close(ch)
		}
		s.mu.Unlock()
	})
	return err
}
