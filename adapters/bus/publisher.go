package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/satriahrh/pushtalk/domain/entities"
)

const DefaultSubjectPrefix = "pushtalk"

// Config selects the NATS server events are mirrored to
type Config struct {
	URL            string
	SubjectPrefix  string
	ConnectTimeout time.Duration
}

// EventMessage is the JSON body published for each dictation event
type EventMessage struct {
	Type      entities.EventType          `json:"type"`
	RequestID string                      `json:"request_id,omitempty"`
	Result    *entities.RecognitionResult `json:"result,omitempty"`
	Status    entities.Status             `json:"status,omitempty"`
	Error     string                      `json:"error,omitempty"`
	ErrorKind entities.ErrorKind          `json:"error_kind,omitempty"`
	Time      time.Time                   `json:"time"`
}

// Publisher mirrors dictation events onto NATS subjects
// <prefix>.dictation.<type>, so overlays and tray helpers can follow a
// session without polling the control API.
type Publisher struct {
	conn   *nats.Conn
	prefix string
	logger *zap.Logger
}

// Connect dials NATS and returns a publisher
func Connect(config Config, logger *zap.Logger) (*Publisher, error) {
	if config.URL == "" {
		return nil, errors.New("no NATS url configured")
	}
	if config.SubjectPrefix == "" {
		config.SubjectPrefix = DefaultSubjectPrefix
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = 5 * time.Second
	}

	conn, err := nats.Connect(config.URL,
		nats.Name("pushtalk"),
		nats.Timeout(config.ConnectTimeout),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("Disconnected from NATS", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("Reconnected to NATS", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	logger.Info("Connected to NATS", zap.String("url", config.URL), zap.String("prefix", config.SubjectPrefix))
	return &Publisher{conn: conn, prefix: config.SubjectPrefix, logger: logger}, nil
}

// Subject returns the subject an event type is published on
func (p *Publisher) Subject(t entities.EventType) string {
	return p.prefix + ".dictation." + string(t)
}

// TranscriptSubject is where finished transcripts are published
func (p *Publisher) TranscriptSubject() string {
	return p.prefix + ".transcripts"
}

// PublishEvent publishes one event
func (p *Publisher) PublishEvent(ev entities.Event) error {
	msg := EventMessage{
		Type:      ev.Type,
		RequestID: ev.RequestID,
		Result:    ev.Result,
		Status:    ev.Status,
		Time:      time.Now().UTC(),
	}
	if ev.Err != nil {
		msg.Error = ev.Err.Error()
		msg.ErrorKind = entities.ErrorKindOf(ev.Err)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return p.conn.Publish(p.Subject(ev.Type), data)
}

// PublishTranscript publishes a finished dictation
func (p *Publisher) PublishTranscript(t *entities.Transcript) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal transcript: %w", err)
	}
	return p.conn.Publish(p.TranscriptSubject(), data)
}

// Run publishes events until ctx is done or events is closed
func (p *Publisher) Run(ctx context.Context, events <-chan entities.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := p.PublishEvent(ev); err != nil {
				p.logger.Warn("Failed to publish dictation event",
					zap.String("type", string(ev.Type)),
					zap.Error(err))
			}
		}
	}
}

// Close flushes pending messages and closes the connection
func (p *Publisher) Close() {
	if p == nil || p.conn == nil {
		return
	}
	if err := p.conn.Drain(); err != nil {
		p.logger.Warn("Failed to drain NATS connection", zap.Error(err))
		p.conn.Close()
	}
	p.logger.Info("Closed NATS connection")
}
