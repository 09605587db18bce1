package entities

import (
	"errors"
	"time"
)

// Transcript is a finished dictation as delivered to the user
type Transcript struct {
	ID         string    `json:"id"`
	RequestID  string    `json:"request_id"`
	RawText    string    `json:"raw_text"`
	Text       string    `json:"text"` // after polishing; equals RawText when not polished
	IsFinal    bool      `json:"is_final"`
	DurationMs int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

// Polished reports whether the delivered text differs from the recognizer output
func (t *Transcript) Polished() bool {
	return t.Text != t.RawText
}

// Validate validates the transcript data
func (t *Transcript) Validate() error {
	if t.ID == "" {
		return errors.New("id is required")
	}
	if t.DurationMs < 0 {
		return errors.New("duration_ms must not be negative")
	}
	return nil
}
