package api

import "github.com/satriahrh/pushtalk/domain/entities"

// StartResponse is returned when a dictation session opens
type StartResponse struct {
	RequestID string          `json:"request_id"`
	Status    entities.Status `json:"status"`
}

// AudioResponse acknowledges an audio chunk
type AudioResponse struct {
	Accepted int `json:"accepted"`
}

// StopResponse carries the finished transcript
type StopResponse struct {
	Transcript *entities.Transcript `json:"transcript"`
}

// StatusResponse describes the current dictation state
type StatusResponse struct {
	Status    entities.Status `json:"status"`
	Active    bool            `json:"active"`
	RequestID string          `json:"request_id,omitempty"`
	LastError string          `json:"last_error,omitempty"`
}

// TranscriptsResponse lists recent dictations, newest first
type TranscriptsResponse struct {
	Transcripts []*entities.Transcript `json:"transcripts"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
