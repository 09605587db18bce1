package entities

// ResultKind distinguishes interim hypotheses from the terminal transcription
type ResultKind string

const (
	ResultInterim ResultKind = "interim"
	ResultFinal   ResultKind = "final"
)

// RecognitionResult is a decoded transcription. Text is cumulative, not a delta.
type RecognitionResult struct {
	Kind    ResultKind `json:"kind"`
	Text    string     `json:"text"`
	IsFinal bool       `json:"is_final"`
}

// NewRecognitionResult builds a result with Kind derived from isFinal
func NewRecognitionResult(text string, isFinal bool) RecognitionResult {
	kind := ResultInterim
	if isFinal {
		kind = ResultFinal
	}
	return RecognitionResult{Kind: kind, Text: text, IsFinal: isFinal}
}

// Status is the user-visible phase of a dictation
type Status string

const (
	StatusIdle       Status = "idle"
	StatusConnecting Status = "connecting"
	StatusListening  Status = "listening"
	StatusProcessing Status = "processing"
	StatusDone       Status = "done"
	StatusError      Status = "error"
)

// EventType tags the variants carried by Event
type EventType string

const (
	EventResult EventType = "result"
	EventStatus EventType = "status"
	EventError  EventType = "error"
)

// Event is published by the recognizer. Exactly one of Result, Status or Err
// is meaningful, selected by Type.
type Event struct {
	Type      EventType          `json:"type"`
	RequestID string             `json:"request_id,omitempty"`
	Result    *RecognitionResult `json:"result,omitempty"`
	Status    Status             `json:"status,omitempty"`
	Err       error              `json:"-"`
}

// ResultEvent creates a result event
func ResultEvent(requestID string, result RecognitionResult) Event {
	return Event{Type: EventResult, RequestID: requestID, Result: &result}
}

// StatusEvent creates a status event
func StatusEvent(requestID string, status Status) Event {
	return Event{Type: EventStatus, RequestID: requestID, Status: status}
}

// ErrorEvent creates an error event
func ErrorEvent(requestID string, err error) Event {
	return Event{Type: EventError, RequestID: requestID, Err: err}
}
