package repositories

import (
	"context"

	"github.com/satriahrh/pushtalk/domain/entities"
)

// TextPolisher rewrites a raw transcription, e.g. with an LLM
type TextPolisher interface {
	Polish(ctx context.Context, text string) (string, error)
}

// TextInserter delivers the final text at the user's cursor
type TextInserter interface {
	Insert(ctx context.Context, text string) error
}

// TranscriptPublisher announces finished transcripts to other processes
type TranscriptPublisher interface {
	PublishTranscript(transcript *entities.Transcript) error
}
