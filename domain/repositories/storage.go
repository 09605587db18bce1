package repositories

import (
	"context"
	"time"

	"github.com/satriahrh/pushtalk/domain/entities"
)

// TranscriptRepository defines data access methods for dictation history
type TranscriptRepository interface {
	Create(ctx context.Context, transcript *entities.Transcript) error
	GetByID(ctx context.Context, id string) (*entities.Transcript, error)
	ListRecent(ctx context.Context, limit int) ([]*entities.Transcript, error)
	// DeleteOlderThan removes transcripts created before cutoff and returns the count
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}
