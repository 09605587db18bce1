package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/satriahrh/pushtalk/domain/entities"
	"github.com/satriahrh/pushtalk/domain/repositories"
)

type TranscriptRepository struct {
	db *sql.DB
}

// NewTranscriptRepository creates a new SQLite transcript repository
func NewTranscriptRepository(client *Client) repositories.TranscriptRepository {
	return &TranscriptRepository{db: client.DB}
}

// Create implements repositories.TranscriptRepository
func (r *TranscriptRepository) Create(ctx context.Context, transcript *entities.Transcript) error {
	if transcript == nil {
		return errors.New("transcript cannot be nil")
	}

	if transcript.ID == "" {
		transcript.ID = uuid.NewString()
	}
	if transcript.CreatedAt.IsZero() {
		transcript.CreatedAt = time.Now()
	}
	if err := transcript.Validate(); err != nil {
		return fmt.Errorf("invalid transcript: %w", err)
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO transcripts(id, request_id, raw_text, text, is_final, duration_ms, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		transcript.ID,
		transcript.RequestID,
		transcript.RawText,
		transcript.Text,
		transcript.IsFinal,
		transcript.DurationMs,
		transcript.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to create transcript: %w", err)
	}
	return nil
}

// GetByID implements repositories.TranscriptRepository. It returns nil
// without an error when no transcript has the id.
func (r *TranscriptRepository) GetByID(ctx context.Context, id string) (*entities.Transcript, error) {
	if id == "" {
		return nil, errors.New("transcript ID cannot be empty")
	}

	row := r.db.QueryRowContext(ctx,
		`SELECT id, request_id, raw_text, text, is_final, duration_ms, created_at
		 FROM transcripts WHERE id = ?`, id)

	t, err := scanTranscript(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get transcript %s: %w", id, err)
	}
	return t, nil
}

// ListRecent implements repositories.TranscriptRepository, newest first
func (r *TranscriptRepository) ListRecent(ctx context.Context, limit int) ([]*entities.Transcript, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, request_id, raw_text, text, is_final, duration_ms, created_at
		 FROM transcripts ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list transcripts: %w", err)
	}
	defer rows.Close()

	var transcripts []*entities.Transcript
	for rows.Next() {
		t, err := scanTranscript(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transcript: %w", err)
		}
		transcripts = append(transcripts, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate transcripts: %w", err)
	}
	return transcripts, nil
}

// DeleteOlderThan implements repositories.TranscriptRepository
func (r *TranscriptRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM transcripts WHERE created_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to delete old transcripts: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted transcripts: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTranscript(s scanner) (*entities.Transcript, error) {
	var (
		t         entities.Transcript
		createdAt int64
	)
	if err := s.Scan(&t.ID, &t.RequestID, &t.RawText, &t.Text, &t.IsFinal, &t.DurationMs, &createdAt); err != nil {
		return nil, err
	}
	t.CreatedAt = time.UnixMilli(createdAt)
	return &t, nil
}
