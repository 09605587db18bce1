package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/pushtalk/domain/entities"
)

func setupRepository(t *testing.T) (*TranscriptRepository, *Client) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "data", "history.db")
	client, err := NewClient(context.Background(), path, zap.NewNop())
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	return NewTranscriptRepository(client).(*TranscriptRepository), client
}

func TestTranscriptRepository(t *testing.T) {
	ctx := context.Background()
	repo, _ := setupRepository(t)

	t.Run("CreateAndGet", func(t *testing.T) {
		transcript := &entities.Transcript{
			RequestID:  "req-1",
			RawText:    "hello world",
			Text:       "Hello world.",
			IsFinal:    true,
			DurationMs: 1500,
		}

		if err := repo.Create(ctx, transcript); err != nil {
			t.Fatalf("Failed to create transcript: %v", err)
		}
		if transcript.ID == "" {
			t.Fatal("Expected an id to be assigned")
		}

		got, err := repo.GetByID(ctx, transcript.ID)
		if err != nil {
			t.Fatalf("Failed to get transcript: %v", err)
		}
		if got == nil {
			t.Fatal("Expected transcript, got nil")
		}
		if got.RequestID != "req-1" || got.RawText != "hello world" || got.Text != "Hello world." {
			t.Errorf("Unexpected transcript: %+v", got)
		}
		if !got.IsFinal || got.DurationMs != 1500 {
			t.Errorf("Expected final transcript of 1500ms, got %+v", got)
		}
		if !got.Polished() {
			t.Error("Expected transcript to be reported as polished")
		}
		if got.CreatedAt.UnixMilli() != transcript.CreatedAt.UnixMilli() {
			t.Errorf("Expected created_at %v, got %v", transcript.CreatedAt, got.CreatedAt)
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		got, err := repo.GetByID(ctx, "does-not-exist")
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if got != nil {
			t.Errorf("Expected nil, got %+v", got)
		}
	})

	t.Run("DuplicateID", func(t *testing.T) {
		transcript := &entities.Transcript{ID: "dup", RawText: "a", Text: "a"}
		if err := repo.Create(ctx, transcript); err != nil {
			t.Fatalf("Failed to create transcript: %v", err)
		}
		if err := repo.Create(ctx, &entities.Transcript{ID: "dup", RawText: "b", Text: "b"}); err == nil {
			t.Error("Expected error for duplicate id")
		}
	})

	t.Run("InvalidTranscript", func(t *testing.T) {
		if err := repo.Create(ctx, nil); err == nil {
			t.Error("Expected error for nil transcript")
		}
		if err := repo.Create(ctx, &entities.Transcript{DurationMs: -1}); err == nil {
			t.Error("Expected error for negative duration")
		}
		if _, err := repo.GetByID(ctx, ""); err == nil {
			t.Error("Expected error for empty id")
		}
	})
}

func TestTranscriptRepository_ListRecent(t *testing.T) {
	ctx := context.Background()
	repo, _ := setupRepository(t)

	base := time.Now().Add(-time.Hour)
	for i, id := range []string{"first", "second", "third"} {
		err := repo.Create(ctx, &entities.Transcript{
			ID:        id,
			RawText:   id,
			Text:      id,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("Failed to create %s: %v", id, err)
		}
	}

	got, err := repo.ListRecent(ctx, 2)
	if err != nil {
		t.Fatalf("Failed to list transcripts: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 transcripts, got %d", len(got))
	}
	if got[0].ID != "third" || got[1].ID != "second" {
		t.Errorf("Expected newest first, got %s, %s", got[0].ID, got[1].ID)
	}

	all, err := repo.ListRecent(ctx, 0)
	if err != nil {
		t.Fatalf("Failed to list transcripts: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("Expected default limit to return all 3, got %d", len(all))
	}
}

func TestTranscriptRepository_DeleteOlderThan(t *testing.T) {
	ctx := context.Background()
	repo, _ := setupRepository(t)

	now := time.Now()
	fixtures := map[string]time.Time{
		"old":    now.Add(-48 * time.Hour),
		"older":  now.Add(-72 * time.Hour),
		"recent": now.Add(-time.Minute),
	}
	for id, createdAt := range fixtures {
		if err := repo.Create(ctx, &entities.Transcript{ID: id, CreatedAt: createdAt}); err != nil {
			t.Fatalf("Failed to create %s: %v", id, err)
		}
	}

	removed, err := repo.DeleteOlderThan(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("Failed to delete: %v", err)
	}
	if removed != 2 {
		t.Errorf("Expected 2 removed, got %d", removed)
	}

	left, _ := repo.ListRecent(ctx, 10)
	if len(left) != 1 || left[0].ID != "recent" {
		t.Errorf("Expected only the recent transcript, got %d", len(left))
	}
}

func TestClient_Reopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "history.db")

	client, err := NewClient(ctx, path, zap.NewNop())
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	repo := NewTranscriptRepository(client)
	if err := repo.Create(ctx, &entities.Transcript{ID: "kept", Text: "kept"}); err != nil {
		t.Fatalf("Failed to create: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("Failed to close: %v", err)
	}

	client, err = NewClient(ctx, path, zap.NewNop())
	if err != nil {
		t.Fatalf("Failed to reopen database: %v", err)
	}
	defer client.Close()

	got, err := NewTranscriptRepository(client).GetByID(ctx, "kept")
	if err != nil || got == nil {
		t.Fatalf("Expected transcript to survive reopen, got %v, %v", got, err)
	}
}
