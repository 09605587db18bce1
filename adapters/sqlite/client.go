package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// Client wraps the SQLite database holding dictation history
type Client struct {
	DB     *sql.DB
	path   string
	logger *zap.Logger
}

// NewClient opens (or creates) the database at path and applies the schema
func NewClient(ctx context.Context, path string, logger *zap.Logger) (*Client, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	db.SetConnMaxIdleTime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite: %w", err)
	}

	c := &Client{DB: db, path: path, logger: logger}
	if err := c.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	logger.Info("Successfully opened history database", zap.String("path", path))
	return c, nil
}

func (c *Client) migrate(ctx context.Context) error {
	_, err := c.DB.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS transcripts (
    id          TEXT PRIMARY KEY,
    request_id  TEXT NOT NULL,
    raw_text    TEXT NOT NULL,
    text        TEXT NOT NULL,
    is_final    INTEGER NOT NULL DEFAULT 0,
    duration_ms INTEGER NOT NULL DEFAULT 0,
    created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transcripts_created_at ON transcripts(created_at);
`)
	return err
}

// Close closes the database
func (c *Client) Close() error {
	if err := c.DB.Close(); err != nil {
		return fmt.Errorf("failed to close history database: %w", err)
	}
	c.logger.Info("Closed history database", zap.String("path", c.path))
	return nil
}
