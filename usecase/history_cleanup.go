package usecase

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/pushtalk/domain/repositories"
	"github.com/satriahrh/pushtalk/internal/metrics"
)

// HistoryCleanupService prunes transcripts older than the retention period
type HistoryCleanupService struct {
	transcripts repositories.TranscriptRepository
	retention   time.Duration
	interval    time.Duration
	metrics     *metrics.Metrics
	logger      *zap.Logger

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewHistoryCleanupService creates a new history cleanup service
func NewHistoryCleanupService(transcripts repositories.TranscriptRepository, retention time.Duration, m *metrics.Metrics, logger *zap.Logger) *HistoryCleanupService {
	return &HistoryCleanupService{
		transcripts: transcripts,
		retention:   retention,
		interval:    30 * time.Minute,
		metrics:     m,
		logger:      logger,
		stopChan:    make(chan struct{}),
	}
}

// Start begins the background cleanup process
func (s *HistoryCleanupService) Start() {
	s.wg.Add(1)
	go s.cleanupLoop()
	s.logger.Info("History cleanup service started", zap.Duration("retention", s.retention))
}

// Stop gracefully stops the cleanup service
func (s *HistoryCleanupService) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
	s.wg.Wait()
	s.logger.Info("History cleanup service stopped")
}

// cleanupLoop runs the cleanup process periodically
func (s *HistoryCleanupService) cleanupLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Run initial cleanup after 1 minute
	initialTimer := time.NewTimer(1 * time.Minute)
	defer initialTimer.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-initialTimer.C:
			s.RunOnce(context.Background())
		case <-ticker.C:
			s.RunOnce(context.Background())
		}
	}
}

// RunOnce deletes expired transcripts and returns how many were removed
func (s *HistoryCleanupService) RunOnce(ctx context.Context) int64 {
	if s.retention <= 0 {
		return 0
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	cutoff := time.Now().Add(-s.retention)
	removed, err := s.transcripts.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		s.logger.Error("Failed to prune transcript history", zap.Error(err))
		return 0
	}

	s.metrics.HistoryPruned(removed)
	s.logger.Info("History cleanup completed",
		zap.Int64("removed", removed),
		zap.Time("cutoff", cutoff))
	return removed
}
