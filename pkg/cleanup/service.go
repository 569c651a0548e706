// Package cleanup enforces data retention policies.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/caphub/caphub/pkg/config"
	"github.com/caphub/caphub/pkg/storage"
)

// Service periodically enforces retention policies:
//   - Deletes terminal runs past the retention window, with their steps
//     and checkpoints
//   - Archives threads that stayed closed past the archive TTL
//   - Removes persisted event rows older than the SSE catchup horizon
//
// All operations are idempotent and safe to run from multiple replicas.
type Service struct {
	cfg   *config.RetentionConfig
	store storage.Store

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a new cleanup service.
func NewService(cfg *config.RetentionConfig, store storage.Store) *Service {
	if cfg == nil {
		cfg = config.DefaultRetentionConfig()
	}
	return &Service{cfg: cfg, store: store}
}

// Start launches the background cleanup loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started",
		"run_retention_days", s.cfg.RunRetentionDays,
		"thread_archive_after", s.cfg.ThreadArchiveAfter.Std(),
		"event_ttl", s.cfg.EventTTL.Std(),
		"interval", s.cfg.CleanupInterval.Std())
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.Sweep(ctx)

	ticker := time.NewTicker(s.cfg.CleanupInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs every retention pass once. Exposed so tests and operational
// tooling can trigger a pass without waiting for the ticker.
func (s *Service) Sweep(ctx context.Context) {
	s.deleteOldRuns(ctx)
	s.archiveClosedThreads(ctx)
	s.deleteOldEvents(ctx)
}

func (s *Service) deleteOldRuns(ctx context.Context) {
	if s.cfg.RunRetentionDays <= 0 {
		return
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -s.cfg.RunRetentionDays)
	count, err := s.store.Runs().DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		slog.Error("Retention: deleting terminal runs failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: deleted terminal runs", "count", count)
	}
}

func (s *Service) archiveClosedThreads(ctx context.Context) {
	if s.cfg.ThreadArchiveAfter.Std() <= 0 {
		return
	}
	cutoff := time.Now().UTC().Add(-s.cfg.ThreadArchiveAfter.Std())
	count, err := s.store.Threads().ArchiveClosedBefore(ctx, cutoff)
	if err != nil {
		slog.Error("Retention: archiving closed threads failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: archived closed threads", "count", count)
	}
}

func (s *Service) deleteOldEvents(ctx context.Context) {
	if s.cfg.EventTTL.Std() <= 0 {
		return
	}
	cutoff := time.Now().UTC().Add(-s.cfg.EventTTL.Std())
	count, err := s.store.Events().DeleteBefore(ctx, cutoff)
	if err != nil {
		slog.Error("Retention: event cleanup failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: deleted old events", "count", count)
	}
}
