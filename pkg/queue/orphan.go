package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/caphub/caphub/pkg/config"
)

// LeaseSweeper returns runs whose worker stopped heartbeating to the queue
// on a fixed cadence. Safe to run from multiple replicas: each reclaim is
// conditional in the backend, so one pass wins per lease.
type LeaseSweeper struct {
	queue Queue
	cfg   *config.QueueConfig

	cancel context.CancelFunc
	done   chan struct{}
}

// NewLeaseSweeper creates the lease recovery sweeper.
func NewLeaseSweeper(queue Queue, cfg *config.QueueConfig) *LeaseSweeper {
	if cfg == nil {
		cfg = config.DefaultQueueConfig()
	}
	return &LeaseSweeper{queue: queue, cfg: cfg}
}

// Start launches the background sweep loop.
func (s *LeaseSweeper) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Lease sweeper started",
		"interval", s.cfg.OrphanDetectionInterval,
		"lease_ttl", s.cfg.LeaseTTL)
}

// Stop signals the sweep loop to exit and waits for it to finish.
func (s *LeaseSweeper) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Lease sweeper stopped")
}

func (s *LeaseSweeper) run(ctx context.Context) {
	defer close(s.done)

	// Sweep once at startup so leases orphaned by a crashed predecessor
	// are recovered without waiting a full interval.
	s.sweepOnce(ctx)

	ticker := time.NewTicker(s.cfg.OrphanDetectionInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *LeaseSweeper) sweepOnce(ctx context.Context) {
	count, err := s.queue.ReclaimExpired(ctx)
	if err != nil {
		slog.Error("Lease sweep failed", "error", err)
		return
	}
	if count > 0 {
		slog.Warn("Reclaimed expired run leases", "count", count)
	}
}
