package interrupts

import (
	"context"
	"log/slog"
	"time"

	"github.com/caphub/caphub/pkg/config"
)

// sweepBatchSize bounds how many interrupts one sweep pass expires.
const sweepBatchSize = 100

// Sweeper expires interrupts past their expires_at on a fixed cadence.
// Safe to run from multiple replicas: the conditional transition in the
// store lets exactly one pass win per interrupt.
type Sweeper struct {
	service *Service
	cfg     *config.InterruptsConfig

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper creates the expiry sweeper.
func NewSweeper(service *Service, cfg *config.InterruptsConfig) *Sweeper {
	if cfg == nil {
		cfg = config.DefaultInterruptsConfig()
	}
	return &Sweeper{service: service, cfg: cfg}
}

// Start launches the background sweep loop.
func (s *Sweeper) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Interrupt sweeper started", "interval", s.cfg.SweepInterval)
}

// Stop signals the sweep loop to exit and waits for it to finish.
func (s *Sweeper) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Interrupt sweeper stopped")
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.done)

	s.sweepOnce(ctx)

	ticker := time.NewTicker(s.cfg.SweepInterval.Std())
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

func (s *Sweeper) sweepOnce(ctx context.Context) {
	count, err := s.service.ExpireDue(ctx, time.Now().UTC(), sweepBatchSize)
	if err != nil {
		slog.Error("Interrupt sweep failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Interrupt sweep expired interrupts", "count", count)
	}
}
