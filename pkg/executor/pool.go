package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/caphub/caphub/pkg/config"
	"github.com/caphub/caphub/pkg/events"
	"github.com/caphub/caphub/pkg/queue"
)

// WorkerPool claims runs from the queue and executes them. One pool runs per
// replica; its workers poll independently with jitter so replicas do not
// thunder the queue in lockstep.
//
// Besides the workers the pool runs two maintenance loops: the orphan
// reclaimer, which returns expired leases to the queue, and the resume
// relay, which watches the interrupts channel and wakes suspended runs
// whose interrupt turned terminal on another replica.
type WorkerPool struct {
	svc   *Service
	queue queue.Queue
	bus   *events.Bus
	cfg   *config.QueueConfig

	// slots caps concurrently executing runs per replica.
	slots chan struct{}

	baseCtx   context.Context
	cancelAll context.CancelFunc

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewWorkerPool creates the pool. Start must be called to begin claiming.
func NewWorkerPool(svc *Service, q queue.Queue, bus *events.Bus, cfg *config.QueueConfig) *WorkerPool {
	if cfg == nil {
		cfg = config.DefaultQueueConfig()
	}
	return &WorkerPool{
		svc:    svc,
		queue:  q,
		bus:    bus,
		cfg:    cfg,
		slots:  make(chan struct{}, max(cfg.MaxConcurrentRuns, 1)),
		stopCh: make(chan struct{}),
	}
}

// Start launches the workers and maintenance loops.
func (p *WorkerPool) Start(ctx context.Context) error {
	p.baseCtx, p.cancelAll = context.WithCancel(context.WithoutCancel(ctx))

	host, _ := os.Hostname()
	if host == "" {
		host = "caphub"
	}

	for i := 0; i < max(p.cfg.WorkerCount, 1); i++ {
		workerID := fmt.Sprintf("%s-w%d-%s", host, i, uuid.NewString()[:8])
		p.wg.Add(1)
		go p.workerLoop(workerID)
	}

	p.wg.Add(1)
	go p.reclaimLoop()

	if p.bus != nil {
		p.wg.Add(1)
		go p.resumeRelay()
	}

	slog.Info("Worker pool started",
		"workers", p.cfg.WorkerCount,
		"max_concurrent_runs", p.cfg.MaxConcurrentRuns,
		"lease_ttl", p.cfg.LeaseTTL.Std())
	return nil
}

// Stop drains the pool: no new claims are made, active runs get the graceful
// shutdown window to finish, and anything still running after it is aborted
// so its lease lapses and another replica resumes it from checkpoint.
func (p *WorkerPool) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		grace := p.cfg.GracefulShutdownTimeout.Std()
		select {
		case <-done:
		case <-time.After(grace):
			slog.Warn("Graceful shutdown window elapsed, aborting active runs", "grace", grace)
			p.cancelAll()
			<-done
		}
		p.cancelAll()
		slog.Info("Worker pool stopped")
	})
}

// workerLoop claims and executes runs until the pool stops.
func (p *WorkerPool) workerLoop(workerID string) {
	defer p.wg.Done()
	log := slog.With("worker_id", workerID)

	for {
		select {
		case <-p.stopCh:
			return
		case p.slots <- struct{}{}:
		}

		claimed := p.claimAndExecute(workerID, log)
		<-p.slots

		if !claimed {
			select {
			case <-p.stopCh:
				return
			case <-time.After(p.pollDelay()):
			}
		}
	}
}

// claimAndExecute performs one claim attempt. Returns whether a run was
// claimed (so the caller knows to poll again immediately).
func (p *WorkerPool) claimAndExecute(workerID string, log *slog.Logger) bool {
	ctx := p.baseCtx

	d, err := p.queue.Claim(ctx, workerID)
	if err != nil {
		if !errors.Is(err, queue.ErrEmpty) && ctx.Err() == nil {
			log.Warn("Claim failed", "error", err)
		}
		return false
	}

	stopHeartbeat := p.startHeartbeat(ctx, d, log)
	defer stopHeartbeat()

	if err := p.svc.Process(ctx, workerID, d); err != nil {
		switch {
		case errors.Is(err, errNoSlot):
			// The agent is saturated; back off like an empty queue so the
			// same run is not hammered in a tight loop.
			return false
		case ctx.Err() != nil:
		default:
			log.Error("Processing delivery failed", "run_id", d.RunID, "error", err)
		}
	}
	return true
}

// startHeartbeat extends the delivery's lease on the configured cadence. A
// lost lease aborts the local run so it stops writing; the new lease owner
// resumes from checkpoint.
func (p *WorkerPool) startHeartbeat(ctx context.Context, d *queue.Delivery, log *slog.Logger) func() {
	interval := p.cfg.HeartbeatInterval.Std()
	if interval <= 0 {
		return func() {}
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.queue.Extend(ctx, d); err != nil {
					if errors.Is(err, queue.ErrLeaseLost) {
						log.Warn("Lease lost, aborting local execution", "run_id", d.RunID)
						p.svc.abortRun(d.RunID, queue.ErrLeaseLost)
						return
					}
					log.Warn("Lease extension failed", "run_id", d.RunID, "error", err)
				}
			}
		}
	}()
	return func() {
		close(stop)
		<-done
	}
}

// reclaimLoop periodically returns expired leases to the queue. Every
// replica runs it; the reclaim operation is safe under contention.
func (p *WorkerPool) reclaimLoop() {
	defer p.wg.Done()
	interval := p.cfg.OrphanDetectionInterval.Std()
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			n, err := p.queue.ReclaimExpired(p.baseCtx)
			if err != nil {
				if p.baseCtx.Err() == nil {
					slog.Warn("Reclaiming expired leases failed", "error", err)
				}
				continue
			}
			if n > 0 {
				slog.Info("Reclaimed expired leases", "count", n)
			}
		}
	}
}

// resumeRelay watches the interrupts firehose for terminal transitions and
// hands them to the executor, which either wakes the locally parked waiter
// or re-enqueues the suspended run.
func (p *WorkerPool) resumeRelay() {
	defer p.wg.Done()

	for {
		sub, err := p.bus.Subscribe(p.baseCtx, events.InterruptsChannel)
		if err != nil {
			slog.Error("Subscribing to interrupts channel failed", "error", err)
			select {
			case <-p.stopCh:
				return
			case <-time.After(p.pollDelay()):
				continue
			}
		}

		if !p.consumeInterrupts(sub) {
			return
		}
		// Subscription ended (overflow disconnect or listener failure);
		// re-subscribe. Terminal interrupts missed in the gap are applied
		// when the orphaned run is next claimed.
	}
}

// consumeInterrupts drains one subscription. Returns false when the pool is
// stopping, true when the subscription ended and should be reopened.
func (p *WorkerPool) consumeInterrupts(sub *events.Subscription) bool {
	defer sub.Close()
	for {
		select {
		case <-p.stopCh:
			return false
		case env, ok := <-sub.Events():
			if !ok {
				return true
			}
			if env.Type != events.EventInterrupt {
				continue
			}
			var payload events.InterruptEventPayload
			if err := json.Unmarshal(env.Data, &payload); err != nil {
				slog.Warn("Unparseable interrupt event", "error", err)
				continue
			}
			if !payload.Status.Terminal() {
				continue
			}
			p.svc.HandleInterruptTerminal(p.baseCtx, payload.InterruptID, payload.RunID)
		}
	}
}

// pollDelay is the jittered backoff between empty claim attempts.
func (p *WorkerPool) pollDelay() time.Duration {
	base := p.cfg.PollInterval.Std()
	if base <= 0 {
		base = time.Second
	}
	jitter := p.cfg.PollIntervalJitter.Std()
	if jitter <= 0 {
		return base
	}
	offset := time.Duration(rand.Int63n(int64(2*jitter))) - jitter
	d := base + offset
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return d
}
