// Package queue provides the run work queue: the contract workers claim
// runs through, with local, postgres and redis backends.
//
// Delivery is at-least-once. The queue carries run ids only; workers load
// the run row after claiming and the conditional status transition there
// deduplicates redeliveries. Claims are leases: a worker that stops
// heartbeating loses its lease and the run becomes claimable again.
package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/caphub/caphub/pkg/config"
)

// Sentinel errors for queue operations.
var (
	// ErrEmpty indicates no runs are claimable right now.
	ErrEmpty = errors.New("queue: no runs available")

	// ErrLeaseLost indicates the delivery's lease was reclaimed by the
	// sweeper or taken over by another worker.
	ErrLeaseLost = errors.New("queue: lease lost")
)

// Delivery is one claimed unit of work.
type Delivery struct {
	// RunID identifies the run to execute.
	RunID string

	// Attempt is the 1-based delivery attempt, when the backend tracks it.
	Attempt int

	// workerID is the claiming worker, used to guard lease operations.
	workerID string

	// token is backend bookkeeping: the stream message id for redis,
	// unused elsewhere.
	token string
}

// Queue is the run work queue shared by all worker replicas.
type Queue interface {
	// Enqueue makes the run claimable. Enqueueing an already queued run
	// is a no-op where the backend can tell (postgres, local); otherwise
	// the duplicate delivery is dropped at claim time by the run's
	// status transition.
	Enqueue(ctx context.Context, runID string) error

	// Claim leases the oldest claimable run for the worker. ErrEmpty when
	// nothing is claimable.
	Claim(ctx context.Context, workerID string) (*Delivery, error)

	// Extend renews the delivery's lease for another lease TTL.
	// ErrLeaseLost when the lease is no longer held.
	Extend(ctx context.Context, d *Delivery) error

	// Ack removes the run from the queue once its outcome is durable.
	// ErrLeaseLost when the lease is no longer held.
	Ack(ctx context.Context, d *Delivery) error

	// Release returns the run to the queue for another worker, keeping
	// its original position where the backend can.
	Release(ctx context.Context, d *Delivery) error

	// ReclaimExpired returns expired leases to the queue and reports how
	// many were reclaimed. Safe to run from every replica.
	ReclaimExpired(ctx context.Context) (int, error)

	// Depth is the number of claimable runs.
	Depth(ctx context.Context) (int, error)

	// Close releases backend resources.
	Close() error
}

// New creates the queue backend selected by cfg. The postgres backend
// claims from the run_queue table on the given pool; the redis backend
// dials cfg.Endpoint.
func New(cfg *config.QueueConfig, pool *pgxpool.Pool) (Queue, error) {
	if cfg == nil {
		cfg = config.DefaultQueueConfig()
	}
	switch cfg.Backend {
	case config.QueueBackendLocal, "":
		return NewLocal(cfg.LeaseTTL.Std()), nil
	case config.QueueBackendPostgres:
		if pool == nil {
			return nil, fmt.Errorf("queue: postgres backend requires a database pool")
		}
		return NewPostgres(pool, cfg.LeaseTTL.Std()), nil
	case config.QueueBackendRedis:
		return NewRedis(cfg)
	default:
		return nil, fmt.Errorf("queue: unknown backend %q", cfg.Backend)
	}
}
