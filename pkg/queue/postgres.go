package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres claims runs from the run_queue table. The claim folds the
// oldest-available lookup and the lease write into one UPDATE with
// FOR UPDATE SKIP LOCKED, so concurrent workers never block each other
// and never claim the same row.
type Postgres struct {
	pool     *pgxpool.Pool
	leaseTTL time.Duration
}

// NewPostgres creates a queue on the given pool. The pool is shared with
// the storage layer and not closed by the queue. leaseTTL <= 0 falls back
// to one minute.
func NewPostgres(pool *pgxpool.Pool, leaseTTL time.Duration) *Postgres {
	if leaseTTL <= 0 {
		leaseTTL = time.Minute
	}
	return &Postgres{pool: pool, leaseTTL: leaseTTL}
}

func (q *Postgres) Enqueue(ctx context.Context, runID string) error {
	_, err := q.pool.Exec(ctx,
		`INSERT INTO run_queue (run_id) VALUES ($1) ON CONFLICT (run_id) DO NOTHING`,
		runID)
	if err != nil {
		return fmt.Errorf("queue: enqueue run: %w", err)
	}
	return nil
}

func (q *Postgres) Claim(ctx context.Context, workerID string) (*Delivery, error) {
	var d Delivery
	err := q.pool.QueryRow(ctx,
		`UPDATE run_queue
		    SET claimed_by = $1, lease_expires_at = $2, attempt = attempt + 1
		  WHERE run_id = (
		        SELECT run_id FROM run_queue
		         WHERE claimed_by = '' AND available_at <= now()
		         ORDER BY enqueued_at
		         LIMIT 1
		           FOR UPDATE SKIP LOCKED)
		RETURNING run_id, attempt`,
		workerID, time.Now().UTC().Add(q.leaseTTL),
	).Scan(&d.RunID, &d.Attempt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("queue: claim run: %w", err)
	}
	d.workerID = workerID
	return &d, nil
}

func (q *Postgres) Extend(ctx context.Context, d *Delivery) error {
	tag, err := q.pool.Exec(ctx,
		`UPDATE run_queue SET lease_expires_at = $1
		  WHERE run_id = $2 AND claimed_by = $3`,
		time.Now().UTC().Add(q.leaseTTL), d.RunID, d.workerID)
	if err != nil {
		return fmt.Errorf("queue: extend lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (q *Postgres) Ack(ctx context.Context, d *Delivery) error {
	tag, err := q.pool.Exec(ctx,
		`DELETE FROM run_queue WHERE run_id = $1 AND claimed_by = $2`,
		d.RunID, d.workerID)
	if err != nil {
		return fmt.Errorf("queue: ack run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (q *Postgres) Release(ctx context.Context, d *Delivery) error {
	tag, err := q.pool.Exec(ctx,
		`UPDATE run_queue SET claimed_by = '', lease_expires_at = NULL
		  WHERE run_id = $1 AND claimed_by = $2`,
		d.RunID, d.workerID)
	if err != nil {
		return fmt.Errorf("queue: release run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

// ReclaimExpired compares leases against the process clock, the same clock
// that wrote them, so skew between replicas only shifts reclaim by the skew
// and never reclaims a lease that is still being heartbeated.
func (q *Postgres) ReclaimExpired(ctx context.Context) (int, error) {
	tag, err := q.pool.Exec(ctx,
		`UPDATE run_queue SET claimed_by = '', lease_expires_at = NULL
		  WHERE claimed_by <> '' AND lease_expires_at < $1`,
		time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("queue: reclaim expired leases: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (q *Postgres) Depth(ctx context.Context) (int, error) {
	var n int
	err := q.pool.QueryRow(ctx,
		`SELECT count(*) FROM run_queue WHERE claimed_by = '' AND available_at <= now()`,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("queue: queue depth: %w", err)
	}
	return n, nil
}

// Close is a no-op; the pool belongs to the storage layer.
func (q *Postgres) Close() error { return nil }
