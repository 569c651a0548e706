package queue

import (
	"context"
	"slices"
	"sync"
	"time"
)

// localEntry is one queued run in the in-process backend.
type localEntry struct {
	runID      string
	enqueuedAt time.Time
	attempt    int
}

// localLease is an outstanding claim.
type localLease struct {
	entry    localEntry
	workerID string
	expires  time.Time
}

// Local is the in-process FIFO queue backing local mode. Leases behave
// like the distributed backends so worker code is identical in both modes.
type Local struct {
	leaseTTL time.Duration

	mu     sync.Mutex
	ready  []localEntry
	leased map[string]localLease
}

// NewLocal creates an empty in-process queue. leaseTTL <= 0 falls back to
// one minute.
func NewLocal(leaseTTL time.Duration) *Local {
	if leaseTTL <= 0 {
		leaseTTL = time.Minute
	}
	return &Local{leaseTTL: leaseTTL, leased: make(map[string]localLease)}
}

func (q *Local) Enqueue(_ context.Context, runID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, held := q.leased[runID]; held {
		return nil
	}
	for _, e := range q.ready {
		if e.runID == runID {
			return nil
		}
	}
	q.ready = append(q.ready, localEntry{runID: runID, enqueuedAt: time.Now().UTC()})
	return nil
}

func (q *Local) Claim(_ context.Context, workerID string) (*Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.ready) == 0 {
		return nil, ErrEmpty
	}
	entry := q.ready[0]
	q.ready = q.ready[1:]
	entry.attempt++

	q.leased[entry.runID] = localLease{
		entry:    entry,
		workerID: workerID,
		expires:  time.Now().UTC().Add(q.leaseTTL),
	}
	return &Delivery{RunID: entry.runID, Attempt: entry.attempt, workerID: workerID}, nil
}

func (q *Local) Extend(_ context.Context, d *Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	lease, held := q.leased[d.RunID]
	if !held || lease.workerID != d.workerID {
		return ErrLeaseLost
	}
	lease.expires = time.Now().UTC().Add(q.leaseTTL)
	q.leased[d.RunID] = lease
	return nil
}

func (q *Local) Ack(_ context.Context, d *Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	lease, held := q.leased[d.RunID]
	if !held || lease.workerID != d.workerID {
		return ErrLeaseLost
	}
	delete(q.leased, d.RunID)
	return nil
}

func (q *Local) Release(_ context.Context, d *Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	lease, held := q.leased[d.RunID]
	if !held || lease.workerID != d.workerID {
		return ErrLeaseLost
	}
	delete(q.leased, d.RunID)
	q.requeue(lease.entry)
	return nil
}

func (q *Local) ReclaimExpired(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now().UTC()
	reclaimed := 0
	for runID, lease := range q.leased {
		if lease.expires.After(now) {
			continue
		}
		delete(q.leased, runID)
		q.requeue(lease.entry)
		reclaimed++
	}
	return reclaimed, nil
}

func (q *Local) Depth(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready), nil
}

func (q *Local) Close() error { return nil }

// requeue puts a previously claimed entry back in enqueue order so a
// released run does not lose its place behind newer work.
func (q *Local) requeue(entry localEntry) {
	at := len(q.ready)
	for i, e := range q.ready {
		if entry.enqueuedAt.Before(e.enqueuedAt) {
			at = i
			break
		}
	}
	q.ready = slices.Insert(q.ready, at, entry)
}
