// Package postgres implements storage.Store on PostgreSQL using pgx.
//
// The Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates the pool (see NewPool), runs migrations
// (see Migrate), and closes the pool on shutdown.
//
// Conditional transitions (RunStore.TransitionRun, InterruptStore.Transition)
// run inside SELECT ... FOR UPDATE transactions so that concurrent workers
// and the API surface serialize on the row instead of on application locks.
package postgres

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/caphub/caphub/pkg/storage"
)

// Store implements storage.Store backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool

	agents      *agentStore
	threads     *threadStore
	runs        *runStore
	checkpoints *checkpointStore
	interrupts  *interruptStore
	events      *eventStore
}

var _ storage.Store = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool) *Store {
	return &Store{
		pool:        pool,
		agents:      &agentStore{pool: pool},
		threads:     &threadStore{pool: pool},
		runs:        &runStore{pool: pool},
		checkpoints: &checkpointStore{pool: pool},
		interrupts:  &interruptStore{pool: pool},
		events:      &eventStore{pool: pool},
	}
}

func (s *Store) Agents() storage.AgentStore           { return s.agents }
func (s *Store) Threads() storage.ThreadStore         { return s.threads }
func (s *Store) Runs() storage.RunStore               { return s.runs }
func (s *Store) Checkpoints() storage.CheckpointStore { return s.checkpoints }
func (s *Store) Interrupts() storage.InterruptStore   { return s.interrupts }
func (s *Store) Events() storage.EventStore           { return s.events }

// Pool exposes the underlying pool for components that need direct access,
// such as the queue backend and the NOTIFY listener.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close is a no-op. The caller owns the pool and manages its lifecycle.
func (s *Store) Close() error {
	return nil
}
