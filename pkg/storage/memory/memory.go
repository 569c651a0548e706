// Package memory implements storage.Store in process memory.
//
// It backs local (non-distributed) mode and the unit-test suites. Semantics
// match the postgres implementation: conditional transitions are atomic,
// appends are idempotent, and returned models never alias stored ones.
package memory

import (
	"context"

	"github.com/caphub/caphub/pkg/storage"
)

// Store is an in-memory storage.Store.
type Store struct {
	agents      *agentStore
	threads     *threadStore
	runs        *runStore
	checkpoints *checkpointStore
	interrupts  *interruptStore
	events      *eventStore
}

var _ storage.Store = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		agents:      newAgentStore(),
		threads:     newThreadStore(),
		runs:        newRunStore(),
		checkpoints: newCheckpointStore(),
		interrupts:  newInterruptStore(),
		events:      newEventStore(),
	}
}

func (s *Store) Agents() storage.AgentStore           { return s.agents }
func (s *Store) Threads() storage.ThreadStore         { return s.threads }
func (s *Store) Runs() storage.RunStore               { return s.runs }
func (s *Store) Checkpoints() storage.CheckpointStore { return s.checkpoints }
func (s *Store) Interrupts() storage.InterruptStore   { return s.interrupts }
func (s *Store) Events() storage.EventStore           { return s.events }

// Ping always succeeds.
func (s *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close() error { return nil }

// paginate applies limit/offset to an already-filtered slice.
func paginate[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
