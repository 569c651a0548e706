// Package storage defines the persistence contracts for the hub.
//
// Two implementations exist: memory (single process, used by unit tests and
// local mode) and postgres (durable, multi-replica). Services depend only on
// the interfaces here; conditional transitions are the concurrency primitive,
// so neither implementation needs cross-store transactions.
package storage

import (
	"context"
	"time"

	"github.com/caphub/caphub/pkg/models"
)

// Store aggregates the per-entity stores behind one handle.
type Store interface {
	Agents() AgentStore
	Threads() ThreadStore
	Runs() RunStore
	Checkpoints() CheckpointStore
	Interrupts() InterruptStore
	Events() EventStore

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases the backend resources.
	Close() error
}

// AgentStore persists registered agents, keyed by their stable agent_id.
type AgentStore interface {
	// Create stores a new agent. ErrAlreadyExists when the agent_id is taken.
	Create(ctx context.Context, agent *models.Agent) error

	// Update rewrites an agent. The agent's UpdatedAt is the optimistic
	// concurrency token: ErrConcurrentModification when it no longer
	// matches the stored row. On success UpdatedAt is advanced in place.
	Update(ctx context.Context, agent *models.Agent) error

	// Delete removes an agent. ErrNotFound when absent.
	Delete(ctx context.Context, agentID string) error

	// Get returns the agent with the given agent_id.
	Get(ctx context.Context, agentID string) (*models.Agent, error)

	// List returns agents matching the filters plus the unpaginated total.
	List(ctx context.Context, filters models.AgentFilters) ([]*models.Agent, int, error)

	// Count returns the number of registered agents.
	Count(ctx context.Context) (int, error)
}

// ThreadStore persists threads and their append-only message logs.
type ThreadStore interface {
	// CreateThread stores a new thread.
	CreateThread(ctx context.Context, thread *models.Thread) error

	// GetThread returns a thread by id.
	GetThread(ctx context.Context, threadID string) (*models.Thread, error)

	// UpdateThread rewrites a thread with UpdatedAt as the concurrency token,
	// like AgentStore.Update.
	UpdateThread(ctx context.Context, thread *models.Thread) error

	// ListThreads returns threads matching the filters plus the total.
	ListThreads(ctx context.Context, filters models.ThreadFilters) ([]*models.Thread, int, error)

	// AppendMessages atomically assigns sequence numbers, applies
	// idempotency (a message whose key was already appended to this thread
	// is returned as stored, not duplicated), and advances the thread's
	// last_seq and message_count. ErrThreadClosed when the thread no longer
	// accepts appends.
	AppendMessages(ctx context.Context, threadID string, msgs []*models.Message) ([]*models.Message, error)

	// ListMessages returns messages ordered by seq (descending when
	// filters.Reverse).
	ListMessages(ctx context.Context, threadID string, filters models.MessageFilters) ([]*models.Message, error)

	// SaveSummary stores a new summary version for the thread.
	SaveSummary(ctx context.Context, threadID string, summary *models.ThreadSummary) error

	// GetSummary returns the latest summary. ErrNotFound when none exists.
	GetSummary(ctx context.Context, threadID string) (*models.ThreadSummary, error)

	// ArchiveClosedBefore archives threads closed before the cutoff.
	// Returns the number of threads archived.
	ArchiveClosedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// RunStore persists runs and their steps.
type RunStore interface {
	// CreateRun stores a new run with its initial status.
	CreateRun(ctx context.Context, run *models.Run) error

	// GetRun returns a run with its steps loaded.
	GetRun(ctx context.Context, runID string) (*models.Run, error)

	// TransitionRun atomically moves a run from one of the from statuses to
	// to. apply mutates the run (set output, error, steps, timestamps) while
	// the row is held; the status change itself is performed by the store.
	// ErrConcurrentModification when the run is no longer in any of from.
	// Worker claims and idempotent cancels race here; exactly one wins.
	TransitionRun(ctx context.Context, runID string, from []models.RunStatus, to models.RunStatus, apply func(*models.Run)) (*models.Run, error)

	// UpdateSteps rewrites the run's step list without touching its status.
	// Used by periodic checkpoints while the run stays `running`.
	UpdateSteps(ctx context.Context, runID string, steps []*models.Step) error

	// ListRuns returns runs matching the filters plus the total.
	ListRuns(ctx context.Context, filters models.RunFilters) ([]*models.Run, int, error)

	// CountActiveByAgent counts runs occupying a concurrency slot for the
	// agent (running, streaming, or interrupted).
	CountActiveByAgent(ctx context.Context, agentID string) (int, error)

	// ListUnfinished returns pending, queued, running, and streaming
	// top-level runs. Startup recovery re-enqueues them; a pending run is
	// one whose queue entry was lost before the queued transition (or that
	// lived in an in-process queue on a crashed replica). Interrupted runs
	// wait for resolution and child runs are re-invoked by their parent's
	// retry.
	ListUnfinished(ctx context.Context) ([]*models.Run, error)

	// DeleteTerminalBefore deletes terminal runs last updated before the
	// cutoff, cascading to steps and checkpoints. Returns the count.
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// CheckpointStore persists run progress snapshots.
type CheckpointStore interface {
	// Save upserts the checkpoint for its run.
	Save(ctx context.Context, cp *models.Checkpoint) error

	// Get returns the checkpoint for a run. ErrNotFound when none exists.
	Get(ctx context.Context, runID string) (*models.Checkpoint, error)

	// Delete removes a run's checkpoint. Deleting a missing checkpoint is
	// not an error.
	Delete(ctx context.Context, runID string) error
}

// InterruptStore persists interrupts.
type InterruptStore interface {
	// Create stores a new interrupt. ErrAlreadyExists when the run already
	// has a non-terminal interrupt.
	Create(ctx context.Context, intr *models.Interrupt) error

	// Get returns an interrupt by id.
	Get(ctx context.Context, interruptID string) (*models.Interrupt, error)

	// Transition atomically moves an interrupt from one of the given
	// statuses to another. Concurrent resolve/expire race here and exactly
	// one wins; the loser gets ErrConcurrentModification.
	Transition(ctx context.Context, interruptID string, from []models.InterruptStatus, to models.InterruptStatus, apply func(*models.Interrupt)) (*models.Interrupt, error)

	// List returns interrupts matching the filters plus the total.
	List(ctx context.Context, filters models.InterruptFilters) ([]*models.Interrupt, int, error)

	// ActiveForRun returns the run's non-terminal interrupt.
	// ErrNotFound when the run has none.
	ActiveForRun(ctx context.Context, runID string) (*models.Interrupt, error)

	// ListExpired returns non-terminal interrupts whose expires_at has
	// passed, oldest first.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*models.Interrupt, error)
}

// EventStore persists the durable event log backing SSE catchup.
type EventStore interface {
	// Insert appends an event and returns its log id. The postgres
	// implementation also broadcasts the event on the run's NOTIFY channel
	// in the same transaction.
	Insert(ctx context.Context, event *models.Event) (int64, error)

	// ListAfter returns up to limit events for the run with id > afterID,
	// in id order.
	ListAfter(ctx context.Context, runID string, afterID int64, limit int) ([]*models.Event, error)

	// DeleteBefore deletes events created before the cutoff. Returns the count.
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
