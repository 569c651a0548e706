// Package executor drives runs through their state machine: submission,
// queueing, step dispatch through routed handlers, streaming, checkpointing,
// cancellation, timeouts, interrupt suspension and crash recovery.
//
// One Service is shared by the API layer (Submit/Get/List/Cancel) and the
// worker pool (Process). All run and step mutations flow through the
// conditional transitions of the run store, so every replica observes the
// same single terminal outcome per run.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/caphub/caphub/pkg/caperr"
	"github.com/caphub/caphub/pkg/config"
	"github.com/caphub/caphub/pkg/events"
	"github.com/caphub/caphub/pkg/handlers"
	"github.com/caphub/caphub/pkg/interrupts"
	"github.com/caphub/caphub/pkg/llm"
	"github.com/caphub/caphub/pkg/masking"
	"github.com/caphub/caphub/pkg/metrics"
	"github.com/caphub/caphub/pkg/models"
	"github.com/caphub/caphub/pkg/queue"
	"github.com/caphub/caphub/pkg/registry"
	"github.com/caphub/caphub/pkg/retrieval"
	"github.com/caphub/caphub/pkg/storage"
	"github.com/caphub/caphub/pkg/threads"
	"github.com/caphub/caphub/pkg/tools"
)

// nonTerminalStatuses is the from-set for cancellation: any status a run can
// be cancelled out of.
var nonTerminalStatuses = []models.RunStatus{
	models.RunStatusPending,
	models.RunStatusQueued,
	models.RunStatusRunning,
	models.RunStatusStreaming,
	models.RunStatusInterrupted,
}

// OutcomeRecorder receives every terminal run outcome. The registry's
// health prober implements it to feed the agent's rolling success-rate and
// latency window.
type OutcomeRecorder interface {
	RecordOutcome(agentID string, latency time.Duration, ok bool)
}

// Deps carries the collaborators the executor is wired with.
type Deps struct {
	Store      storage.Store
	Registry   *registry.Service
	Threads    *threads.Service
	Interrupts *interrupts.Service
	Handlers   *handlers.Registry
	Router     *handlers.Router
	Providers  *llm.Providers
	Tools      *tools.Registry
	Knowledge  retrieval.Store
	Queue      queue.Queue
	Publisher  *events.Publisher
	Masker     *masking.Service
	Health     OutcomeRecorder
}

// Service is the run executor.
type Service struct {
	store      storage.Store
	registry   *registry.Service
	threads    *threads.Service
	interrupts *interrupts.Service
	handlers   *handlers.Registry
	router     *handlers.Router
	providers  *llm.Providers
	tools      *tools.Registry
	knowledge  retrieval.Store
	queue      queue.Queue
	pub        *events.Publisher
	masker     *masking.Service
	health     OutcomeRecorder
	cfg        *config.ExecutorConfig

	// distributed selects whether submitted runs pass through the queued
	// status. Local mode skips it: pending → running on claim.
	distributed bool

	// aborts holds the abort controller for every run executing on this
	// process, so Cancel can interrupt local handlers immediately. Runs on
	// other replicas are cancelled by their durable status alone.
	abortMu sync.Mutex
	aborts  map[string]*abortController
}

// NewService creates the executor.
func NewService(deps Deps, cfg *config.ExecutorConfig, distributed bool) *Service {
	if cfg == nil {
		cfg = config.DefaultExecutorConfig()
	}
	return &Service{
		store:       deps.Store,
		registry:    deps.Registry,
		threads:     deps.Threads,
		interrupts:  deps.Interrupts,
		handlers:    deps.Handlers,
		router:      deps.Router,
		providers:   deps.Providers,
		tools:       deps.Tools,
		knowledge:   deps.Knowledge,
		queue:       deps.Queue,
		pub:         deps.Publisher,
		masker:      deps.Masker,
		health:      deps.Health,
		cfg:         cfg,
		distributed: distributed,
		aborts:      make(map[string]*abortController),
	}
}

// Submit validates a run request, persists the run and makes it claimable.
// The returned run is pending (local mode) or queued (distributed mode);
// execution happens on a worker.
func (s *Service) Submit(ctx context.Context, req models.SubmitRunRequest) (*models.Run, error) {
	agent, err := s.registry.CheckDispatchable(ctx, req.AgentID)
	if err != nil {
		return nil, err
	}

	if req.ThreadID != "" {
		thread, terr := s.threads.Get(ctx, req.ThreadID)
		if terr != nil {
			return nil, terr
		}
		if thread.Status != models.ThreadStatusActive {
			return nil, caperr.Newf(caperr.CodeThreadClosed, "thread %s is %s", thread.ID, thread.Status).
				WithContext("thread_id", thread.ID)
		}
		if thread.AgentID != req.AgentID {
			return nil, caperr.Newf(caperr.CodeValidField, "thread %s belongs to agent %s", thread.ID, thread.AgentID).
				WithContext("field", "thread_id")
		}
	}

	if err := validateInput(req.Input); err != nil {
		return nil, err
	}

	input := req.Input
	if s.masker != nil && s.masker.Enabled() && len(input.Payload) > 0 {
		input.Payload = s.masker.MaskMap(input.Payload)
	}

	now := time.Now().UTC()
	run := &models.Run{
		ID:        uuid.New().String(),
		AgentID:   agent.AgentID,
		ThreadID:  req.ThreadID,
		Status:    models.RunStatusPending,
		Input:     input,
		Options:   req.Options,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Runs().CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	if err := s.queue.Enqueue(ctx, run.ID); err != nil {
		return nil, fmt.Errorf("enqueue run %s: %w", run.ID, err)
	}

	if s.distributed {
		queued, terr := s.store.Runs().TransitionRun(ctx, run.ID,
			[]models.RunStatus{models.RunStatusPending}, models.RunStatusQueued,
			func(r *models.Run) {
				t := time.Now().UTC()
				r.QueuedAt = &t
			})
		if terr == nil {
			run = queued
		}
	}

	slog.Info("Run submitted", "run_id", run.ID, "agent_id", run.AgentID, "status", run.Status)
	return run, nil
}

// Get returns a run with its steps.
func (s *Service) Get(ctx context.Context, runID string) (*models.Run, error) {
	run, err := s.store.Runs().GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, caperr.Newf(caperr.CodeRunNotFound, "run %s not found", runID).
				WithContext("run_id", runID)
		}
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}
	return run, nil
}

// List returns runs matching the filters.
func (s *Service) List(ctx context.Context, filters models.RunFilters) (*models.RunListResponse, error) {
	if filters.Limit <= 0 {
		filters.Limit = 50
	}
	runs, total, err := s.store.Runs().ListRuns(ctx, filters)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return &models.RunListResponse{
		Runs:       runs,
		TotalCount: total,
		Limit:      filters.Limit,
		Offset:     filters.Offset,
	}, nil
}

// Cancel moves a non-terminal run to cancelled. The terminal status is
// durable before Cancel returns; a handler running on this process is
// aborted immediately, one on another replica stops at its next terminal
// transition. Cancelling a terminal run is a no-op returning the run as-is.
func (s *Service) Cancel(ctx context.Context, runID, reason string) (*models.Run, error) {
	run, err := s.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return run, nil
	}

	if reason == "" {
		reason = "cancelled by caller"
	}
	cancelled, err := s.store.Runs().TransitionRun(ctx, runID, nonTerminalStatuses,
		models.RunStatusCancelled, func(r *models.Run) {
			now := time.Now().UTC()
			r.CompletedAt = &now
			r.Error = &models.RunError{
				Code:    string(caperr.CodeRunCancelled),
				Message: reason,
			}
		})
	if err != nil {
		if errors.Is(err, storage.ErrConcurrentModification) {
			// Lost the race to another terminal transition.
			return s.Get(ctx, runID)
		}
		return nil, fmt.Errorf("cancel run %s: %w", runID, err)
	}

	s.abortRun(runID, caperr.New(caperr.CodeRunCancelled, reason))

	if intr, ierr := s.interrupts.ActiveForRun(ctx, runID); ierr == nil && intr != nil {
		if _, cerr := s.interrupts.Cancel(ctx, intr.ID); cerr != nil {
			slog.Warn("Cancelling owning interrupt failed", "run_id", runID, "interrupt_id", intr.ID, "error", cerr)
		}
	}

	s.publishTerminal(ctx, cancelled)
	if err := s.store.Checkpoints().Delete(ctx, runID); err != nil {
		slog.Warn("Deleting checkpoint failed", "run_id", runID, "error", err)
	}

	slog.Info("Run cancelled", "run_id", runID, "reason", reason)
	return cancelled, nil
}

// RecoverUnfinished re-enqueues every non-terminal run found at startup.
// Checkpoint replay makes the re-execution idempotent up to the last
// completed step. Returns how many runs were re-enqueued.
func (s *Service) RecoverUnfinished(ctx context.Context) (int, error) {
	unfinished, err := s.store.Runs().ListUnfinished(ctx)
	if err != nil {
		return 0, fmt.Errorf("list unfinished runs: %w", err)
	}
	recovered := 0
	for _, run := range unfinished {
		if err := s.queue.Enqueue(ctx, run.ID); err != nil {
			slog.Error("Re-enqueueing unfinished run failed", "run_id", run.ID, "error", err)
			continue
		}
		recovered++
	}
	if recovered > 0 {
		slog.Info("Recovered unfinished runs", "count", recovered)
	}
	return recovered, nil
}

// HandleInterruptTerminal reacts to a terminal interrupt transition seen on
// the interrupts channel. The resolution may have landed on any replica; if
// the suspended run is parked on this process the signal is delivered to its
// waiter, otherwise the run is re-enqueued so checkpoint resume can apply
// the outcome.
func (s *Service) HandleInterruptTerminal(ctx context.Context, interruptID, runID string) {
	consumed, err := s.interrupts.Deliver(ctx, interruptID)
	if err != nil {
		slog.Warn("Delivering interrupt outcome failed", "interrupt_id", interruptID, "error", err)
		return
	}
	if consumed {
		return
	}

	run, err := s.store.Runs().GetRun(ctx, runID)
	if err != nil || run.Status != models.RunStatusInterrupted {
		return
	}
	if err := s.queue.Enqueue(ctx, runID); err != nil {
		slog.Error("Re-enqueueing resumed run failed", "run_id", runID, "error", err)
	}
}

// deadlineFor computes a run's execution budget: the lesser of the run
// option and the agent default when both are set, the executor default when
// neither is, clamped by the process-wide maximum.
func (s *Service) deadlineFor(run *models.Run, agent *models.Agent) time.Duration {
	optMS := run.Options.TimeoutMS
	agentMS := agent.Extensions.DefaultTimeoutMS

	var budget time.Duration
	switch {
	case optMS > 0 && agentMS > 0:
		budget = time.Duration(min(optMS, agentMS)) * time.Millisecond
	case optMS > 0:
		budget = time.Duration(optMS) * time.Millisecond
	case agentMS > 0:
		budget = time.Duration(agentMS) * time.Millisecond
	default:
		budget = s.cfg.DefaultTimeout.Std()
	}
	if maxT := s.cfg.MaxTimeout.Std(); maxT > 0 && budget > maxT {
		budget = maxT
	}
	return budget
}

func (s *Service) registerAbort(runID string, a *abortController) {
	s.abortMu.Lock()
	s.aborts[runID] = a
	s.abortMu.Unlock()
}

func (s *Service) unregisterAbort(runID string) {
	s.abortMu.Lock()
	delete(s.aborts, runID)
	s.abortMu.Unlock()
}

// abortRun fires the abort controller of a run executing on this process.
// Returns whether the run was found locally.
func (s *Service) abortRun(runID string, cause error) bool {
	s.abortMu.Lock()
	a, ok := s.aborts[runID]
	s.abortMu.Unlock()
	if ok {
		a.Abort(cause)
	}
	return ok
}

// publishTerminal emits the terminal event for a run, completed on success
// and error otherwise, and records the outcome metrics.
func (s *Service) publishTerminal(ctx context.Context, run *models.Run) {
	var elapsed time.Duration
	if run.StartedAt != nil && run.CompletedAt != nil {
		elapsed = run.CompletedAt.Sub(*run.StartedAt)
	}
	metrics.RunFinished(run.AgentID, string(run.Status), elapsed)
	if s.health != nil {
		s.health.RecordOutcome(run.AgentID, elapsed, run.Status == models.RunStatusCompleted)
	}

	ts := time.Now().UTC().Format(time.RFC3339Nano)
	if run.Status == models.RunStatusCompleted {
		payload := events.CompletedPayload{RunID: run.ID, Timestamp: ts}
		if run.Output != nil {
			payload.Response = run.Output.Response
			payload.Usage = run.Output.Usage
			payload.DurationMS = run.Output.DurationMS
		}
		if err := s.pub.PublishCompleted(ctx, payload); err != nil {
			slog.Warn("Publishing completed event failed", "run_id", run.ID, "error", err)
		}
		return
	}

	payload := events.ErrorPayload{RunID: run.ID, Status: run.Status, Timestamp: ts}
	if run.Error != nil {
		payload.Code = run.Error.Code
		payload.Message = run.Error.Message
		payload.Retryable = run.Error.Retryable
	}
	if err := s.pub.PublishError(ctx, payload); err != nil {
		slog.Warn("Publishing error event failed", "run_id", run.ID, "error", err)
	}
}

// validateInput rejects malformed run inputs before anything is persisted.
func validateInput(input models.RunInput) error {
	if input.Operation != "" && !models.KnownOperation(input.Operation) {
		return caperr.Newf(caperr.CodeValidField, "unknown operation %q", input.Operation).
			WithContext("field", "operation")
	}
	for i, m := range input.Messages {
		if !m.Role.Valid() {
			return caperr.Newf(caperr.CodeValidField, "message %d: unknown role %q", i, m.Role).
				WithContext("field", "messages")
		}
		if m.Content == "" {
			return caperr.Newf(caperr.CodeValidField, "message %d: content is required", i).
				WithContext("field", "messages")
		}
	}
	if len(input.Messages) == 0 && len(input.Payload) == 0 && input.Operation == "" {
		return caperr.New(caperr.CodeValidInput, "run input is empty")
	}
	return nil
}
