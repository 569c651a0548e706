package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/caphub/caphub/pkg/caperr"
	"github.com/caphub/caphub/pkg/events"
	"github.com/caphub/caphub/pkg/handlers"
	"github.com/caphub/caphub/pkg/interrupts"
	"github.com/caphub/caphub/pkg/llm"
	"github.com/caphub/caphub/pkg/metrics"
	"github.com/caphub/caphub/pkg/models"
	"github.com/caphub/caphub/pkg/storage"
	"github.com/caphub/caphub/pkg/tools"
)

// execContext is the executor-owned side of the handler seam: it implements
// handlers.RunControl for exactly one run attempt. Step mutations are
// serialized per run to preserve the linear step order invariant; parallel
// children contend on the same lock.
type execContext struct {
	svc       *Service
	run       *models.Run
	agent     *models.Agent
	abort     *abortController
	window    *models.ContextWindow
	decision  models.RouteDecision
	streaming bool
	depth     int

	// replay is the checkpoint from a previous attempt, nil on first
	// execution. Completed steps recorded there are handed back by AddStep
	// instead of being executed again.
	replay *models.Checkpoint

	// noCheckpoints disables snapshotting for child runs: a retried parent
	// re-invokes them, so they recover through the parent's checkpoint.
	noCheckpoints bool

	mu           sync.Mutex
	steps        []*models.Step
	byID         map[string]*models.Step
	replayed     map[string]bool
	cursor       int
	usage        models.TokenUsage
	interruptSeq int
}

func newExecContext(svc *Service, run *models.Run, agent *models.Agent, abort *abortController,
	window *models.ContextWindow, decision models.RouteDecision, streaming bool, depth int,
	replay *models.Checkpoint) *execContext {
	e := &execContext{
		svc:           svc,
		run:           run,
		agent:         agent,
		abort:         abort,
		window:        window,
		decision:      decision,
		streaming:     streaming,
		depth:         depth,
		replay:        replay,
		noCheckpoints: run.ParentRunID != "",
		byID:          make(map[string]*models.Step),
		replayed:      make(map[string]bool),
	}
	if replay != nil {
		e.usage = replay.Usage
	}
	return e
}

// AddStep appends the run's next step. On a checkpoint resume, a step the
// snapshot recorded as completed at this position is returned as-is (already
// terminal, with its recorded output) and must not be executed again.
func (e *execContext) AddStep(ctx context.Context, step models.Step) (*models.Step, error) {
	if err := abortCause(ctx); err != nil {
		return nil, err
	}

	e.mu.Lock()
	idx := e.cursor
	e.cursor++

	if e.replay != nil {
		if done := e.replay.CompletedStep(idx, step.Name); done != nil {
			replayed := done.Clone()
			e.steps = append(e.steps, replayed)
			e.byID[replayed.ID] = replayed
			e.replayed[replayed.ID] = true
			snapshot := models.CloneSteps(e.steps)
			e.mu.Unlock()

			// Re-assert the list; its events were published pre-crash.
			if err := e.svc.store.Runs().UpdateSteps(ctx, e.run.ID, snapshot); err != nil {
				return nil, fmt.Errorf("persist replayed step: %w", err)
			}
			return replayed.Clone(), nil
		}
	}

	now := time.Now().UTC()
	s := step
	s.ID = uuid.New().String()
	s.RunID = e.run.ID
	s.Index = idx
	s.Status = models.StepStatusRunning
	s.CreatedAt = now
	s.StartedAt = &now
	e.steps = append(e.steps, &s)
	e.byID[s.ID] = &s
	snapshot := models.CloneSteps(e.steps)
	e.mu.Unlock()

	if err := e.svc.store.Runs().UpdateSteps(ctx, e.run.ID, snapshot); err != nil {
		return nil, fmt.Errorf("persist step: %w", err)
	}

	if perr := e.svc.pub.PublishStepStarted(ctx, events.StepStatusPayload{
		RunID:     e.run.ID,
		StepID:    s.ID,
		StepIndex: s.Index,
		StepType:  s.Type,
		Name:      s.Name,
		Status:    s.Status,
		Timestamp: now.Format(time.RFC3339Nano),
	}); perr != nil {
		slog.Warn("Publishing step:started failed", "run_id", e.run.ID, "step_id", s.ID, "error", perr)
	}
	return s.Clone(), nil
}

// CompleteStep finishes a step, folding its usage into the run aggregate.
// Completing a replayed step is a no-op.
func (e *execContext) CompleteStep(ctx context.Context, stepID string, result handlers.StepResult) error {
	e.mu.Lock()
	if e.replayed[stepID] {
		e.mu.Unlock()
		return nil
	}
	s, ok := e.byID[stepID]
	if !ok {
		e.mu.Unlock()
		return caperr.Newf(caperr.CodeInternal, "step %s does not belong to run %s", stepID, e.run.ID)
	}
	if s.Status.Terminal() {
		e.mu.Unlock()
		return caperr.Newf(caperr.CodeInternal, "step %s is already %s", stepID, s.Status)
	}

	now := time.Now().UTC()
	s.Status = models.StepStatusCompleted
	if result.Error != nil {
		s.Status = models.StepStatusFailed
		s.Error = result.Error
	}
	s.Output = result.Output
	s.Usage = result.Usage
	s.EndedAt = &now
	if s.StartedAt != nil {
		s.DurationMS = now.Sub(*s.StartedAt).Milliseconds()
	}
	e.usage.Add(result.Usage)
	done := s.Clone()
	snapshot := models.CloneSteps(e.steps)
	e.mu.Unlock()

	metrics.StepFinished(string(done.Type), string(done.Status))

	if err := e.svc.store.Runs().UpdateSteps(ctx, e.run.ID, snapshot); err != nil {
		return fmt.Errorf("persist step completion: %w", err)
	}

	if perr := e.svc.pub.PublishStepCompleted(ctx, events.StepStatusPayload{
		RunID:     e.run.ID,
		StepID:    done.ID,
		StepIndex: done.Index,
		StepType:  done.Type,
		Name:      done.Name,
		Status:    done.Status,
		Error:     done.Error,
		Timestamp: now.Format(time.RFC3339Nano),
	}); perr != nil {
		slog.Warn("Publishing step:completed failed", "run_id", e.run.ID, "step_id", done.ID, "error", perr)
	}
	return nil
}

// UpdateTokenUsage adds usage not attributable to any step.
func (e *execContext) UpdateTokenUsage(_ context.Context, usage models.TokenUsage) error {
	e.mu.Lock()
	e.usage.Add(usage)
	e.mu.Unlock()
	return nil
}

// Usage returns the run's aggregated token usage so far.
func (e *execContext) Usage() models.TokenUsage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.usage
}

// EmitToken streams one text fragment. Dropped unless the run streams.
func (e *execContext) EmitToken(stepID, content string) {
	if !e.streaming || content == "" {
		return
	}
	err := e.svc.pub.PublishToken(context.WithoutCancel(e.abort.Context()), events.TokenPayload{
		RunID:     e.run.ID,
		StepID:    stepID,
		Delta:     content,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		slog.Debug("Publishing token failed", "run_id", e.run.ID, "error", err)
	}
}

// EmitToolCalling publishes tool progress with masked arguments.
func (e *execContext) EmitToolCalling(stepID string, call llm.ToolCall) {
	args := tools.ParseArguments(call.Arguments)
	if e.svc.masker != nil && e.svc.masker.Enabled() {
		args = e.svc.masker.MaskMap(args)
	}
	err := e.svc.pub.PublishToolCalling(context.WithoutCancel(e.abort.Context()), events.ToolCallingPayload{
		RunID:     e.run.ID,
		StepID:    stepID,
		Tool:      call.Name,
		Arguments: args,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		slog.Warn("Publishing tool:calling failed", "run_id", e.run.ID, "error", err)
	}
}

// EmitToolResult publishes a tool outcome.
func (e *execContext) EmitToolResult(stepID, _ string, toolName string, isError bool) {
	status := models.StepStatusCompleted
	if isError {
		status = models.StepStatusFailed
	}
	var duration int64
	e.mu.Lock()
	if s, ok := e.byID[stepID]; ok && s.StartedAt != nil {
		duration = time.Since(*s.StartedAt).Milliseconds()
	}
	e.mu.Unlock()

	err := e.svc.pub.PublishToolResult(context.WithoutCancel(e.abort.Context()), events.ToolResultPayload{
		RunID:      e.run.ID,
		StepID:     stepID,
		Tool:       toolName,
		Status:     status,
		DurationMS: duration,
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		slog.Warn("Publishing tool:result failed", "run_id", e.run.ID, "error", err)
	}
}

// Interrupt suspends the run until its interrupt reaches a terminal status.
//
// Suspension points are positional: the Nth Interrupt call of an attempt
// corresponds to the run's Nth interrupt. On checkpoint re-entry the handler
// re-issues the same call sequence, so an already-terminal interrupt at the
// current position replays its outcome without suspending again.
func (e *execContext) Interrupt(ctx context.Context, req models.CreateInterruptRequest) (*models.InterruptResponse, error) {
	e.mu.Lock()
	seq := e.interruptSeq
	e.interruptSeq++
	e.mu.Unlock()

	req.RunID = e.run.ID
	req.AgentID = e.run.AgentID
	if req.ThreadID == "" {
		req.ThreadID = e.run.ThreadID
	}

	intr, outcome, err := e.interruptAt(ctx, seq, req)
	if err != nil || outcome != nil {
		if outcome != nil {
			return outcome.response, outcome.err
		}
		return nil, err
	}

	ch, release := e.svc.interrupts.Await(intr.ID)
	defer release()

	// The deadline clock stops while the run waits on a human.
	e.abort.Pause()
	defer e.abort.Resume()

	if err := e.suspendRun(ctx); err != nil {
		return nil, err
	}

	select {
	case r := <-ch:
		e.resumeRun(ctx)
		return resumptionOutcome(r)
	case <-ctx.Done():
		// Cancelled through the API, or the worker is shutting down. The
		// run row stays interrupted; the resume relay re-enqueues it when
		// the interrupt turns terminal.
		return nil, abortCause(ctx)
	}
}

// interruptReplay carries a replayed interrupt outcome.
type interruptReplay struct {
	response *models.InterruptResponse
	err      error
}

// interruptAt finds or creates the interrupt at the given position. A
// terminal prior interrupt short-circuits with its outcome; a non-terminal
// one (from a crashed attempt) is re-awaited.
func (e *execContext) interruptAt(ctx context.Context, seq int, req models.CreateInterruptRequest) (*models.Interrupt, *interruptReplay, error) {
	prior, err := e.priorInterrupt(ctx, seq)
	if err != nil {
		return nil, nil, err
	}
	if prior == nil {
		intr, cerr := e.svc.interrupts.Create(ctx, req)
		if cerr != nil {
			return nil, nil, cerr
		}
		return intr, nil, nil
	}

	switch prior.Status {
	case models.InterruptStatusResolved:
		return nil, &interruptReplay{response: prior.Response}, nil
	case models.InterruptStatusCancelled:
		return nil, &interruptReplay{err: caperr.New(caperr.CodeRunCancelled, "interrupt was cancelled").
			WithContext("interrupt_id", prior.ID)}, nil
	case models.InterruptStatusExpired:
		if prior.Response != nil && prior.Response.Continued {
			return nil, &interruptReplay{}, nil
		}
		return nil, &interruptReplay{err: expiredError(prior.ID)}, nil
	default:
		return prior, nil, nil
	}
}

// priorInterrupt returns the run's interrupt at the given creation position,
// or nil when the run has fewer interrupts than that. The store lists
// newest-first, so a bounded fetch would drop exactly the oldest entries the
// position indexes into; the full history is paged in before sorting.
func (e *execContext) priorInterrupt(ctx context.Context, seq int) (*models.Interrupt, error) {
	const pageSize = 100
	var intrs []*models.Interrupt
	for {
		resp, err := e.svc.interrupts.List(ctx, models.InterruptFilters{
			RunID:  e.run.ID,
			Limit:  pageSize,
			Offset: len(intrs),
		})
		if err != nil {
			return nil, err
		}
		intrs = append(intrs, resp.Interrupts...)
		if len(resp.Interrupts) == 0 || len(intrs) >= resp.TotalCount {
			break
		}
	}
	sort.Slice(intrs, func(i, j int) bool { return intrs[i].CreatedAt.Before(intrs[j].CreatedAt) })
	if seq >= len(intrs) {
		return nil, nil
	}
	return intrs[seq], nil
}

// suspendRun moves the run row to interrupted and snapshots progress.
func (e *execContext) suspendRun(ctx context.Context) error {
	_, err := e.svc.store.Runs().TransitionRun(ctx, e.run.ID,
		[]models.RunStatus{models.RunStatusRunning, models.RunStatusStreaming},
		models.RunStatusInterrupted, nil)
	if err != nil && !errors.Is(err, storage.ErrConcurrentModification) {
		return fmt.Errorf("suspend run %s: %w", e.run.ID, err)
	}
	if err := e.checkpoint(ctx, models.RunStatusInterrupted); err != nil {
		slog.Warn("Checkpoint on suspension failed", "run_id", e.run.ID, "error", err)
	}
	return nil
}

// resumeRun moves the run row back from interrupted. Best-effort: a
// concurrent cancel wins the row and the abort cause settles the outcome.
func (e *execContext) resumeRun(ctx context.Context) {
	_, err := e.svc.store.Runs().TransitionRun(ctx, e.run.ID,
		[]models.RunStatus{models.RunStatusInterrupted}, models.RunStatusRunning, nil)
	if err != nil {
		if !errors.Is(err, storage.ErrConcurrentModification) {
			slog.Warn("Resuming run row failed", "run_id", e.run.ID, "error", err)
		}
		return
	}
	if e.streaming {
		if _, serr := e.svc.store.Runs().TransitionRun(ctx, e.run.ID,
			[]models.RunStatus{models.RunStatusRunning}, models.RunStatusStreaming, nil); serr != nil &&
			!errors.Is(serr, storage.ErrConcurrentModification) {
			slog.Warn("Restoring streaming status failed", "run_id", e.run.ID, "error", serr)
		}
	}
	if err := e.checkpoint(ctx, models.RunStatusRunning); err != nil {
		slog.Warn("Checkpoint on resume failed", "run_id", e.run.ID, "error", err)
	}
}

// InvokeAgent executes a child run inline on this worker.
func (e *execContext) InvokeAgent(ctx context.Context, req models.SubmitRunRequest) (*models.Run, error) {
	return e.svc.executeChild(ctx, e, req)
}

// checkpoint persists the run's progress snapshot.
func (e *execContext) checkpoint(ctx context.Context, status models.RunStatus) error {
	if e.noCheckpoints {
		return nil
	}
	e.mu.Lock()
	cp := &models.Checkpoint{
		RunID:          e.run.ID,
		Status:         status,
		Steps:          models.CloneSteps(e.steps),
		HandlerName:    e.decision.Handler.Name,
		HandlerVersion: e.decision.Handler.Version,
		Usage:          e.usage,
		StepCursor:     e.cursor,
		Attempt:        e.run.Attempt,
		UpdatedAt:      time.Now().UTC(),
	}
	if e.window != nil {
		cp.ThreadCursor = e.window.Cursor
	}
	e.mu.Unlock()
	return e.svc.store.Checkpoints().Save(ctx, cp)
}

// resumptionOutcome translates a terminal interrupt signal into the
// handler-visible result.
func resumptionOutcome(r interrupts.Resumption) (*models.InterruptResponse, error) {
	switch r.Status {
	case models.InterruptStatusResolved:
		return r.Response, nil
	case models.InterruptStatusCancelled:
		return nil, caperr.New(caperr.CodeRunCancelled, "interrupt was cancelled")
	case models.InterruptStatusExpired:
		if r.Continue {
			return nil, nil
		}
		return nil, expiredError("")
	default:
		return nil, caperr.Newf(caperr.CodeInternal, "unexpected interrupt resumption status %s", r.Status)
	}
}

func expiredError(interruptID string) error {
	err := caperr.New(caperr.CodeInterruptExpired, "interrupt expired before resolution")
	if interruptID != "" {
		return err.WithContext("interrupt_id", interruptID)
	}
	return err
}

// abortCause returns the context's cancellation cause, nil while it lives.
func abortCause(ctx context.Context) error {
	select {
	case <-ctx.Done():
		if cause := context.Cause(ctx); cause != nil {
			return cause
		}
		return ctx.Err()
	default:
		return nil
	}
}
