package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caphub/caphub/pkg/caperr"
	"github.com/caphub/caphub/pkg/events"
	"github.com/caphub/caphub/pkg/handlers"
	"github.com/caphub/caphub/pkg/llm"
	"github.com/caphub/caphub/pkg/metrics"
	"github.com/caphub/caphub/pkg/models"
	"github.com/caphub/caphub/pkg/queue"
	"github.com/caphub/caphub/pkg/storage"
)

// errNoSlot tells the worker the claimed agent is at capacity; the delivery
// was released back to the queue and the worker should back off briefly.
var errNoSlot = errors.New("executor: agent at capacity")

// terminalFrom is the from-set for finishing transitions.
var terminalFrom = []models.RunStatus{
	models.RunStatusRunning,
	models.RunStatusStreaming,
	models.RunStatusInterrupted,
}

// handlerResult carries the handler's return across the grace-window select.
type handlerResult struct {
	outcome *handlers.Outcome
	err     error
}

// Process executes one claimed delivery to a terminal status (or a parked
// interrupted status). It owns the delivery: every path either acks it or
// releases it back to the queue.
func (s *Service) Process(ctx context.Context, workerID string, d *queue.Delivery) error {
	run, err := s.store.Runs().GetRun(ctx, d.RunID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Stale delivery for a deleted run.
			return s.queue.Ack(ctx, d)
		}
		s.release(ctx, d)
		return fmt.Errorf("load run %s: %w", d.RunID, err)
	}
	if run.Status.Terminal() {
		return s.queue.Ack(ctx, d)
	}

	claimFrom := []models.RunStatus{
		models.RunStatusPending,
		models.RunStatusQueued,
		// A running or streaming row with an expired lease belongs to a
		// crashed worker; the queue redelivered it, so it is claimable.
		models.RunStatusRunning,
		models.RunStatusStreaming,
	}
	if run.Status == models.RunStatusInterrupted {
		// An interrupted run is claimable only once its interrupt turned
		// terminal; otherwise it is parked on some replica's waiter.
		intr, ierr := s.interrupts.ActiveForRun(ctx, run.ID)
		if ierr != nil {
			s.release(ctx, d)
			return fmt.Errorf("check interrupt for run %s: %w", run.ID, ierr)
		}
		if intr != nil {
			return s.queue.Ack(ctx, d)
		}
		claimFrom = append(claimFrom, models.RunStatusInterrupted)
	}

	agent, err := s.registry.CheckDispatchable(ctx, run.AgentID)
	if err != nil {
		// The agent disappeared or cannot take work; the run cannot proceed.
		s.failUnclaimed(ctx, run, err)
		return s.queue.Ack(ctx, d)
	}

	ok, err := s.registry.AcquireSlot(ctx, agent)
	if err != nil {
		s.release(ctx, d)
		return fmt.Errorf("acquire slot for agent %s: %w", agent.AgentID, err)
	}
	if !ok {
		s.release(ctx, d)
		return errNoSlot
	}
	defer s.registry.ReleaseSlot(agent.AgentID)

	attempt := max(d.Attempt, run.Attempt+1)
	claimed, err := s.store.Runs().TransitionRun(ctx, run.ID, claimFrom,
		models.RunStatusRunning, func(r *models.Run) {
			now := time.Now().UTC()
			if r.StartedAt == nil {
				r.StartedAt = &now
			}
			r.WorkerID = workerID
			r.Attempt = attempt
		})
	if err != nil {
		if errors.Is(err, storage.ErrConcurrentModification) {
			// Someone else finished or claimed it; drop the duplicate.
			return s.queue.Ack(ctx, d)
		}
		s.release(ctx, d)
		return fmt.Errorf("claim run %s: %w", run.ID, err)
	}

	s.execute(ctx, d, claimed, agent)
	return nil
}

// execute drives a claimed run to its outcome. The delivery is acked on
// every path except a lost lease.
func (s *Service) execute(ctx context.Context, d *queue.Delivery, run *models.Run, agent *models.Agent) {
	log := slog.With("run_id", run.ID, "agent_id", agent.AgentID, "attempt", run.Attempt)
	startedAt := time.Now()

	metrics.ActiveRuns.Inc()
	defer metrics.ActiveRuns.Dec()

	abort := newAbortController(ctx, s.deadlineFor(run, agent))
	s.registerAbort(run.ID, abort)
	defer func() {
		s.unregisterAbort(run.ID)
		abort.Stop()
	}()

	cp := s.loadCheckpoint(ctx, run.ID)
	if cp != nil {
		log.Info("Resuming run from checkpoint", "step_cursor", cp.StepCursor, "checkpoint_status", cp.Status)
	}

	// Materialize thread context before routing so message-only inputs
	// route on their materialized shape.
	window, err := s.materializeThread(ctx, run, agent)
	if err != nil {
		s.finish(ctx, d, run.ID, failureStatus(err), nil, err, startedAt)
		return
	}

	decision, err := s.router.Route(run.Input, agent)
	if err != nil {
		s.finish(ctx, d, run.ID, models.RunStatusFailed, nil, err, startedAt)
		return
	}
	handler, ok := s.handlers.Get(decision.Handler.Name, decision.Handler.Version)
	if !ok {
		err := caperr.Newf(caperr.CodeRunExecutionFailed, "routed handler %s is not registered", decision.Handler.Key())
		s.finish(ctx, d, run.ID, models.RunStatusFailed, nil, err, startedAt)
		return
	}

	streaming := run.Options.Stream && agent.Extensions.SupportsStreaming
	if streaming {
		if streamed, terr := s.store.Runs().TransitionRun(ctx, run.ID,
			[]models.RunStatus{models.RunStatusRunning}, models.RunStatusStreaming, nil); terr == nil {
			run = streamed
		}
	}

	if perr := s.pub.PublishRunStarted(ctx, events.RunStartedPayload{
		RunID:     run.ID,
		AgentID:   run.AgentID,
		ThreadID:  run.ThreadID,
		Handler:   decision.Handler.Name,
		Attempt:   run.Attempt,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}); perr != nil {
		log.Warn("Publishing run:started failed", "error", perr)
	}

	ectx := newExecContext(s, run, agent, abort, window, *decision, streaming, 0, cp)

	stopCheckpoints := s.startCheckpointLoop(ctx, run, ectx)
	defer stopCheckpoints()

	if agent.Extensions.RequiresApproval {
		if aerr := s.approvalGate(ectx); aerr != nil {
			if s.abandonIfDetached(ctx, d, run.ID, abort, log) {
				return
			}
			s.finish(ctx, d, run.ID, failureStatus(aerr), ectx, aerr, startedAt)
			return
		}
	}

	hctx := &handlers.Context{
		Run:       run,
		Agent:     agent,
		Input:     run.Input,
		Window:    window,
		Decision:  *decision,
		LLM:       s.clientFor(agent),
		Tools:     s.tools,
		Knowledge: s.knowledge,
		Control:   ectx,
	}

	result := s.runHandler(abort, handler, hctx)

	if s.abandonIfDetached(ctx, d, run.ID, abort, log) {
		return
	}

	cause := context.Cause(abort.Context())
	switch {
	case caperr.IsCode(cause, caperr.CodeRunTimeout):
		s.finish(ctx, d, run.ID, models.RunStatusTimeout, ectx, cause, startedAt)
		return
	case caperr.IsCode(cause, caperr.CodeRunCancelled):
		// Cancel already wrote the terminal status; finish reconciles.
		s.finish(ctx, d, run.ID, models.RunStatusCancelled, ectx, cause, startedAt)
		return
	}

	if result.err != nil {
		s.finish(ctx, d, run.ID, failureStatus(result.err), ectx, result.err, startedAt)
		return
	}
	s.finishCompleted(ctx, d, run, ectx, result.outcome, startedAt)
}

// abandonIfDetached handles abort causes that mean this worker no longer
// owns the run: a lost lease (another worker claimed it — write nothing,
// ack nothing) or a plain context cancellation (worker shutdown — release
// the delivery). The run row keeps its last persisted status and resumes
// from checkpoint on whichever replica claims it next.
func (s *Service) abandonIfDetached(ctx context.Context, d *queue.Delivery, runID string, abort *abortController, log *slog.Logger) bool {
	cause := context.Cause(abort.Context())
	switch {
	case errors.Is(cause, queue.ErrLeaseLost):
		log.Warn("Lease lost mid-run, abandoning")
		return true
	case errors.Is(cause, context.Canceled):
		log.Warn("Worker shutdown mid-run, releasing delivery for resume")
		s.release(context.WithoutCancel(ctx), d)
		return true
	}
	return false
}

// runHandler invokes the handler and waits for it to return, granting the
// configured grace window after an abort before force-terminating.
func (s *Service) runHandler(abort *abortController, handler handlers.Handler, hctx *handlers.Context) handlerResult {
	done := make(chan handlerResult, 1)
	go func() {
		outcome, err := handler.Handle(abort.Context(), hctx)
		done <- handlerResult{outcome: outcome, err: err}
	}()

	select {
	case r := <-done:
		return r
	case <-abort.Context().Done():
	}

	// Aborted: give the handler the grace window to observe cancellation.
	grace := s.cfg.GraceWindow.Std()
	select {
	case r := <-done:
		return r
	case <-time.After(grace):
		slog.Warn("Handler ignored abort past the grace window, force-terminating",
			"run_id", hctx.Run.ID, "grace", grace)
		return handlerResult{err: context.Cause(abort.Context())}
	}
}

// approvalGate suspends the run on an approval_required interrupt before the
// handler executes and records the decision as a step. Agents registered
// with requires_approval pass through it on every run.
func (s *Service) approvalGate(e *execContext) error {
	resp, err := e.Interrupt(e.abort.Context(), models.CreateInterruptRequest{
		Type:     models.InterruptApprovalRequired,
		Priority: models.PriorityHigh,
		Payload: models.InterruptPayload{
			Message: fmt.Sprintf("Agent %s requires approval to execute run %s", e.agent.AgentID, e.run.ID),
			Options: []string{"approve", "deny"},
		},
	})
	if err != nil {
		return err
	}

	input := map[string]any{"approved": true}
	if resp != nil {
		input["approval"] = resp.Value
		if resp.RespondedBy != "" {
			input["responded_by"] = resp.RespondedBy
		}
	}
	denied := resp != nil && isDenial(resp.Value)
	if denied {
		input["approved"] = false
	}

	step, serr := e.AddStep(e.abort.Context(), models.Step{
		Type:  models.StepTypeDecision,
		Name:  "approval",
		Input: input,
	})
	if serr != nil {
		return serr
	}
	if !step.Status.Terminal() {
		result := handlers.StepResult{Output: map[string]any{"approved": !denied}}
		if denied {
			result.Error = &models.StepError{
				Code:    string(caperr.CodeRunExecutionFailed),
				Message: "approval denied",
			}
		}
		if cerr := e.CompleteStep(e.abort.Context(), step.ID, result); cerr != nil {
			return cerr
		}
	}

	if denied {
		return caperr.New(caperr.CodeRunExecutionFailed, "run approval denied").
			WithContext("interrupt_response", fmt.Sprintf("%v", resp.Value))
	}
	return nil
}

// isDenial interprets an approval response value.
func isDenial(v any) bool {
	switch value := v.(type) {
	case bool:
		return !value
	case string:
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "deny", "denied", "reject", "rejected", "no", "false":
			return true
		}
	}
	return false
}

// materializeThread loads the thread context window and folds its messages
// into the run input when the run rides a thread without inline messages.
func (s *Service) materializeThread(ctx context.Context, run *models.Run, agent *models.Agent) (*models.ContextWindow, error) {
	if run.ThreadID == "" {
		return nil, nil
	}
	budget := models.ContextBudget{MaxTokens: agent.Capabilities.MaxContextTokens}
	window, err := s.threads.GetContext(ctx, run.ThreadID, budget)
	if err != nil {
		return nil, err
	}
	if len(run.Input.Messages) == 0 {
		msgs := make([]models.RunMessage, 0, len(window.Messages))
		for _, m := range window.Messages {
			msgs = append(msgs, models.RunMessage{Role: m.Role, Content: m.Content})
		}
		run.Input.Messages = msgs
	}
	return window, nil
}

// finishCompleted writes the completed terminal state with the assembled
// output and reflects the exchange back onto the run's thread.
func (s *Service) finishCompleted(ctx context.Context, d *queue.Delivery, run *models.Run, e *execContext, outcome *handlers.Outcome, startedAt time.Time) {
	output := &models.RunOutput{
		Usage:      e.Usage(),
		DurationMS: time.Since(startedAt).Milliseconds(),
	}
	if outcome != nil {
		output.Response = outcome.Response
		output.Data = outcome.Data
	}

	final, won := s.finishTransition(ctx, run.ID, models.RunStatusCompleted, func(r *models.Run) {
		now := time.Now().UTC()
		r.CompletedAt = &now
		r.Output = output
		r.Error = nil
	})
	if won {
		s.appendExchange(ctx, run, output.Response)
		s.publishTerminal(ctx, final)
		s.dropCheckpoint(ctx, run.ID)
	}
	if err := s.queue.Ack(ctx, d); err != nil && !errors.Is(err, queue.ErrLeaseLost) {
		slog.Warn("Acking completed run failed", "run_id", run.ID, "error", err)
	}
}

// finish writes a non-completed terminal state for the run and settles the
// delivery. ectx may be nil when the run failed before an execution context
// existed.
func (s *Service) finish(ctx context.Context, d *queue.Delivery, runID string, to models.RunStatus, e *execContext, cause error, startedAt time.Time) {
	cerr := caperr.From(cause)
	code := cerr.Code
	if to == models.RunStatusTimeout {
		code = caperr.CodeRunTimeout
	}
	runErr := &models.RunError{
		Code:      string(code),
		Message:   cerr.Message,
		Retryable: cerr.Retryable,
		Details:   cerr.Context,
	}

	final, won := s.finishTransition(ctx, runID, to, func(r *models.Run) {
		now := time.Now().UTC()
		r.CompletedAt = &now
		r.Error = runErr
		if e != nil {
			r.Output = &models.RunOutput{
				Usage:      e.Usage(),
				DurationMS: time.Since(startedAt).Milliseconds(),
			}
		}
	})
	if won {
		s.publishTerminal(ctx, final)
		s.dropCheckpoint(ctx, runID)
		slog.Info("Run finished", "run_id", runID, "status", final.Status, "code", runErr.Code)
	}
	if err := s.queue.Ack(ctx, d); err != nil && !errors.Is(err, queue.ErrLeaseLost) {
		slog.Warn("Acking finished run failed", "run_id", runID, "error", err)
	}
}

// finishTransition performs a terminal transition, tolerating a lost race:
// when another path (cancel, another replica) already terminated the run,
// the stored terminal run is returned with won=false.
func (s *Service) finishTransition(ctx context.Context, runID string, to models.RunStatus, apply func(*models.Run)) (*models.Run, bool) {
	final, err := s.store.Runs().TransitionRun(ctx, runID, terminalFrom, to, apply)
	if err == nil {
		return final, true
	}
	if errors.Is(err, storage.ErrConcurrentModification) {
		if stored, gerr := s.store.Runs().GetRun(ctx, runID); gerr == nil {
			return stored, false
		}
	}
	slog.Error("Terminal transition failed", "run_id", runID, "to", to, "error", err)
	return nil, false
}

// failUnclaimed terminates a run that could not be claimed at all (agent
// gone or not dispatchable). The run never reached running, so the
// transition starts from its queued-side statuses.
func (s *Service) failUnclaimed(ctx context.Context, run *models.Run, cause error) {
	cerr := caperr.From(cause)
	final, err := s.store.Runs().TransitionRun(ctx, run.ID,
		[]models.RunStatus{models.RunStatusPending, models.RunStatusQueued, models.RunStatusRunning, models.RunStatusStreaming, models.RunStatusInterrupted},
		models.RunStatusFailed, func(r *models.Run) {
			now := time.Now().UTC()
			r.CompletedAt = &now
			r.Error = &models.RunError{
				Code:      string(cerr.Code),
				Message:   cerr.Message,
				Retryable: cerr.Retryable,
				Details:   cerr.Context,
			}
		})
	if err != nil {
		slog.Warn("Failing undispatchable run failed", "run_id", run.ID, "error", err)
		return
	}
	s.publishTerminal(ctx, final)
	s.dropCheckpoint(ctx, run.ID)
}

// appendExchange reflects a completed thread run's new turns back onto its
// thread: the inline user input (when the run carried one) and the
// assistant response. Idempotency keys derived from the run id keep
// redelivered completions from appending twice.
func (s *Service) appendExchange(ctx context.Context, run *models.Run, response string) {
	if run.ThreadID == "" {
		return
	}
	var batch []models.AppendMessage
	if len(run.Input.Payload) == 0 {
		// Inline messages came from the caller, not the thread window.
		for i, m := range run.Input.Messages {
			if m.Role != models.RoleUser {
				continue
			}
			batch = append(batch, models.AppendMessage{
				Role:           m.Role,
				Content:        m.Content,
				IdempotencyKey: fmt.Sprintf("%s:in:%d", run.ID, i),
			})
		}
	}
	if response != "" {
		batch = append(batch, models.AppendMessage{
			Role:           models.RoleAssistant,
			Content:        response,
			IdempotencyKey: run.ID + ":out",
		})
	}
	if len(batch) == 0 {
		return
	}
	if _, err := s.threads.Append(ctx, run.ThreadID, batch); err != nil {
		slog.Warn("Appending run exchange to thread failed", "run_id", run.ID, "thread_id", run.ThreadID, "error", err)
	}
}

// failureStatus maps a handler error to the run's terminal status.
func failureStatus(err error) models.RunStatus {
	switch {
	case caperr.IsCode(err, caperr.CodeRunTimeout):
		return models.RunStatusTimeout
	case caperr.IsCode(err, caperr.CodeRunCancelled):
		return models.RunStatusCancelled
	default:
		return models.RunStatusFailed
	}
}

// release returns a delivery to the queue, logging failures.
func (s *Service) release(ctx context.Context, d *queue.Delivery) {
	if err := s.queue.Release(ctx, d); err != nil && !errors.Is(err, queue.ErrLeaseLost) {
		slog.Warn("Releasing delivery failed", "run_id", d.RunID, "error", err)
	}
}

func (s *Service) loadCheckpoint(ctx context.Context, runID string) *models.Checkpoint {
	cp, err := s.store.Checkpoints().Get(ctx, runID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			slog.Warn("Loading checkpoint failed", "run_id", runID, "error", err)
		}
		return nil
	}
	return cp
}

func (s *Service) dropCheckpoint(ctx context.Context, runID string) {
	if err := s.store.Checkpoints().Delete(ctx, runID); err != nil {
		slog.Warn("Deleting checkpoint failed", "run_id", runID, "error", err)
	}
}

// startCheckpointLoop snapshots the run's progress on the configured cadence
// while the handler executes. Transition-time snapshots are written inline
// by the execution context; this loop covers long gaps between them.
func (s *Service) startCheckpointLoop(ctx context.Context, run *models.Run, e *execContext) func() {
	interval := s.cfg.CheckpointInterval.Std()
	if run.Options.CheckpointIntervalMS > 0 {
		interval = time.Duration(run.Options.CheckpointIntervalMS) * time.Millisecond
	}
	if interval <= 0 || e.noCheckpoints {
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
				if err := e.checkpoint(ctx, models.RunStatusRunning); err != nil {
					slog.Warn("Periodic checkpoint failed", "run_id", run.ID, "error", err)
				}
			}
		}
	}()
	return func() {
		close(stop)
		<-done
	}
}

// clientFor picks the LLM client for an agent: a provider named in the
// agent metadata when present, the default otherwise.
func (s *Service) clientFor(agent *models.Agent) llm.Client {
	if s.providers == nil {
		return nil
	}
	if name, ok := agent.Metadata["llm_provider"].(string); ok && name != "" {
		if c, err := s.providers.Get(name); err == nil {
			return c
		}
		slog.Warn("Agent names unknown LLM provider, using default", "agent_id", agent.AgentID, "provider", name)
	}
	return s.providers.Default()
}
