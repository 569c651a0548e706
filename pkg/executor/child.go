package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/caphub/caphub/pkg/caperr"
	"github.com/caphub/caphub/pkg/events"
	"github.com/caphub/caphub/pkg/handlers"
	"github.com/caphub/caphub/pkg/models"
	"github.com/caphub/caphub/pkg/queue"
	"github.com/caphub/caphub/pkg/storage"
)

// executeChild runs an agent_call child inline on the parent's worker. The
// child never touches the queue: it is persisted as a run of its own (so its
// steps and terminal status are inspectable) but executes synchronously,
// bounded by the parent's remaining deadline.
//
// The returned run is terminal; a non-completed child is reported through its
// status and error, not through the error return. The error return is for
// dispatch problems: depth exceeded, unknown agent, no capacity.
func (s *Service) executeChild(ctx context.Context, parent *execContext, req models.SubmitRunRequest) (*models.Run, error) {
	depth := parent.depth + 1
	if depth > s.cfg.MaxAgentCallDepth {
		return nil, caperr.Newf(caperr.CodeRunExecutionFailed, "agent_call depth %d exceeds the maximum of %d", depth, s.cfg.MaxAgentCallDepth).
			WithContext("max_depth", s.cfg.MaxAgentCallDepth)
	}

	agent, err := s.registry.CheckDispatchable(ctx, req.AgentID)
	if err != nil {
		return nil, err
	}
	if err := validateInput(req.Input); err != nil {
		return nil, err
	}

	// The child inherits whatever budget the parent has left, further capped
	// by the child agent's own default.
	budget := parent.abort.Remaining()
	if budget <= 0 {
		return nil, errRunTimeout(0)
	}
	if agentMS := agent.Extensions.DefaultTimeoutMS; agentMS > 0 {
		if d := time.Duration(agentMS) * time.Millisecond; d < budget {
			budget = d
		}
	}

	input := req.Input
	if s.masker != nil && s.masker.Enabled() && len(input.Payload) > 0 {
		input.Payload = s.masker.MaskMap(input.Payload)
	}

	now := time.Now().UTC()
	child := &models.Run{
		ID:          uuid.New().String(),
		AgentID:     agent.AgentID,
		ParentRunID: parent.run.ID,
		Status:      models.RunStatusPending,
		Input:       input,
		Options:     req.Options,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Runs().CreateRun(ctx, child); err != nil {
		return nil, fmt.Errorf("create child run: %w", err)
	}

	ok, err := s.registry.AcquireSlot(ctx, agent)
	if err != nil {
		return nil, fmt.Errorf("acquire slot for agent %s: %w", agent.AgentID, err)
	}
	if !ok {
		s.failChild(ctx, child.ID,
			caperr.Newf(caperr.CodeAgentNotReady, "agent %s is at capacity", agent.AgentID).
				WithRetryable(true))
		return s.Get(ctx, child.ID)
	}
	defer s.registry.ReleaseSlot(agent.AgentID)

	claimed, err := s.store.Runs().TransitionRun(ctx, child.ID,
		[]models.RunStatus{models.RunStatusPending}, models.RunStatusRunning,
		func(r *models.Run) {
			t := time.Now().UTC()
			r.StartedAt = &t
			r.WorkerID = parent.run.WorkerID
			r.Attempt = 1
		})
	if err != nil {
		return nil, fmt.Errorf("claim child run %s: %w", child.ID, err)
	}

	return s.executeChildClaimed(ctx, parent, claimed, agent, budget, depth)
}

// executeChildClaimed drives a claimed child run to its terminal status.
func (s *Service) executeChildClaimed(ctx context.Context, parent *execContext, run *models.Run, agent *models.Agent, budget time.Duration, depth int) (*models.Run, error) {
	log := slog.With("run_id", run.ID, "parent_run_id", run.ParentRunID, "agent_id", agent.AgentID, "depth", depth)
	startedAt := time.Now()

	// Parenting the controller on the parent's abort context propagates
	// parent cancellation and timeout into the child.
	abort := newAbortController(parent.abort.Context(), budget)
	s.registerAbort(run.ID, abort)
	defer func() {
		s.unregisterAbort(run.ID)
		abort.Stop()
	}()

	window, err := s.materializeThread(ctx, run, agent)
	if err != nil {
		return s.finishChild(ctx, run.ID, failureStatus(err), nil, err, startedAt)
	}

	decision, err := s.router.Route(run.Input, agent)
	if err != nil {
		return s.finishChild(ctx, run.ID, models.RunStatusFailed, nil, err, startedAt)
	}
	handler, ok := s.handlers.Get(decision.Handler.Name, decision.Handler.Version)
	if !ok {
		err := caperr.Newf(caperr.CodeRunExecutionFailed, "routed handler %s is not registered", decision.Handler.Key())
		return s.finishChild(ctx, run.ID, models.RunStatusFailed, nil, err, startedAt)
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

	ectx := newExecContext(s, run, agent, abort, window, *decision, false, depth, nil)

	if agent.Extensions.RequiresApproval {
		if aerr := s.approvalGate(ectx); aerr != nil {
			return s.finishChild(ctx, run.ID, failureStatus(aerr), ectx, aerr, startedAt)
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

	cause := context.Cause(abort.Context())
	switch {
	case errors.Is(cause, queue.ErrLeaseLost):
		// The parent lost its lease; its new owner re-invokes the child.
		return nil, cause
	case caperr.IsCode(cause, caperr.CodeRunTimeout):
		return s.finishChild(ctx, run.ID, models.RunStatusTimeout, ectx, cause, startedAt)
	case caperr.IsCode(cause, caperr.CodeRunCancelled):
		return s.finishChild(ctx, run.ID, models.RunStatusCancelled, ectx, cause, startedAt)
	}

	if result.err != nil {
		return s.finishChild(ctx, run.ID, failureStatus(result.err), ectx, result.err, startedAt)
	}

	output := &models.RunOutput{
		Usage:      ectx.Usage(),
		DurationMS: time.Since(startedAt).Milliseconds(),
	}
	if result.outcome != nil {
		output.Response = result.outcome.Response
		output.Data = result.outcome.Data
	}
	final, won := s.finishTransition(ctx, run.ID, models.RunStatusCompleted, func(r *models.Run) {
		t := time.Now().UTC()
		r.CompletedAt = &t
		r.Output = output
		r.Error = nil
	})
	if won {
		s.appendExchange(ctx, run, output.Response)
		s.publishTerminal(ctx, final)
	}
	if final == nil {
		return s.Get(ctx, run.ID)
	}
	return final, nil
}

// finishChild writes a non-completed terminal status for a child run and
// returns the stored row.
func (s *Service) finishChild(ctx context.Context, runID string, to models.RunStatus, e *execContext, cause error, startedAt time.Time) (*models.Run, error) {
	cerr := caperr.From(cause)
	code := cerr.Code
	if to == models.RunStatusTimeout {
		code = caperr.CodeRunTimeout
	}
	final, won := s.finishTransition(ctx, runID, to, func(r *models.Run) {
		now := time.Now().UTC()
		r.CompletedAt = &now
		r.Error = &models.RunError{
			Code:      string(code),
			Message:   cerr.Message,
			Retryable: cerr.Retryable,
			Details:   cerr.Context,
		}
		if e != nil {
			r.Output = &models.RunOutput{
				Usage:      e.Usage(),
				DurationMS: time.Since(startedAt).Milliseconds(),
			}
		}
	})
	if won {
		s.publishTerminal(ctx, final)
	}
	if final == nil {
		return s.Get(ctx, runID)
	}
	return final, nil
}

// failChild terminates a child that never started executing.
func (s *Service) failChild(ctx context.Context, runID string, cause error) {
	cerr := caperr.From(cause)
	final, err := s.store.Runs().TransitionRun(ctx, runID,
		[]models.RunStatus{models.RunStatusPending}, models.RunStatusFailed,
		func(r *models.Run) {
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
		if !errors.Is(err, storage.ErrConcurrentModification) {
			slog.Warn("Failing child run failed", "run_id", runID, "error", err)
		}
		return
	}
	s.publishTerminal(ctx, final)
}
