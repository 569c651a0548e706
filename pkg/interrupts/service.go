// Package interrupts implements the suspension subsystem: interrupt records
// with their status machine, the resume rendezvous the executor parks on,
// and the expiry sweeper.
//
// The subsystem owns interrupt rows only. Run-level consequences (run →
// interrupted on create, run → failed or resumed on expiry) are applied by
// the executor goroutine awaiting the Resumption; when no waiter is attached
// the terminal interrupt record is durable and the consequence is applied
// by whoever next picks the run up from its checkpoint.
package interrupts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/caphub/caphub/pkg/caperr"
	"github.com/caphub/caphub/pkg/config"
	"github.com/caphub/caphub/pkg/events"
	"github.com/caphub/caphub/pkg/metrics"
	"github.com/caphub/caphub/pkg/models"
	"github.com/caphub/caphub/pkg/storage"
)

// nonTerminal is the from-set for resolve, expire and cancel. Notification
// and viewing are optional, so all three statuses are fair game.
var nonTerminal = []models.InterruptStatus{
	models.InterruptStatusPending,
	models.InterruptStatusNotified,
	models.InterruptStatusViewed,
}

// Service owns interrupt records and the resume rendezvous.
type Service struct {
	interrupts storage.InterruptStore
	agents     storage.AgentStore
	pub        *events.Publisher
	cfg        *config.InterruptsConfig
	hub        *hub
}

// NewService creates the interrupt service.
func NewService(interrupts storage.InterruptStore, agents storage.AgentStore, pub *events.Publisher, cfg *config.InterruptsConfig) *Service {
	if cfg == nil {
		cfg = config.DefaultInterruptsConfig()
	}
	return &Service{
		interrupts: interrupts,
		agents:     agents,
		pub:        pub,
		cfg:        cfg,
		hub:        newHub(),
	}
}

// Create stores a new pending interrupt for a run. A run holds at most one
// non-terminal interrupt; a second create conflicts until the first turns
// terminal. The caller transitions the owning run to interrupted.
func (s *Service) Create(ctx context.Context, req models.CreateInterruptRequest) (*models.Interrupt, error) {
	if req.RunID == "" {
		return nil, caperr.New(caperr.CodeValidField, "run_id is required").WithContext("field", "run_id")
	}
	if req.AgentID == "" {
		return nil, caperr.New(caperr.CodeValidField, "agent_id is required").WithContext("field", "agent_id")
	}
	if !models.KnownInterruptType(req.Type) {
		return nil, caperr.Newf(caperr.CodeValidField, "unknown interrupt type %q", req.Type).
			WithContext("field", "type")
	}
	if req.Payload.Message == "" {
		return nil, caperr.New(caperr.CodeValidField, "payload.message is required").
			WithContext("field", "payload.message")
	}
	priority := req.Priority
	if priority == "" {
		priority = models.PriorityNormal
	}
	if !models.KnownInterruptPriority(priority) {
		return nil, caperr.Newf(caperr.CodeValidField, "unknown interrupt priority %q", priority).
			WithContext("field", "priority")
	}

	timeoutMS := req.TimeoutMS
	if timeoutMS <= 0 {
		timeoutMS = s.cfg.DefaultTimeout.Std().Milliseconds()
	}

	now := time.Now().UTC()
	intr := &models.Interrupt{
		ID:        uuid.NewString(),
		RunID:     req.RunID,
		ThreadID:  req.ThreadID,
		AgentID:   req.AgentID,
		StepID:    req.StepID,
		Type:      req.Type,
		Priority:  priority,
		Status:    models.InterruptStatusPending,
		Payload:   req.Payload,
		TimeoutMS: timeoutMS,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Duration(timeoutMS) * time.Millisecond),
	}

	if err := s.interrupts.Create(ctx, intr); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return nil, caperr.Newf(caperr.CodeInterruptConflict, "run %s already has an active interrupt", req.RunID).
				WithContext("run_id", req.RunID)
		}
		return nil, fmt.Errorf("create interrupt: %w", err)
	}

	s.publish(ctx, intr)
	slog.Info("Interrupt created",
		"interrupt_id", intr.ID,
		"run_id", intr.RunID,
		"type", intr.Type,
		"priority", intr.Priority,
		"expires_at", intr.ExpiresAt)
	return intr, nil
}

// Get returns the interrupt with the given id.
func (s *Service) Get(ctx context.Context, interruptID string) (*models.Interrupt, error) {
	intr, err := s.interrupts.Get(ctx, interruptID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, caperr.Newf(caperr.CodeInterruptNotFound, "interrupt %s not found", interruptID).
				WithContext("interrupt_id", interruptID)
		}
		return nil, fmt.Errorf("get interrupt %s: %w", interruptID, err)
	}
	return intr, nil
}

// List returns interrupts matching the filters, newest first.
func (s *Service) List(ctx context.Context, filters models.InterruptFilters) (*models.InterruptListResponse, error) {
	if filters.Limit <= 0 {
		filters.Limit = 50
	}
	if filters.Limit > 500 {
		filters.Limit = 500
	}
	if filters.Offset < 0 {
		filters.Offset = 0
	}

	interrupts, total, err := s.interrupts.List(ctx, filters)
	if err != nil {
		return nil, fmt.Errorf("list interrupts: %w", err)
	}
	return &models.InterruptListResponse{
		Interrupts: interrupts,
		TotalCount: total,
		Limit:      filters.Limit,
		Offset:     filters.Offset,
	}, nil
}

// Resolve records the human answer and signals the parked run to resume.
// Legal from any non-terminal status; exactly one resolution wins, later
// attempts and concurrent expiry lose with a conflict.
func (s *Service) Resolve(ctx context.Context, interruptID string, response models.InterruptResponse) (*models.Interrupt, error) {
	// Continued is written only by expiry under continue_without.
	response.Continued = false

	intr, err := s.interrupts.Transition(ctx, interruptID, nonTerminal, models.InterruptStatusResolved, func(i *models.Interrupt) {
		now := time.Now().UTC()
		i.Response = &response
		i.ResolvedAt = &now
	})
	if err != nil {
		return nil, s.transitionError(err, interruptID)
	}

	s.publish(ctx, intr)
	s.hub.signal(interruptID, Resumption{
		Status:   models.InterruptStatusResolved,
		Response: intr.Response,
	})
	slog.Info("Interrupt resolved",
		"interrupt_id", interruptID,
		"run_id", intr.RunID,
		"responded_by", response.RespondedBy)
	return intr, nil
}

// Expire marks an interrupt past its deadline. Under the owning agent's
// continue_without policy the run resumes with a nil response; otherwise
// the waiter fails the run with CAP_INTERRUPT_EXPIRED.
func (s *Service) Expire(ctx context.Context, interruptID string) (*models.Interrupt, error) {
	current, err := s.Get(ctx, interruptID)
	if err != nil {
		return nil, err
	}
	continueWithout := s.continuePolicy(ctx, current.AgentID)

	intr, err := s.interrupts.Transition(ctx, interruptID, nonTerminal, models.InterruptStatusExpired, func(i *models.Interrupt) {
		if continueWithout {
			i.Response = &models.InterruptResponse{Continued: true}
		}
	})
	if err != nil {
		return nil, s.transitionError(err, interruptID)
	}

	s.publish(ctx, intr)
	s.hub.signal(interruptID, Resumption{
		Status:   models.InterruptStatusExpired,
		Continue: continueWithout,
	})
	slog.Info("Interrupt expired",
		"interrupt_id", interruptID,
		"run_id", intr.RunID,
		"continue_without", continueWithout)
	return intr, nil
}

// Cancel terminates an interrupt without an answer. The run-cancel path
// calls it so a cancelled run never leaves a dangling non-terminal
// interrupt behind.
func (s *Service) Cancel(ctx context.Context, interruptID string) (*models.Interrupt, error) {
	intr, err := s.interrupts.Transition(ctx, interruptID, nonTerminal, models.InterruptStatusCancelled, nil)
	if err != nil {
		return nil, s.transitionError(err, interruptID)
	}

	s.publish(ctx, intr)
	s.hub.signal(interruptID, Resumption{Status: models.InterruptStatusCancelled})
	slog.Info("Interrupt cancelled", "interrupt_id", interruptID, "run_id", intr.RunID)
	return intr, nil
}

// MarkNotified acknowledges external delivery: pending → notified.
func (s *Service) MarkNotified(ctx context.Context, interruptID string) (*models.Interrupt, error) {
	intr, err := s.interrupts.Transition(ctx, interruptID,
		[]models.InterruptStatus{models.InterruptStatusPending},
		models.InterruptStatusNotified, nil)
	if err != nil {
		return nil, s.transitionError(err, interruptID)
	}
	s.publish(ctx, intr)
	return intr, nil
}

// MarkViewed records that a human opened the interrupt. Legal straight from
// pending since notification is optional.
func (s *Service) MarkViewed(ctx context.Context, interruptID string) (*models.Interrupt, error) {
	intr, err := s.interrupts.Transition(ctx, interruptID,
		[]models.InterruptStatus{models.InterruptStatusPending, models.InterruptStatusNotified},
		models.InterruptStatusViewed, nil)
	if err != nil {
		return nil, s.transitionError(err, interruptID)
	}
	s.publish(ctx, intr)
	return intr, nil
}

// Await registers the caller as the run's waiter for the interrupt's
// terminal outcome. The release function must be called when the caller
// stops waiting. A signal that already landed is delivered immediately.
func (s *Service) Await(interruptID string) (<-chan Resumption, func()) {
	return s.hub.await(interruptID)
}

// Deliver replays a terminal interrupt's outcome to the local waiter,
// rebuilt from the stored row. Resolutions land on whichever replica
// handled the API call; the replica parking the run hears about them on
// the interrupts channel and delivers here. Returns whether a waiter
// consumed the signal; false means no run is parked on this process.
func (s *Service) Deliver(ctx context.Context, interruptID string) (bool, error) {
	intr, err := s.Get(ctx, interruptID)
	if err != nil {
		return false, err
	}
	if !intr.Status.Terminal() {
		return false, nil
	}
	r := Resumption{Status: intr.Status}
	switch intr.Status {
	case models.InterruptStatusResolved:
		r.Response = intr.Response
	case models.InterruptStatusExpired:
		r.Continue = intr.Response != nil && intr.Response.Continued
	}
	return s.hub.signal(interruptID, r), nil
}

// ActiveForRun returns the run's non-terminal interrupt, or nil when the
// run is not suspended.
func (s *Service) ActiveForRun(ctx context.Context, runID string) (*models.Interrupt, error) {
	intr, err := s.interrupts.ActiveForRun(ctx, runID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("active interrupt for run %s: %w", runID, err)
	}
	return intr, nil
}

// ExpireDue expires every non-terminal interrupt whose deadline passed,
// oldest first, up to limit. Returns how many expired; conflicts from
// racing resolutions are skipped, not errors.
func (s *Service) ExpireDue(ctx context.Context, now time.Time, limit int) (int, error) {
	due, err := s.interrupts.ListExpired(ctx, now, limit)
	if err != nil {
		return 0, fmt.Errorf("list expired interrupts: %w", err)
	}

	expired := 0
	for _, intr := range due {
		if _, err := s.Expire(ctx, intr.ID); err != nil {
			if caperr.IsCode(err, caperr.CodeInterruptConflict) || caperr.IsCode(err, caperr.CodeInterruptNotFound) {
				continue
			}
			slog.Error("Interrupt expiry failed", "interrupt_id", intr.ID, "error", err)
			continue
		}
		expired++
	}
	return expired, nil
}

// continuePolicy reads the owning agent's expiry policy. Unknown agents
// fall back to the fail policy.
func (s *Service) continuePolicy(ctx context.Context, agentID string) bool {
	agent, err := s.agents.Get(ctx, agentID)
	if err != nil {
		return false
	}
	return agent.Extensions.InterruptPolicy == models.InterruptPolicyContinue
}

// transitionError maps store transition failures onto the taxonomy.
func (s *Service) transitionError(err error, interruptID string) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return caperr.Newf(caperr.CodeInterruptNotFound, "interrupt %s not found", interruptID).
			WithContext("interrupt_id", interruptID)
	case errors.Is(err, storage.ErrConcurrentModification):
		return caperr.Newf(caperr.CodeInterruptConflict, "interrupt %s is not in a transitionable status", interruptID).
			WithContext("interrupt_id", interruptID)
	default:
		return fmt.Errorf("transition interrupt %s: %w", interruptID, err)
	}
}

// publish emits the interrupt event for the current status. Event delivery
// is best effort; a failed publish never blocks the transition.
func (s *Service) publish(ctx context.Context, intr *models.Interrupt) {
	metrics.InterruptTransition(string(intr.Type), string(intr.Status))
	err := s.pub.PublishInterrupt(ctx, events.InterruptEventPayload{
		RunID:         intr.RunID,
		InterruptID:   intr.ID,
		InterruptType: intr.Type,
		Status:        intr.Status,
		Priority:      intr.Priority,
		Message:       intr.Payload.Message,
		ExpiresAt:     intr.ExpiresAt.UTC().Format(time.RFC3339Nano),
		Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		slog.Warn("Interrupt event publish failed",
			"interrupt_id", intr.ID,
			"status", intr.Status,
			"error", err)
	}
}
