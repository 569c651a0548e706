package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/caphub/caphub/pkg/models"
	"github.com/caphub/caphub/pkg/storage"
)

// TransientNotifier broadcasts an event across replicas without
// persisting it. The postgres event store implements it via pg_notify;
// in memory mode there are no other replicas and the notifier is nil.
type TransientNotifier interface {
	NotifyOnly(ctx context.Context, event *models.Event) error
}

// Publisher is the single entry point for emitting run events. Each
// public method accepts a specific typed payload struct — see payloads.go.
//
// Events take exactly one delivery path to the local bus so nothing is
// delivered twice:
//
//   - postgres mode (notifier set): persisted events broadcast via NOTIFY
//     inside the insert transaction and reach the bus through the LISTEN
//     loop; transient events go through NotifyOnly. The publisher never
//     publishes locally.
//   - memory mode (notifier nil): events go straight to the local bus,
//     persisted ones after their log insert assigned an id.
type Publisher struct {
	bus      *Bus
	log      storage.EventStore
	notifier TransientNotifier
	persist  bool
}

// NewPublisher creates a publisher. The notifier is the postgres event
// store in distributed mode and nil otherwise; persist turns the durable
// event log on or off.
func NewPublisher(bus *Bus, log storage.EventStore, notifier TransientNotifier, persist bool) *Publisher {
	return &Publisher{bus: bus, log: log, notifier: notifier, persist: persist}
}

// --- Typed public methods ---

// PublishRunStarted emits a run:started event.
func (p *Publisher) PublishRunStarted(ctx context.Context, payload RunStartedPayload) error {
	payload.Type = EventRunStarted
	return p.persistAndBroadcast(ctx, payload.RunID, payload.Type, payload)
}

// PublishStepStarted emits a step:started event.
func (p *Publisher) PublishStepStarted(ctx context.Context, payload StepStatusPayload) error {
	payload.Type = EventStepStarted
	return p.persistAndBroadcast(ctx, payload.RunID, payload.Type, payload)
}

// PublishStepCompleted emits a step:completed event. Used for every
// terminal step status; payload.Status and payload.Error carry the detail.
func (p *Publisher) PublishStepCompleted(ctx context.Context, payload StepStatusPayload) error {
	payload.Type = EventStepCompleted
	return p.persistAndBroadcast(ctx, payload.RunID, payload.Type, payload)
}

// PublishToken broadcasts a token transient event (no persistence).
// Used for streaming deltas — ephemeral, lost on disconnect.
func (p *Publisher) PublishToken(ctx context.Context, payload TokenPayload) error {
	payload.Type = EventToken
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal token payload: %w", err)
	}
	return p.broadcast(ctx, &models.Event{
		RunID:   payload.RunID,
		Channel: RunChannel(payload.RunID),
		Type:    payload.Type,
		Payload: data,
	})
}

// PublishToolCalling emits a tool:calling event.
func (p *Publisher) PublishToolCalling(ctx context.Context, payload ToolCallingPayload) error {
	payload.Type = EventToolCalling
	return p.persistAndBroadcast(ctx, payload.RunID, payload.Type, payload)
}

// PublishToolResult emits a tool:result event.
func (p *Publisher) PublishToolResult(ctx context.Context, payload ToolResultPayload) error {
	payload.Type = EventToolResult
	return p.persistAndBroadcast(ctx, payload.RunID, payload.Type, payload)
}

// PublishInterrupt emits an interrupt event. Fired on interrupt creation
// and on every later transition; payload.Status discriminates. The event is
// persisted on the run channel and mirrored transiently on the interrupts
// firehose for cross-replica consumers.
func (p *Publisher) PublishInterrupt(ctx context.Context, payload InterruptEventPayload) error {
	payload.Type = EventInterrupt
	if err := p.persistAndBroadcast(ctx, payload.RunID, payload.Type, payload); err != nil {
		return err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal interrupt payload: %w", err)
	}
	return p.broadcast(ctx, &models.Event{
		RunID:   payload.RunID,
		Channel: InterruptsChannel,
		Type:    payload.Type,
		Payload: data,
	})
}

// PublishAgentHealthChanged broadcasts a health transition on the agent's
// channel (no persistence).
func (p *Publisher) PublishAgentHealthChanged(ctx context.Context, payload AgentHealthPayload) error {
	payload.Type = EventAgentHealthChanged
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal agent health payload: %w", err)
	}
	return p.broadcast(ctx, &models.Event{
		Channel: AgentChannel(payload.AgentID),
		Type:    payload.Type,
		Payload: data,
	})
}

// PublishCompleted emits the terminal completed event.
func (p *Publisher) PublishCompleted(ctx context.Context, payload CompletedPayload) error {
	payload.Type = EventCompleted
	return p.persistAndBroadcast(ctx, payload.RunID, payload.Type, payload)
}

// PublishError emits the terminal error event for failed, cancelled and
// timed-out runs.
func (p *Publisher) PublishError(ctx context.Context, payload ErrorPayload) error {
	payload.Type = EventError
	return p.persistAndBroadcast(ctx, payload.RunID, payload.Type, payload)
}

// --- Internal core methods ---

// persistAndBroadcast writes the event to the durable log and hands it to
// the delivery path. With persistence off the event degrades to a
// transient broadcast.
func (p *Publisher) persistAndBroadcast(ctx context.Context, runID, eventType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", eventType, err)
	}

	event := &models.Event{
		RunID:   runID,
		Channel: RunChannel(runID),
		Type:    eventType,
		Payload: data,
	}

	if !p.persist || p.log == nil {
		return p.broadcast(ctx, event)
	}

	if _, err := p.log.Insert(ctx, event); err != nil {
		return fmt.Errorf("persist %s event: %w", eventType, err)
	}
	if p.notifier != nil {
		// Insert already broadcast via NOTIFY in the same transaction;
		// the LISTEN loop feeds the local bus.
		return nil
	}

	p.bus.Publish(Envelope{ID: event.ID, Channel: event.Channel, Type: event.Type, Data: data})
	return nil
}

// broadcast delivers an event without persisting it.
func (p *Publisher) broadcast(ctx context.Context, event *models.Event) error {
	if p.notifier != nil {
		return p.notifier.NotifyOnly(ctx, event)
	}
	p.bus.Publish(Envelope{ID: event.ID, Channel: event.Channel, Type: event.Type, Data: event.Payload})
	return nil
}
