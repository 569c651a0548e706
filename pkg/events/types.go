// Package events provides real-time run event delivery: an in-process
// bounded pub/sub bus, and PostgreSQL NOTIFY/LISTEN for cross-replica
// distribution when the hub runs against postgres.
//
// Events follow one of two lifecycle patterns:
//
// Pattern 1 — PERSISTENT (log id > 0):
//
//	run:started, step:started, step:completed, tool:calling, tool:result,
//	interrupt, completed, error
//
//	Persisted to the events table and broadcast via NOTIFY in the same
//	transaction. The serial log id rides along as the SSE event id, so a
//	reconnecting client replays everything after its Last-Event-ID and
//	misses nothing.
//
// Pattern 2 — TRANSIENT (log id 0):
//
//	token
//
//	High-frequency streaming deltas. Broadcast only, never persisted;
//	lost on disconnect. The final content always arrives through the
//	persistent completed event, so clients that drop deltas still
//	converge on the full output.
//
// Per-run ordering holds because the executor publishes sequentially and
// NOTIFY delivers in commit order on a single LISTEN connection.
package events

// Persistent event types (stored in the event log + NOTIFY).
const (
	EventRunStarted    = "run:started"
	EventStepStarted   = "step:started"
	EventStepCompleted = "step:completed"
	EventToolCalling   = "tool:calling"
	EventToolResult    = "tool:result"
	EventInterrupt     = "interrupt"
	EventCompleted     = "completed"
	EventError         = "error"
)

// Transient event types (broadcast only, no persistence).
const (
	// EventToken carries one streaming delta. High-frequency, ephemeral.
	EventToken = "token"

	// EventAgentHealthChanged announces a composite health transition.
	// Current health is always queryable, so these are not logged.
	EventAgentHealthChanged = "agent:health_changed"
)

// InterruptsChannel is the firehose every interrupt transition is mirrored
// to, transiently. In-process consumers (the executor's resume relay, the
// webhook notifier) subscribe here instead of to every run channel; the
// durable copy lives on the run channel.
const InterruptsChannel = "interrupts"

// RunChannel returns the bus/NOTIFY channel for a run's events.
// Format: "run:{run_id}"
func RunChannel(runID string) string {
	return "run:" + runID
}

// AgentChannel returns the bus/NOTIFY channel for an agent's events.
// Format: "agent:{agent_id}"
func AgentChannel(agentID string) string {
	return "agent:" + agentID
}

// Envelope is what flows on the bus and over SSE: the event type, the
// marshaled payload, and the event-log id (0 for transient events).
type Envelope struct {
	ID      int64
	Channel string
	Type    string
	Data    []byte
}
