package config

// OverflowPolicy decides what happens to a subscriber whose buffer is full.
type OverflowPolicy string

const (
	// OverflowDropOldest evicts the oldest buffered event to make room.
	OverflowDropOldest OverflowPolicy = "drop_oldest"

	// OverflowDisconnect closes the subscription.
	OverflowDisconnect OverflowPolicy = "disconnect"
)

// Valid reports whether the policy is a known value.
func (p OverflowPolicy) Valid() bool {
	return p == OverflowDropOldest || p == OverflowDisconnect
}

// EventsConfig controls the in-process event bus and the durable event log.
type EventsConfig struct {
	// BufferSize is the per-subscriber channel capacity.
	BufferSize int `yaml:"buffer_size"`

	// OverflowPolicy is applied when a subscriber's buffer is full.
	// Publishing never blocks on a slow subscriber.
	OverflowPolicy OverflowPolicy `yaml:"overflow_policy"`

	// DisablePersistence turns off the durable event log. By default run
	// events are written to the events table and broadcast via Postgres
	// NOTIFY so SSE works from any replica; the in-memory store never
	// persists regardless.
	DisablePersistence bool `yaml:"disable_persistence"`

	// CatchupLimit caps how many persisted events a reconnecting SSE
	// client replays after its Last-Event-ID.
	CatchupLimit int `yaml:"catchup_limit"`
}

// Persist reports whether events should be written to the durable log.
func (e *EventsConfig) Persist() bool {
	return !e.DisablePersistence
}

// DefaultEventsConfig returns the built-in event bus defaults.
func DefaultEventsConfig() *EventsConfig {
	return &EventsConfig{
		BufferSize:     256,
		OverflowPolicy: OverflowDropOldest,
		CatchupLimit:   500,
	}
}
