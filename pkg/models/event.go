package models

import (
	"encoding/json"
	"time"
)

// Event is one persisted run event row. The serial ID doubles as the SSE
// event id so clients can catch up after a reconnect.
type Event struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	Channel   string          `json:"channel"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// CreateEventRequest contains fields for persisting an event.
type CreateEventRequest struct {
	RunID   string          `json:"run_id"`
	Channel string          `json:"channel"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// EventsResponse contains events since a given id.
type EventsResponse struct {
	Events []*Event `json:"events"`
}
