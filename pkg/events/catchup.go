package events

import (
	"context"

	"github.com/caphub/caphub/pkg/storage"
)

// Catchup replays persisted events for SSE clients. On connect (or
// reconnect with a Last-Event-ID) the stream handler subscribes first,
// replays everything after the client's last seen id through Catchup,
// then serves live envelopes, skipping any whose id was already replayed.
type Catchup struct {
	log   storage.EventStore
	limit int
}

// NewCatchup creates a catchup querier capped at limit events per replay.
func NewCatchup(log storage.EventStore, limit int) *Catchup {
	return &Catchup{log: log, limit: limit}
}

// EventsAfter returns envelopes for the run's persisted events with id >
// afterID, oldest first. The second return is true when more events
// remain beyond the cap; the caller should advance afterID to the last
// returned envelope and query again.
func (c *Catchup) EventsAfter(ctx context.Context, runID string, afterID int64) ([]Envelope, bool, error) {
	events, err := c.log.ListAfter(ctx, runID, afterID, c.limit+1)
	if err != nil {
		return nil, false, err
	}

	hasMore := len(events) > c.limit
	if hasMore {
		events = events[:c.limit]
	}

	envelopes := make([]Envelope, len(events))
	for i, event := range events {
		envelopes[i] = Envelope{
			ID:      event.ID,
			Channel: event.Channel,
			Type:    event.Type,
			Data:    event.Payload,
		}
	}
	return envelopes, hasMore, nil
}
