package memory

import (
	"context"
	"sync"
	"time"

	"github.com/caphub/caphub/pkg/models"
)

type eventStore struct {
	mu     sync.RWMutex
	nextID int64
	events []*models.Event // id-ordered
}

func newEventStore() *eventStore {
	return &eventStore{nextID: 1}
}

func (s *eventStore) Insert(_ context.Context, event *models.Event) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := event.Clone()
	stored.ID = s.nextID
	s.nextID++
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	s.events = append(s.events, stored)

	event.ID = stored.ID
	event.CreatedAt = stored.CreatedAt
	return stored.ID, nil
}

func (s *eventStore) ListAfter(_ context.Context, runID string, afterID int64, limit int) ([]*models.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Event
	for _, event := range s.events {
		if event.ID <= afterID || event.RunID != runID {
			continue
		}
		out = append(out, event.Clone())
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *eventStore) DeleteBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.events[:0]
	var deleted int64
	for _, event := range s.events {
		if event.CreatedAt.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, event)
	}
	s.events = kept
	return deleted, nil
}
