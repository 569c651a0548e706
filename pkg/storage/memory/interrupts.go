package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/caphub/caphub/pkg/models"
	"github.com/caphub/caphub/pkg/storage"
)

type interruptStore struct {
	mu         sync.RWMutex
	interrupts map[string]*models.Interrupt
}

func newInterruptStore() *interruptStore {
	return &interruptStore{interrupts: make(map[string]*models.Interrupt)}
}

func (s *interruptStore) Create(_ context.Context, intr *models.Interrupt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.interrupts[intr.ID]; exists {
		return storage.ErrAlreadyExists
	}
	// One non-terminal interrupt per run.
	for _, existing := range s.interrupts {
		if existing.RunID == intr.RunID && !existing.Status.Terminal() {
			return storage.ErrAlreadyExists
		}
	}
	s.interrupts[intr.ID] = intr.Clone()
	return nil
}

func (s *interruptStore) Get(_ context.Context, interruptID string) (*models.Interrupt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	intr, exists := s.interrupts[interruptID]
	if !exists {
		return nil, storage.ErrNotFound
	}
	return intr.Clone(), nil
}

func (s *interruptStore) Transition(_ context.Context, interruptID string, from []models.InterruptStatus, to models.InterruptStatus, apply func(*models.Interrupt)) (*models.Interrupt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, exists := s.interrupts[interruptID]
	if !exists {
		return nil, storage.ErrNotFound
	}
	if !slices.Contains(from, stored.Status) {
		return nil, storage.ErrConcurrentModification
	}

	next := stored.Clone()
	next.Status = to
	if apply != nil {
		apply(next)
	}
	next.Status = to

	s.interrupts[interruptID] = next
	return next.Clone(), nil
}

func (s *interruptStore) List(_ context.Context, filters models.InterruptFilters) ([]*models.Interrupt, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]*models.Interrupt, 0, len(s.interrupts))
	for _, intr := range s.interrupts {
		if filters.RunID != "" && intr.RunID != filters.RunID {
			continue
		}
		if filters.AgentID != "" && intr.AgentID != filters.AgentID {
			continue
		}
		if filters.ThreadID != "" && intr.ThreadID != filters.ThreadID {
			continue
		}
		if filters.Status != "" && string(intr.Status) != filters.Status {
			continue
		}
		if filters.Type != "" && string(intr.Type) != filters.Type {
			continue
		}
		if filters.Priority != "" && string(intr.Priority) != filters.Priority {
			continue
		}
		matched = append(matched, intr)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})

	total := len(matched)
	page := paginate(matched, filters.Limit, filters.Offset)
	out := make([]*models.Interrupt, len(page))
	for i, intr := range page {
		out[i] = intr.Clone()
	}
	return out, total, nil
}

func (s *interruptStore) ActiveForRun(_ context.Context, runID string) (*models.Interrupt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, intr := range s.interrupts {
		if intr.RunID == runID && !intr.Status.Terminal() {
			return intr.Clone(), nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *interruptStore) ListExpired(_ context.Context, now time.Time, limit int) ([]*models.Interrupt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*models.Interrupt
	for _, intr := range s.interrupts {
		if intr.Status.Terminal() {
			continue
		}
		if intr.ExpiresAt.After(now) {
			continue
		}
		matched = append(matched, intr)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].ExpiresAt.Before(matched[j].ExpiresAt)
	})
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}

	out := make([]*models.Interrupt, len(matched))
	for i, intr := range matched {
		out[i] = intr.Clone()
	}
	return out, nil
}
