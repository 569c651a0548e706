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

type runStore struct {
	mu   sync.RWMutex
	runs map[string]*models.Run
}

func newRunStore() *runStore {
	return &runStore{runs: make(map[string]*models.Run)}
}

func (s *runStore) CreateRun(_ context.Context, run *models.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[run.ID]; exists {
		return storage.ErrAlreadyExists
	}
	s.runs[run.ID] = run.Clone()
	return nil
}

func (s *runStore) GetRun(_ context.Context, runID string) (*models.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, exists := s.runs[runID]
	if !exists {
		return nil, storage.ErrNotFound
	}
	return run.Clone(), nil
}

func (s *runStore) TransitionRun(_ context.Context, runID string, from []models.RunStatus, to models.RunStatus, apply func(*models.Run)) (*models.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, exists := s.runs[runID]
	if !exists {
		return nil, storage.ErrNotFound
	}
	if !slices.Contains(from, stored.Status) {
		return nil, storage.ErrConcurrentModification
	}

	next := stored.Clone()
	next.Status = to
	next.UpdatedAt = time.Now().UTC()
	if apply != nil {
		apply(next)
	}
	// apply may adjust fields but never the agreed transition.
	next.Status = to

	s.runs[runID] = next
	return next.Clone(), nil
}

func (s *runStore) UpdateSteps(_ context.Context, runID string, steps []*models.Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, exists := s.runs[runID]
	if !exists {
		return storage.ErrNotFound
	}
	stored.Steps = models.CloneSteps(steps)
	stored.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *runStore) ListRuns(_ context.Context, filters models.RunFilters) ([]*models.Run, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]*models.Run, 0, len(s.runs))
	for _, run := range s.runs {
		if filters.AgentID != "" && run.AgentID != filters.AgentID {
			continue
		}
		if filters.ThreadID != "" && run.ThreadID != filters.ThreadID {
			continue
		}
		if filters.Status != "" && string(run.Status) != filters.Status {
			continue
		}
		matched = append(matched, run)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})

	total := len(matched)
	page := paginate(matched, filters.Limit, filters.Offset)
	out := make([]*models.Run, len(page))
	for i, run := range page {
		out[i] = run.Clone()
	}
	return out, total, nil
}

func (s *runStore) CountActiveByAgent(_ context.Context, agentID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, run := range s.runs {
		if run.AgentID == agentID && run.Status.Active() {
			count++
		}
	}
	return count, nil
}

func (s *runStore) ListUnfinished(_ context.Context) ([]*models.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Run
	for _, run := range s.runs {
		if run.ParentRunID != "" {
			continue
		}
		switch run.Status {
		case models.RunStatusPending, models.RunStatusQueued, models.RunStatusRunning, models.RunStatusStreaming:
			out = append(out, run.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *runStore) DeleteTerminalBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for id, run := range s.runs {
		if run.Status.Terminal() && run.UpdatedAt.Before(cutoff) {
			delete(s.runs, id)
			deleted++
		}
	}
	return deleted, nil
}
