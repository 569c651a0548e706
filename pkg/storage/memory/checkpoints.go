package memory

import (
	"context"
	"sync"

	"github.com/caphub/caphub/pkg/models"
	"github.com/caphub/caphub/pkg/storage"
)

type checkpointStore struct {
	mu          sync.RWMutex
	checkpoints map[string]*models.Checkpoint // keyed by run id
}

func newCheckpointStore() *checkpointStore {
	return &checkpointStore{checkpoints: make(map[string]*models.Checkpoint)}
}

func (s *checkpointStore) Save(_ context.Context, cp *models.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[cp.RunID] = cp.Clone()
	return nil
}

func (s *checkpointStore) Get(_ context.Context, runID string) (*models.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp, exists := s.checkpoints[runID]
	if !exists {
		return nil, storage.ErrNotFound
	}
	return cp.Clone(), nil
}

func (s *checkpointStore) Delete(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.checkpoints, runID)
	return nil
}
