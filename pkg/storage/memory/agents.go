package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/caphub/caphub/pkg/models"
	"github.com/caphub/caphub/pkg/storage"
)

type agentStore struct {
	mu     sync.RWMutex
	agents map[string]*models.Agent // keyed by agent_id
}

func newAgentStore() *agentStore {
	return &agentStore{agents: make(map[string]*models.Agent)}
}

func (s *agentStore) Create(_ context.Context, agent *models.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.agents[agent.AgentID]; exists {
		return storage.ErrAlreadyExists
	}
	s.agents[agent.AgentID] = agent.Clone()
	return nil
}

func (s *agentStore) Update(_ context.Context, agent *models.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, exists := s.agents[agent.AgentID]
	if !exists {
		return storage.ErrNotFound
	}
	if !stored.UpdatedAt.Equal(agent.UpdatedAt) {
		return storage.ErrConcurrentModification
	}
	agent.UpdatedAt = time.Now().UTC()
	s.agents[agent.AgentID] = agent.Clone()
	return nil
}

func (s *agentStore) Delete(_ context.Context, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.agents[agentID]; !exists {
		return storage.ErrNotFound
	}
	delete(s.agents, agentID)
	return nil
}

func (s *agentStore) Get(_ context.Context, agentID string) (*models.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agent, exists := s.agents[agentID]
	if !exists {
		return nil, storage.ErrNotFound
	}
	return agent.Clone(), nil
}

func (s *agentStore) List(_ context.Context, filters models.AgentFilters) ([]*models.Agent, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]*models.Agent, 0, len(s.agents))
	for _, agent := range s.agents {
		if filters.System != "" && agent.System != filters.System {
			continue
		}
		if filters.Type != "" && agent.Type != filters.Type {
			continue
		}
		if filters.Status != "" && string(agent.Status) != filters.Status {
			continue
		}
		matched = append(matched, agent)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].AgentID < matched[j].AgentID
	})

	total := len(matched)
	page := paginate(matched, filters.Limit, filters.Offset)
	out := make([]*models.Agent, len(page))
	for i, agent := range page {
		out[i] = agent.Clone()
	}
	return out, total, nil
}

func (s *agentStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.agents), nil
}
