package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/caphub/caphub/pkg/models"
	"github.com/caphub/caphub/pkg/storage"
)

type threadStore struct {
	mu       sync.RWMutex
	threads  map[string]*models.Thread
	messages map[string][]*models.Message // threadID → seq-ordered log
	byKey    map[string]*models.Message   // threadID+"\x00"+idempotencyKey
}

func newThreadStore() *threadStore {
	return &threadStore{
		threads:  make(map[string]*models.Thread),
		messages: make(map[string][]*models.Message),
		byKey:    make(map[string]*models.Message),
	}
}

func idemKey(threadID, key string) string {
	return threadID + "\x00" + key
}

func (s *threadStore) CreateThread(_ context.Context, thread *models.Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.threads[thread.ID]; exists {
		return storage.ErrAlreadyExists
	}
	s.threads[thread.ID] = thread.Clone()
	return nil
}

func (s *threadStore) GetThread(_ context.Context, threadID string) (*models.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	thread, exists := s.threads[threadID]
	if !exists {
		return nil, storage.ErrNotFound
	}
	return thread.Clone(), nil
}

func (s *threadStore) UpdateThread(_ context.Context, thread *models.Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, exists := s.threads[thread.ID]
	if !exists {
		return storage.ErrNotFound
	}
	if !stored.UpdatedAt.Equal(thread.UpdatedAt) {
		return storage.ErrConcurrentModification
	}
	thread.UpdatedAt = time.Now().UTC()
	s.threads[thread.ID] = thread.Clone()
	return nil
}

func (s *threadStore) ListThreads(_ context.Context, filters models.ThreadFilters) ([]*models.Thread, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]*models.Thread, 0, len(s.threads))
	for _, thread := range s.threads {
		if filters.AgentID != "" && thread.AgentID != filters.AgentID {
			continue
		}
		if filters.Status != "" && thread.Status != filters.Status {
			continue
		}
		matched = append(matched, thread)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})

	total := len(matched)
	page := paginate(matched, filters.Limit, filters.Offset)
	out := make([]*models.Thread, len(page))
	for i, thread := range page {
		out[i] = thread.Clone()
	}
	return out, total, nil
}

func (s *threadStore) AppendMessages(_ context.Context, threadID string, msgs []*models.Message) ([]*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	thread, exists := s.threads[threadID]
	if !exists {
		return nil, storage.ErrNotFound
	}
	if !thread.Status.AcceptsAppends() {
		return nil, storage.ErrThreadClosed
	}

	now := time.Now().UTC()
	out := make([]*models.Message, 0, len(msgs))
	for _, msg := range msgs {
		if msg.IdempotencyKey != "" {
			if prior, dup := s.byKey[idemKey(threadID, msg.IdempotencyKey)]; dup {
				out = append(out, prior.Clone())
				continue
			}
		}
		stored := msg.Clone()
		thread.LastSeq++
		thread.MessageCount++
		stored.ThreadID = threadID
		stored.Seq = thread.LastSeq
		if stored.CreatedAt.IsZero() {
			stored.CreatedAt = now
		}
		s.messages[threadID] = append(s.messages[threadID], stored)
		if stored.IdempotencyKey != "" {
			s.byKey[idemKey(threadID, stored.IdempotencyKey)] = stored
		}
		out = append(out, stored.Clone())
	}
	thread.UpdatedAt = now
	return out, nil
}

func (s *threadStore) ListMessages(_ context.Context, threadID string, filters models.MessageFilters) ([]*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.threads[threadID]; !exists {
		return nil, storage.ErrNotFound
	}

	log := s.messages[threadID]
	matched := make([]*models.Message, 0, len(log))
	for _, msg := range log {
		if msg.Seq <= filters.AfterSeq {
			continue
		}
		if filters.PinnedOnly && !msg.Meta.Pinned {
			continue
		}
		matched = append(matched, msg)
	}
	if filters.Reverse {
		for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
			matched[i], matched[j] = matched[j], matched[i]
		}
	}
	if filters.Limit > 0 && filters.Limit < len(matched) {
		matched = matched[:filters.Limit]
	}

	out := make([]*models.Message, len(matched))
	for i, msg := range matched {
		out[i] = msg.Clone()
	}
	return out, nil
}

func (s *threadStore) SaveSummary(_ context.Context, threadID string, summary *models.ThreadSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	thread, exists := s.threads[threadID]
	if !exists {
		return storage.ErrNotFound
	}
	saved := *summary
	thread.Summary = &saved
	thread.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *threadStore) GetSummary(_ context.Context, threadID string) (*models.ThreadSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	thread, exists := s.threads[threadID]
	if !exists {
		return nil, storage.ErrNotFound
	}
	if thread.Summary == nil {
		return nil, storage.ErrNotFound
	}
	out := *thread.Summary
	return &out, nil
}

func (s *threadStore) ArchiveClosedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var archived int64
	now := time.Now().UTC()
	for _, thread := range s.threads {
		if thread.Status != models.ThreadStatusClosed {
			continue
		}
		if thread.ClosedAt == nil || !thread.ClosedAt.Before(cutoff) {
			continue
		}
		thread.Status = models.ThreadStatusArchived
		thread.UpdatedAt = now
		archived++
	}
	return archived, nil
}
