// Package threads implements the conversation log: append-only per-thread
// message sequences, the thread status machine, summarization, and
// token-budgeted context window assembly.
package threads

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/caphub/caphub/pkg/caperr"
	"github.com/caphub/caphub/pkg/config"
	"github.com/caphub/caphub/pkg/models"
	"github.com/caphub/caphub/pkg/storage"
	"github.com/caphub/caphub/pkg/tokens"
)

// messageOverheadTokens approximates the per-message prompt framing cost
// (role marker and separators) on top of the content itself.
const messageOverheadTokens = 4

// scanLimit bounds how many messages a single get_context call will read.
const scanLimit = 500

// Summarizer folds conversation history into a prose summary. previous is
// the content of the last summary version, empty on the first pass.
type Summarizer interface {
	Summarize(ctx context.Context, messages []*models.Message, previous string) (string, error)
}

// SummarizePolicy controls one summarize call.
type SummarizePolicy struct {
	// Force summarizes even when the log is below the configured threshold.
	Force bool `json:"force,omitempty"`

	// KeepTail is the number of newest messages excluded from the summary.
	// Zero means the configured minimum tail.
	KeepTail int `json:"keep_tail,omitempty"`
}

// Service is the thread store service.
type Service struct {
	threads    storage.ThreadStore
	agents     storage.AgentStore
	summarizer Summarizer
	cfg        *config.ThreadsConfig
}

// NewService creates the thread service. summarizer may be nil; summarize
// calls then fail until one is wired.
func NewService(threads storage.ThreadStore, agents storage.AgentStore, summarizer Summarizer, cfg *config.ThreadsConfig) *Service {
	if cfg == nil {
		cfg = config.DefaultThreadsConfig()
	}
	return &Service{
		threads:    threads,
		agents:     agents,
		summarizer: summarizer,
		cfg:        cfg,
	}
}

// Create starts a new thread for an agent, optionally seeding it with
// initial messages.
func (s *Service) Create(ctx context.Context, req models.CreateThreadRequest) (*models.Thread, error) {
	if req.AgentID == "" {
		return nil, caperr.New(caperr.CodeValidField, "agent_id is required").WithContext("field", "agent_id")
	}
	if _, err := s.agents.Get(ctx, req.AgentID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, caperr.Newf(caperr.CodeAgentNotFound, "agent %s is not registered", req.AgentID).
				WithContext("agent_id", req.AgentID)
		}
		return nil, fmt.Errorf("get agent %s: %w", req.AgentID, err)
	}
	if len(req.InitialMessages) > 0 {
		if err := s.validateBatch(req.InitialMessages); err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	thread := &models.Thread{
		ID:        uuid.NewString(),
		AgentID:   req.AgentID,
		Status:    models.ThreadStatusActive,
		Metadata:  req.Metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.threads.CreateThread(ctx, thread); err != nil {
		return nil, fmt.Errorf("create thread: %w", err)
	}
	slog.Info("Thread created",
		"thread_id", thread.ID,
		"agent_id", thread.AgentID,
		"initial_messages", len(req.InitialMessages))

	if len(req.InitialMessages) > 0 {
		if _, err := s.Append(ctx, thread.ID, req.InitialMessages); err != nil {
			return nil, err
		}
		return s.Get(ctx, thread.ID)
	}
	return thread, nil
}

// Append adds messages to a thread. The whole batch is appended atomically
// in order; messages carrying an idempotency key already seen by the thread
// are returned as stored instead of duplicated.
func (s *Service) Append(ctx context.Context, threadID string, batch []models.AppendMessage) ([]*models.Message, error) {
	if err := s.validateBatch(batch); err != nil {
		return nil, err
	}

	msgs := make([]*models.Message, len(batch))
	for i, m := range batch {
		msgs[i] = &models.Message{
			ID:             uuid.NewString(),
			ThreadID:       threadID,
			Role:           m.Role,
			Content:        m.Content,
			Meta:           m.Meta,
			IdempotencyKey: m.IdempotencyKey,
		}
	}

	stored, err := s.threads.AppendMessages(ctx, threadID, msgs)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			return nil, threadNotFound(threadID)
		case errors.Is(err, storage.ErrThreadClosed):
			return nil, caperr.Newf(caperr.CodeThreadClosed, "thread %s no longer accepts messages", threadID).
				WithContext("thread_id", threadID)
		default:
			return nil, fmt.Errorf("append messages: %w", err)
		}
	}
	return stored, nil
}

// Get returns a thread by id.
func (s *Service) Get(ctx context.Context, threadID string) (*models.Thread, error) {
	thread, err := s.threads.GetThread(ctx, threadID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, threadNotFound(threadID)
		}
		return nil, fmt.Errorf("get thread %s: %w", threadID, err)
	}
	return thread, nil
}

// List returns threads matching the filters plus the unpaginated total.
func (s *Service) List(ctx context.Context, filters models.ThreadFilters) ([]*models.Thread, int, error) {
	threads, total, err := s.threads.ListThreads(ctx, filters)
	if err != nil {
		return nil, 0, fmt.Errorf("list threads: %w", err)
	}
	return threads, total, nil
}

// ListMessages returns a thread's messages in sequence order, or reversed
// when the filter asks for it.
func (s *Service) ListMessages(ctx context.Context, threadID string, filters models.MessageFilters) ([]*models.Message, error) {
	msgs, err := s.threads.ListMessages(ctx, threadID, filters)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, threadNotFound(threadID)
		}
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return msgs, nil
}

// threadStatusMoves lists the legal status transitions. Same-status updates
// are idempotent no-ops.
var threadStatusMoves = map[models.ThreadStatus][]models.ThreadStatus{
	models.ThreadStatusActive:   {models.ThreadStatusPaused, models.ThreadStatusClosed, models.ThreadStatusArchived},
	models.ThreadStatusPaused:   {models.ThreadStatusActive, models.ThreadStatusClosed, models.ThreadStatusArchived},
	models.ThreadStatusClosed:   {models.ThreadStatusArchived},
	models.ThreadStatusArchived: {},
}

func statusMoveAllowed(from, to models.ThreadStatus) bool {
	for _, s := range threadStatusMoves[from] {
		if s == to {
			return true
		}
	}
	return false
}

// UpdateStatus moves a thread through its status machine.
func (s *Service) UpdateStatus(ctx context.Context, threadID string, status models.ThreadStatus) (*models.Thread, error) {
	if _, known := threadStatusMoves[status]; !known {
		return nil, caperr.Newf(caperr.CodeValidField, "unknown thread status %q", status).
			WithContext("field", "status")
	}
	return s.mutate(ctx, threadID, func(t *models.Thread) error {
		if t.Status == status {
			return nil
		}
		if !statusMoveAllowed(t.Status, status) {
			return caperr.Newf(caperr.CodeValidField, "thread status cannot move from %s to %s", t.Status, status).
				WithContext("field", "status")
		}
		applyStatus(t, status)
		return nil
	})
}

// Close closes a thread, optionally recording a final summary and a
// resolution. Closing an already closed thread is a no-op.
func (s *Service) Close(ctx context.Context, threadID, summary, resolution string) (*models.Thread, error) {
	thread, err := s.mutate(ctx, threadID, func(t *models.Thread) error {
		if t.Status == models.ThreadStatusClosed {
			return nil
		}
		if !statusMoveAllowed(t.Status, models.ThreadStatusClosed) {
			return caperr.Newf(caperr.CodeThreadClosed, "thread %s is %s", threadID, t.Status).
				WithContext("thread_id", threadID)
		}
		applyStatus(t, models.ThreadStatusClosed)
		if resolution != "" {
			t.Resolution = resolution
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if summary != "" {
		if err := s.saveSummary(ctx, thread, summary); err != nil {
			return nil, err
		}
		return s.Get(ctx, threadID)
	}

	slog.Info("Thread closed", "thread_id", threadID, "resolution", resolution)
	return thread, nil
}

// Archive moves a thread to archived. Archiving is terminal and idempotent.
func (s *Service) Archive(ctx context.Context, threadID string) (*models.Thread, error) {
	return s.mutate(ctx, threadID, func(t *models.Thread) error {
		if t.Status == models.ThreadStatusArchived {
			return nil
		}
		applyStatus(t, models.ThreadStatusArchived)
		return nil
	})
}

// Summarize folds the thread's older messages into a new summary version,
// keeping the newest messages intact. Below the configured threshold it
// returns the current summary unchanged unless policy.Force is set.
func (s *Service) Summarize(ctx context.Context, threadID string, policy SummarizePolicy) (*models.ThreadSummary, error) {
	thread, err := s.Get(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if !policy.Force && thread.MessageCount < s.cfg.SummarizeThresholdMessages {
		return thread.Summary, nil
	}
	if s.summarizer == nil {
		return nil, caperr.New(caperr.CodeInternal, "no summarizer configured")
	}

	keepTail := policy.KeepTail
	if keepTail <= 0 {
		keepTail = s.cfg.MinTailMessages
	}

	var previous string
	var afterSeq int64
	version := 1
	if thread.Summary != nil {
		previous = thread.Summary.Content
		afterSeq = thread.Summary.UpToSeq
		version = thread.Summary.Version + 1
	}

	// Only the span between the last summary and the protected tail is fed
	// to the summarizer.
	msgs, err := s.ListMessages(ctx, threadID, models.MessageFilters{AfterSeq: afterSeq})
	if err != nil {
		return nil, err
	}
	if len(msgs) <= keepTail {
		return thread.Summary, nil
	}
	head := msgs[:len(msgs)-keepTail]

	content, err := s.summarizer.Summarize(ctx, head, previous)
	if err != nil {
		return nil, caperr.Wrap(caperr.CodeRunExecutionFailed, "summarize thread "+threadID, err)
	}

	summary := &models.ThreadSummary{
		Version:   version,
		Content:   content,
		UpToSeq:   head[len(head)-1].Seq,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.threads.SaveSummary(ctx, threadID, summary); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, threadNotFound(threadID)
		}
		return nil, fmt.Errorf("save summary: %w", err)
	}

	slog.Info("Thread summarized",
		"thread_id", threadID,
		"version", summary.Version,
		"up_to_seq", summary.UpToSeq,
		"folded_messages", len(head))
	return summary, nil
}

// GetContext assembles the prompt context for a thread under a token budget.
// Strategies degrade gracefully: summary and hybrid fall back to recent when
// no summary exists yet.
func (s *Service) GetContext(ctx context.Context, threadID string, budget models.ContextBudget) (*models.ContextWindow, error) {
	thread, err := s.Get(ctx, threadID)
	if err != nil {
		return nil, err
	}

	if budget.MaxTokens <= 0 {
		budget.MaxTokens = s.cfg.DefaultContextTokens
	}
	if budget.MinTailMessages <= 0 {
		budget.MinTailMessages = s.cfg.MinTailMessages
	}
	strategy := budget.Strategy
	if strategy == "" {
		strategy = models.ContextRecent
	}
	switch strategy {
	case models.ContextRecent, models.ContextSummary, models.ContextHybrid:
	default:
		return nil, caperr.Newf(caperr.CodeValidField, "unknown context strategy %q", strategy).
			WithContext("field", "strategy")
	}
	if strategy != models.ContextRecent && thread.Summary == nil {
		strategy = models.ContextRecent
	}

	window := &models.ContextWindow{
		ThreadID: threadID,
		Strategy: strategy,
		Messages: []models.Message{},
	}

	remaining := budget.MaxTokens
	var afterSeq int64
	if strategy != models.ContextRecent {
		window.Summary = thread.Summary.Content
		remaining -= tokens.Count(window.Summary)
		afterSeq = thread.Summary.UpToSeq
	}

	var pinned []*models.Message
	if strategy == models.ContextHybrid {
		all, err := s.ListMessages(ctx, threadID, models.MessageFilters{PinnedOnly: true})
		if err != nil {
			return nil, err
		}
		// Pinned messages after the summary cutoff come back with the tail.
		for _, m := range all {
			if m.Seq <= afterSeq {
				pinned = append(pinned, m)
			}
		}
	}

	tail, err := s.ListMessages(ctx, threadID, models.MessageFilters{
		AfterSeq: afterSeq,
		Reverse:  true,
		Limit:    scanLimit,
	})
	if err != nil {
		return nil, err
	}

	// Walk newest to oldest. The minimum tail is kept even over budget.
	kept := make([]*models.Message, 0, len(tail))
	for i, m := range tail {
		cost := messageTokens(m)
		if i >= budget.MinTailMessages && cost > remaining {
			window.Truncated = true
			break
		}
		kept = append(kept, m)
		remaining -= cost
	}
	if len(tail) == scanLimit {
		window.Truncated = true
	}

	// Pinned decision points ride along oldest first, budget permitting.
	included := make([]*models.Message, 0, len(pinned)+len(kept))
	for _, m := range pinned {
		cost := messageTokens(m)
		if cost > remaining {
			window.Truncated = true
			continue
		}
		included = append(included, m)
		remaining -= cost
	}
	for i := len(kept) - 1; i >= 0; i-- {
		included = append(included, kept[i])
	}

	for _, m := range included {
		window.Messages = append(window.Messages, *m)
		if m.Seq > window.Cursor {
			window.Cursor = m.Seq
		}
	}
	// remaining goes negative when the protected tail overran the budget;
	// the difference is the real token usage either way.
	window.TotalTokens = budget.MaxTokens - remaining
	return window, nil
}

func (s *Service) validateBatch(batch []models.AppendMessage) error {
	if len(batch) == 0 {
		return caperr.New(caperr.CodeValidInput, "at least one message is required")
	}
	if limit := s.cfg.MaxAppendBatch; limit > 0 && len(batch) > limit {
		return caperr.Newf(caperr.CodeValidInput, "append batch exceeds %d messages", limit).
			WithContext("batch_size", len(batch))
	}
	for i, m := range batch {
		if !m.Role.Valid() {
			return caperr.Newf(caperr.CodeValidField, "message %d has unknown role %q", i, m.Role).
				WithContext("field", "role")
		}
		if m.Content == "" && m.Meta.ToolCallID == "" {
			return caperr.Newf(caperr.CodeValidField, "message %d has no content", i).
				WithContext("field", "content")
		}
	}
	return nil
}

func (s *Service) saveSummary(ctx context.Context, thread *models.Thread, content string) error {
	version := 1
	var upToSeq int64
	if thread.Summary != nil {
		version = thread.Summary.Version + 1
	}
	if thread.LastSeq > 0 {
		upToSeq = thread.LastSeq
	}
	summary := &models.ThreadSummary{
		Version:   version,
		Content:   content,
		UpToSeq:   upToSeq,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.threads.SaveSummary(ctx, thread.ID, summary); err != nil {
		return fmt.Errorf("save summary: %w", err)
	}
	return nil
}

// mutate applies fn to a fresh copy of the thread and saves it, retrying on
// concurrent-writer collisions.
func (s *Service) mutate(ctx context.Context, threadID string, fn func(*models.Thread) error) (*models.Thread, error) {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		thread, err := s.Get(ctx, threadID)
		if err != nil {
			return nil, err
		}
		if err := fn(thread); err != nil {
			return nil, err
		}
		err = s.threads.UpdateThread(ctx, thread)
		if err == nil {
			return thread, nil
		}
		if errors.Is(err, storage.ErrNotFound) {
			return nil, threadNotFound(threadID)
		}
		if !errors.Is(err, storage.ErrConcurrentModification) {
			return nil, fmt.Errorf("update thread %s: %w", threadID, err)
		}
		lastErr = err
	}
	return nil, caperr.Wrap(caperr.CodeInternal, "thread "+threadID+" is being modified concurrently", lastErr).
		WithRetryable(true)
}

func applyStatus(t *models.Thread, status models.ThreadStatus) {
	t.Status = status
	if status == models.ThreadStatusClosed || status == models.ThreadStatusArchived {
		if t.ClosedAt == nil {
			now := time.Now().UTC()
			t.ClosedAt = &now
		}
	}
}

func threadNotFound(threadID string) error {
	return caperr.Newf(caperr.CodeThreadNotFound, "thread %s does not exist", threadID).
		WithContext("thread_id", threadID)
}

func messageTokens(m *models.Message) int {
	return tokens.Count(m.Content) + messageOverheadTokens
}
