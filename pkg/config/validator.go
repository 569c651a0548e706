package config

import (
	"fmt"
	"strings"
)

// Validator validates configuration with clear error messages.
type Validator struct {
	cfg *Config
}

// NewValidator creates a validator for the given configuration.
func NewValidator(cfg *Config) *Validator {
	return &Validator{cfg: cfg}
}

// ValidateAll performs comprehensive validation, failing fast on the first
// error so boot logs show one actionable message.
func (v *Validator) ValidateAll() error {
	checks := []func() error{
		v.validateServer,
		v.validateQueue,
		v.validateExecutor,
		v.validateRouting,
		v.validateHealth,
		v.validateThreads,
		v.validateInterrupts,
		v.validateEvents,
		v.validateRetention,
		v.validateLLM,
		v.validateRetrieval,
		v.validateNotifier,
	}
	for _, check := range checks {
		if err := check(); err != nil {
			return err
		}
	}
	return nil
}

func (v *Validator) validateServer() error {
	s := v.cfg.Server
	if s.Port < 1 || s.Port > 65535 {
		return NewValidationError("server", "port", fmt.Errorf("%w: %d", ErrInvalidValue, s.Port))
	}
	return nil
}

func (v *Validator) validateQueue() error {
	q := v.cfg.Queue
	if !q.Backend.Valid() {
		return NewValidationError("queue", "backend", fmt.Errorf("%w: %q", ErrInvalidValue, q.Backend))
	}
	if q.Backend == QueueBackendRedis && q.Endpoint == "" {
		return NewValidationError("queue", "endpoint", fmt.Errorf("%w: required for redis backend", ErrMissingRequiredField))
	}
	if q.WorkerCount < 1 {
		return NewValidationError("queue", "worker_count", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	if q.MaxConcurrentRuns < 1 {
		return NewValidationError("queue", "max_concurrent_runs", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	if q.PollInterval <= 0 {
		return NewValidationError("queue", "poll_interval", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if q.LeaseTTL <= 0 {
		return NewValidationError("queue", "lease_ttl", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if q.HeartbeatInterval <= 0 || q.HeartbeatInterval >= q.LeaseTTL {
		return NewValidationError("queue", "heartbeat_interval", fmt.Errorf("%w: must be positive and below lease_ttl", ErrInvalidValue))
	}
	return nil
}

func (v *Validator) validateExecutor() error {
	e := v.cfg.Executor
	if e.DefaultTimeout <= 0 {
		return NewValidationError("executor", "default_timeout", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if e.MaxTimeout < e.DefaultTimeout {
		return NewValidationError("executor", "max_timeout", fmt.Errorf("%w: below default_timeout", ErrInvalidValue))
	}
	if e.CheckpointInterval <= 0 {
		return NewValidationError("executor", "checkpoint_interval", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if e.GraceWindow <= 0 {
		return NewValidationError("executor", "grace_window", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if e.MaxRetries < 0 {
		return NewValidationError("executor", "max_retries", fmt.Errorf("%w: must not be negative", ErrInvalidValue))
	}
	if e.MaxParallelSteps < 1 {
		return NewValidationError("executor", "max_parallel_steps", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	if e.MaxAgentCallDepth < 1 {
		return NewValidationError("executor", "max_agent_call_depth", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	return nil
}

func (v *Validator) validateRouting() error {
	r := v.cfg.Routing
	if r.MinConfidence < 0 || r.MinConfidence > 1 {
		return NewValidationError("routing", "min_confidence", fmt.Errorf("%w: must be within [0, 1]", ErrInvalidValue))
	}
	if r.MaxAgents < 0 {
		return NewValidationError("routing", "max_agents", fmt.Errorf("%w: must not be negative", ErrInvalidValue))
	}
	return nil
}

func (v *Validator) validateHealth() error {
	h := v.cfg.Health
	if h.ProbeInterval <= 0 {
		return NewValidationError("health", "probe_interval", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if h.ProbeTimeout <= 0 {
		return NewValidationError("health", "probe_timeout", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if h.UnhealthyThreshold < 1 {
		return NewValidationError("health", "unhealthy_threshold", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	if h.SuccessRateFloor < 0 || h.SuccessRateFloor > 1 {
		return NewValidationError("health", "success_rate_floor", fmt.Errorf("%w: must be within [0, 1]", ErrInvalidValue))
	}
	if h.WindowSize < 1 {
		return NewValidationError("health", "window_size", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	return nil
}

func (v *Validator) validateThreads() error {
	t := v.cfg.Threads
	if t.DefaultContextTokens < 1 {
		return NewValidationError("threads", "default_context_tokens", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	if t.MinTailMessages < 0 {
		return NewValidationError("threads", "min_tail_messages", fmt.Errorf("%w: must not be negative", ErrInvalidValue))
	}
	if t.MaxAppendBatch < 1 {
		return NewValidationError("threads", "max_append_batch", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	return nil
}

func (v *Validator) validateInterrupts() error {
	i := v.cfg.Interrupts
	if i.DefaultTimeout <= 0 {
		return NewValidationError("interrupts", "default_timeout", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if i.SweepInterval <= 0 {
		return NewValidationError("interrupts", "sweep_interval", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	return nil
}

func (v *Validator) validateEvents() error {
	e := v.cfg.Events
	if e.BufferSize < 1 {
		return NewValidationError("events", "buffer_size", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	if !e.OverflowPolicy.Valid() {
		return NewValidationError("events", "overflow_policy", fmt.Errorf("%w: %q", ErrInvalidValue, e.OverflowPolicy))
	}
	if e.CatchupLimit < 1 {
		return NewValidationError("events", "catchup_limit", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	return nil
}

func (v *Validator) validateRetention() error {
	r := v.cfg.Retention
	if r.RunRetentionDays < 1 {
		return NewValidationError("retention", "run_retention_days", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	if r.CleanupInterval <= 0 {
		return NewValidationError("retention", "cleanup_interval", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	return nil
}

func (v *Validator) validateLLM() error {
	l := v.cfg.LLM
	if l.DefaultProvider != "" {
		if _, ok := l.Providers[l.DefaultProvider]; !ok {
			return NewValidationError("llm", "default_provider", fmt.Errorf("%w: %q is not configured", ErrInvalidValue, l.DefaultProvider))
		}
	}
	for name, p := range l.Providers {
		if p == nil {
			return NewValidationError("llm", name, fmt.Errorf("%w: empty provider entry", ErrInvalidValue))
		}
		if !p.Type.Valid() {
			return NewValidationError("llm", name, fmt.Errorf("%w: unknown type %q", ErrInvalidValue, p.Type))
		}
		if p.Type != LLMProviderMock && p.Model == "" {
			return NewValidationError("llm", name, fmt.Errorf("%w: model", ErrMissingRequiredField))
		}
		if p.MaxTokens < 1 {
			return NewValidationError("llm", name, fmt.Errorf("%w: max_tokens must be at least 1", ErrInvalidValue))
		}
	}
	return nil
}

func (v *Validator) validateRetrieval() error {
	r := v.cfg.Retrieval
	if !r.Enabled {
		return nil
	}
	if r.Collection == "" {
		return NewValidationError("retrieval", "collection", fmt.Errorf("%w", ErrMissingRequiredField))
	}
	if r.TopK < 1 {
		return NewValidationError("retrieval", "top_k", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	if r.MinSimilarity < 0 || r.MinSimilarity > 1 {
		return NewValidationError("retrieval", "min_similarity", fmt.Errorf("%w: must be within [0, 1]", ErrInvalidValue))
	}
	return nil
}

func (v *Validator) validateNotifier() error {
	n := v.cfg.Notifier
	if !n.Enabled {
		return nil
	}
	if n.WebhookURL == "" {
		return NewValidationError("notifier", "webhook_url", fmt.Errorf("%w", ErrMissingRequiredField))
	}
	if !strings.HasPrefix(n.WebhookURL, "http://") && !strings.HasPrefix(n.WebhookURL, "https://") {
		return NewValidationError("notifier", "webhook_url", fmt.Errorf("%w: must be an http(s) URL", ErrInvalidValue))
	}
	if n.Timeout <= 0 {
		return NewValidationError("notifier", "timeout", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	return nil
}
