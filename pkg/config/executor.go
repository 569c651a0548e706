package config

import "time"

// ExecutorConfig controls per-run execution: deadlines, checkpointing,
// retries, and parallel step fan-out.
type ExecutorConfig struct {
	// DefaultTimeout applies when neither the run options nor the agent
	// extensions set a timeout.
	DefaultTimeout Duration `yaml:"default_timeout"`

	// MaxTimeout is the process-wide ceiling. Requested timeouts above it
	// are clamped. Time spent interrupted does not count.
	MaxTimeout Duration `yaml:"max_timeout"`

	// CheckpointInterval is how often a running run's progress snapshot is
	// persisted, in addition to every state transition.
	CheckpointInterval Duration `yaml:"checkpoint_interval"`

	// GraceWindow is how long a handler gets to observe cancellation after
	// the deadline fires before the run is force-terminated as timeout.
	GraceWindow Duration `yaml:"grace_window"`

	// MaxRetries is the attempt cap for retryable operation errors inside
	// handlers (NET_*, TIMEOUT_OPERATION).
	MaxRetries int `yaml:"max_retries"`

	// MaxParallelSteps caps the fan-out of a parallel_execution step.
	MaxParallelSteps int `yaml:"max_parallel_steps"`

	// MaxAgentCallDepth caps nested agent_call chains to keep a
	// misconfigured agent graph from recursing forever.
	MaxAgentCallDepth int `yaml:"max_agent_call_depth"`
}

// DefaultExecutorConfig returns the built-in executor defaults.
func DefaultExecutorConfig() *ExecutorConfig {
	return &ExecutorConfig{
		DefaultTimeout:     Duration(5 * time.Minute),
		MaxTimeout:         Duration(30 * time.Minute),
		CheckpointInterval: Duration(10 * time.Second),
		GraceWindow:        Duration(5 * time.Second),
		MaxRetries:         3,
		MaxParallelSteps:   8,
		MaxAgentCallDepth:  3,
	}
}
