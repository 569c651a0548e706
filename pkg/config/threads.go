package config

// ThreadsConfig controls conversation threads and context assembly.
type ThreadsConfig struct {
	// DefaultContextTokens is the token budget used by get_context when
	// the caller does not supply one.
	DefaultContextTokens int `yaml:"default_context_tokens"`

	// MinTailMessages is the number of most-recent messages always kept
	// verbatim, whatever the strategy or budget.
	MinTailMessages int `yaml:"min_tail_messages"`

	// SummarizeThresholdMessages is the log length past which summarize
	// becomes worthwhile; below it summarize is a no-op.
	SummarizeThresholdMessages int `yaml:"summarize_threshold_messages"`

	// MaxAppendBatch caps the number of messages accepted in one append.
	MaxAppendBatch int `yaml:"max_append_batch"`
}

// DefaultThreadsConfig returns the built-in thread defaults.
func DefaultThreadsConfig() *ThreadsConfig {
	return &ThreadsConfig{
		DefaultContextTokens:       8192,
		MinTailMessages:            2,
		SummarizeThresholdMessages: 20,
		MaxAppendBatch:             50,
	}
}
