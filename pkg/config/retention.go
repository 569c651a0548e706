package config

import "time"

// RetentionConfig controls data retention and cleanup behavior.
type RetentionConfig struct {
	// RunRetentionDays is how many days terminal runs (and their steps and
	// checkpoints) are kept before deletion.
	RunRetentionDays int `yaml:"run_retention_days"`

	// ThreadArchiveAfter is how long a closed thread stays before it is
	// archived automatically.
	ThreadArchiveAfter Duration `yaml:"thread_archive_after"`

	// EventTTL is the maximum age of persisted event rows. SSE catchup
	// only needs recent history; this bounds the table.
	EventTTL Duration `yaml:"event_ttl"`

	// CleanupInterval is how often the cleanup loop runs.
	CleanupInterval Duration `yaml:"cleanup_interval"`
}

// DefaultRetentionConfig returns the built-in retention defaults.
func DefaultRetentionConfig() *RetentionConfig {
	return &RetentionConfig{
		RunRetentionDays:   90,
		ThreadArchiveAfter: Duration(30 * 24 * time.Hour),
		EventTTL:           Duration(24 * time.Hour),
		CleanupInterval:    Duration(1 * time.Hour),
	}
}
