package config

import "time"

// NotifierConfig controls webhook delivery of interrupt notifications.
// Delivery is best-effort; resolution never depends on it.
type NotifierConfig struct {
	// Enabled turns the notifier on.
	Enabled bool `yaml:"enabled"`

	// WebhookURL receives a JSON POST for every created interrupt.
	WebhookURL string `yaml:"webhook_url"`

	// Timeout bounds one delivery attempt.
	Timeout Duration `yaml:"timeout"`
}

// DefaultNotifierConfig returns the built-in notifier defaults.
func DefaultNotifierConfig() *NotifierConfig {
	return &NotifierConfig{
		Enabled: false,
		Timeout: Duration(10 * time.Second),
	}
}
