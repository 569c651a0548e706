package config

import "time"

// InterruptsConfig controls the interrupt subsystem.
type InterruptsConfig struct {
	// DefaultTimeout applies when create omits timeout_ms. Past it the
	// interrupt expires and the run fails or continues per agent policy.
	DefaultTimeout Duration `yaml:"default_timeout"`

	// SweepInterval is how often the expiry sweeper scans for interrupts
	// past their expires_at.
	SweepInterval Duration `yaml:"sweep_interval"`
}

// DefaultInterruptsConfig returns the built-in interrupt defaults.
func DefaultInterruptsConfig() *InterruptsConfig {
	return &InterruptsConfig{
		DefaultTimeout: Duration(5 * time.Minute),
		SweepInterval:  Duration(10 * time.Second),
	}
}
