package config

import "time"

// HealthConfig controls agent health probing.
type HealthConfig struct {
	// ProbeInterval is how often each registered agent is probed.
	ProbeInterval Duration `yaml:"probe_interval"`

	// ProbeTimeout bounds a single probe.
	ProbeTimeout Duration `yaml:"probe_timeout"`

	// UnhealthyThreshold is the consecutive-failure streak after which an
	// agent is marked unhealthy regardless of component checks.
	UnhealthyThreshold int `yaml:"unhealthy_threshold"`

	// SuccessRateFloor is the rolling success rate below which an agent
	// cannot be reported healthy.
	SuccessRateFloor float64 `yaml:"success_rate_floor"`

	// WindowSize is the number of recent run outcomes in the rolling
	// latency/success window.
	WindowSize int `yaml:"window_size"`
}

// DefaultHealthConfig returns the built-in health probe defaults.
func DefaultHealthConfig() *HealthConfig {
	return &HealthConfig{
		ProbeInterval:      Duration(30 * time.Second),
		ProbeTimeout:       Duration(5 * time.Second),
		UnhealthyThreshold: 3,
		SuccessRateFloor:   0.9,
		WindowSize:         50,
	}
}
