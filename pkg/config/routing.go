package config

// RoutingConfig controls handler routing and registry limits.
type RoutingConfig struct {
	// MinConfidence is the floor below which routing returns no handler
	// and the run fails with CAP_RUN_EXECUTION_FAILED.
	MinConfidence float64 `yaml:"min_confidence"`

	// MaxAgents caps the number of registered agents. 0 means unlimited.
	MaxAgents int `yaml:"max_agents"`

	// DisableCapabilityFilter skips the phase that drops handlers whose
	// required capabilities the target agent does not advertise.
	DisableCapabilityFilter bool `yaml:"disable_capability_filter"`
}

// CapabilityFilter reports whether candidates are filtered by agent
// capabilities during routing.
func (r *RoutingConfig) CapabilityFilter() bool {
	return !r.DisableCapabilityFilter
}

// DefaultRoutingConfig returns the built-in routing defaults.
func DefaultRoutingConfig() *RoutingConfig {
	return &RoutingConfig{
		MinConfidence: 0.5,
		MaxAgents:     0,
	}
}
