package config

// MaskingPattern is one regex masking rule.
type MaskingPattern struct {
	Pattern     string `yaml:"pattern"`
	Replacement string `yaml:"replacement"`
	Description string `yaml:"description,omitempty"`
}

// MaskingConfig controls secret masking of run-input context maps and event
// payloads before they are persisted or logged.
type MaskingConfig struct {
	// Disabled turns masking off entirely. Masking is on by default.
	Disabled bool `yaml:"disabled"`

	// PatternGroup selects the built-in pattern set to apply.
	// One of: basic, secrets, security, cloud, all.
	PatternGroup string `yaml:"pattern_group"`

	// CustomPatterns are applied in addition to the selected group.
	// Invalid patterns are logged and skipped at startup.
	CustomPatterns []MaskingPattern `yaml:"custom_patterns"`
}

// Enabled reports whether masking is applied.
func (m *MaskingConfig) Enabled() bool {
	return !m.Disabled
}

// DefaultMaskingConfig returns the built-in masking defaults.
func DefaultMaskingConfig() *MaskingConfig {
	return &MaskingConfig{
		PatternGroup: "secrets",
	}
}
