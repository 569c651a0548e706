package config

import "fmt"

// LLMProviderType identifies the SDK used to reach a provider.
type LLMProviderType string

const (
	LLMProviderAnthropic LLMProviderType = "anthropic"
	LLMProviderOpenAI    LLMProviderType = "openai"

	// LLMProviderMock is a deterministic in-process provider for tests
	// and local development without credentials.
	LLMProviderMock LLMProviderType = "mock"
)

// Valid reports whether the provider type is known.
func (t LLMProviderType) Valid() bool {
	switch t {
	case LLMProviderAnthropic, LLMProviderOpenAI, LLMProviderMock:
		return true
	}
	return false
}

// LLMProviderConfig defines one language-model provider.
type LLMProviderConfig struct {
	// Type selects the SDK (required).
	Type LLMProviderType `yaml:"type"`

	// Model is the provider model identifier (required except for mock).
	Model string `yaml:"model"`

	// APIKeyEnv names the environment variable holding the API key.
	// Defaults per type: ANTHROPIC_API_KEY, OPENAI_API_KEY.
	APIKeyEnv string `yaml:"api_key_env,omitempty"`

	// BaseURL overrides the provider endpoint (proxies, gateways).
	BaseURL string `yaml:"base_url,omitempty"`

	// MaxTokens caps the completion size per call.
	MaxTokens int `yaml:"max_tokens"`

	// Temperature, when set, is passed through to the provider.
	Temperature *float64 `yaml:"temperature,omitempty"`
}

// LLMConfig holds the provider table and the default selection.
type LLMConfig struct {
	// DefaultProvider is used when an agent does not name one.
	DefaultProvider string `yaml:"default_provider"`

	// Providers maps provider names to their configuration. A user entry
	// replaces the same-named built-in wholesale.
	Providers map[string]*LLMProviderConfig `yaml:"providers"`
}

// Provider returns the named provider configuration.
func (c *LLMConfig) Provider(name string) (*LLMProviderConfig, error) {
	p, ok := c.Providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, name)
	}
	return p, nil
}

// DefaultLLMConfig returns the built-in provider table. The mock provider is
// always present so the hub boots without credentials.
func DefaultLLMConfig() *LLMConfig {
	return &LLMConfig{
		DefaultProvider: "mock",
		Providers: map[string]*LLMProviderConfig{
			"mock": {
				Type:      LLMProviderMock,
				MaxTokens: 4096,
			},
			"anthropic": {
				Type:      LLMProviderAnthropic,
				Model:     "claude-sonnet-4-5",
				APIKeyEnv: "ANTHROPIC_API_KEY",
				MaxTokens: 8192,
			},
			"openai": {
				Type:      LLMProviderOpenAI,
				Model:     "gpt-4o",
				APIKeyEnv: "OPENAI_API_KEY",
				MaxTokens: 8192,
			},
		},
	}
}
