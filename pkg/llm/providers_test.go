package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caphub/caphub/pkg/config"
)

func TestNewProvidersSkipsUnkeyedEntries(t *testing.T) {
	cfg := &config.LLMConfig{
		DefaultProvider: "mock",
		Providers: map[string]*config.LLMProviderConfig{
			"mock": {Type: config.LLMProviderMock},
			"anthropic": {
				Type:      config.LLMProviderAnthropic,
				Model:     "claude-sonnet-4-5",
				APIKeyEnv: "CAPHUB_TEST_MISSING_KEY",
			},
		},
	}

	providers, err := NewProviders(cfg)
	require.NoError(t, err)
	require.NotNil(t, providers.Default())

	_, err = providers.Get("anthropic")
	assert.ErrorIs(t, err, config.ErrProviderNotFound)

	client, err := providers.Get("")
	require.NoError(t, err)
	assert.Same(t, providers.Default(), client)

	require.NoError(t, providers.Close())
}

func TestNewProvidersDefaultMustConstruct(t *testing.T) {
	cfg := &config.LLMConfig{
		DefaultProvider: "anthropic",
		Providers: map[string]*config.LLMProviderConfig{
			"anthropic": {
				Type:      config.LLMProviderAnthropic,
				Model:     "claude-sonnet-4-5",
				APIKeyEnv: "CAPHUB_TEST_MISSING_KEY",
			},
		},
	}

	_, err := NewProviders(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CAPHUB_TEST_MISSING_KEY")
}

func TestNewProvidersUnknownDefault(t *testing.T) {
	cfg := &config.LLMConfig{
		DefaultProvider: "ghost",
		Providers: map[string]*config.LLMProviderConfig{
			"mock": {Type: config.LLMProviderMock},
		},
	}

	_, err := NewProviders(cfg)
	assert.ErrorIs(t, err, config.ErrProviderNotFound)
}

func TestNewProvidersNilUsesDefaults(t *testing.T) {
	providers, err := NewProviders(nil)
	require.NoError(t, err)
	assert.NotNil(t, providers.Default())
}

func TestNewRejectsUnknownType(t *testing.T) {
	_, err := New(&config.LLMProviderConfig{Type: "banana"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "banana")

	_, err = New(nil)
	require.Error(t, err)
}

func TestNewAnthropicFromEnv(t *testing.T) {
	t.Setenv("CAPHUB_TEST_ANTHROPIC_KEY", "key-123")

	client, err := New(&config.LLMProviderConfig{
		Type:      config.LLMProviderAnthropic,
		Model:     "claude-sonnet-4-5",
		APIKeyEnv: "CAPHUB_TEST_ANTHROPIC_KEY",
		MaxTokens: 256,
	})
	require.NoError(t, err)
	assert.IsType(t, &AnthropicClient{}, client)
	require.NoError(t, client.Close())
}

func TestNewOpenAIFromEnv(t *testing.T) {
	t.Setenv("CAPHUB_TEST_OPENAI_KEY", "key-123")

	client, err := New(&config.LLMProviderConfig{
		Type:      config.LLMProviderOpenAI,
		Model:     "gpt-4o",
		APIKeyEnv: "CAPHUB_TEST_OPENAI_KEY",
		MaxTokens: 256,
	})
	require.NoError(t, err)
	assert.IsType(t, &OpenAIClient{}, client)
	require.NoError(t, client.Close())
}
