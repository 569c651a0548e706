package llm

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/caphub/caphub/pkg/config"
)

// New builds a client for one provider entry.
func New(cfg *config.LLMProviderConfig) (Client, error) {
	if cfg == nil {
		return nil, errors.New("llm provider config is required")
	}
	switch cfg.Type {
	case config.LLMProviderAnthropic:
		return NewAnthropicClient(cfg)
	case config.LLMProviderOpenAI:
		return NewOpenAIClient(cfg)
	case config.LLMProviderMock:
		return NewMockClient(), nil
	default:
		return nil, fmt.Errorf("unknown llm provider type %q", cfg.Type)
	}
}

// Providers holds the clients constructed from the provider table.
type Providers struct {
	clients     map[string]Client
	defaultName string
}

// NewProviders constructs every configured provider. Entries whose API key
// environment variable is unset are skipped so the hub boots without
// credentials; the default provider must construct.
func NewProviders(cfg *config.LLMConfig) (*Providers, error) {
	if cfg == nil {
		cfg = config.DefaultLLMConfig()
	}
	clients := make(map[string]Client, len(cfg.Providers))
	for name, pc := range cfg.Providers {
		client, err := New(pc)
		if err != nil {
			if name == cfg.DefaultProvider {
				return nil, fmt.Errorf("default llm provider %s: %w", name, err)
			}
			slog.Warn("Skipping LLM provider", "provider", name, "error", err)
			continue
		}
		clients[name] = client
		slog.Info("LLM provider ready", "provider", name, "type", pc.Type, "model", pc.Model)
	}
	if _, ok := clients[cfg.DefaultProvider]; !ok {
		return nil, fmt.Errorf("%w: %s", config.ErrProviderNotFound, cfg.DefaultProvider)
	}
	return &Providers{clients: clients, defaultName: cfg.DefaultProvider}, nil
}

// Default returns the configured default provider.
func (p *Providers) Default() Client {
	return p.clients[p.defaultName]
}

// Get returns the named provider, or the default when name is empty.
func (p *Providers) Get(name string) (Client, error) {
	if name == "" {
		return p.Default(), nil
	}
	client, ok := p.clients[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", config.ErrProviderNotFound, name)
	}
	return client, nil
}

// Close releases every constructed provider.
func (p *Providers) Close() error {
	var errs []error
	for name, client := range p.clients {
		if err := client.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
