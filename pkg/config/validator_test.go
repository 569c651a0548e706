package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateAll(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(cfg *Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(cfg *Config) {},
		},
		{
			name:    "port out of range",
			mutate:  func(cfg *Config) { cfg.Server.Port = 0 },
			wantErr: "server",
		},
		{
			name:    "unknown queue backend",
			mutate:  func(cfg *Config) { cfg.Queue.Backend = "kafka" },
			wantErr: "backend",
		},
		{
			name:    "redis backend requires endpoint",
			mutate:  func(cfg *Config) { cfg.Queue.Backend = QueueBackendRedis },
			wantErr: "endpoint",
		},
		{
			name:    "heartbeat must stay below lease",
			mutate:  func(cfg *Config) { cfg.Queue.HeartbeatInterval = cfg.Queue.LeaseTTL },
			wantErr: "heartbeat_interval",
		},
		{
			name:    "max timeout below default",
			mutate:  func(cfg *Config) { cfg.Executor.MaxTimeout = cfg.Executor.DefaultTimeout / 2 },
			wantErr: "max_timeout",
		},
		{
			name:    "confidence above one",
			mutate:  func(cfg *Config) { cfg.Routing.MinConfidence = 1.5 },
			wantErr: "min_confidence",
		},
		{
			name:    "zero unhealthy threshold",
			mutate:  func(cfg *Config) { cfg.Health.UnhealthyThreshold = 0 },
			wantErr: "unhealthy_threshold",
		},
		{
			name:    "invalid overflow policy",
			mutate:  func(cfg *Config) { cfg.Events.OverflowPolicy = "block" },
			wantErr: "overflow_policy",
		},
		{
			name:    "default provider must exist",
			mutate:  func(cfg *Config) { cfg.LLM.DefaultProvider = "bedrock" },
			wantErr: "default_provider",
		},
		{
			name: "provider without model",
			mutate: func(cfg *Config) {
				cfg.LLM.Providers["broken"] = &LLMProviderConfig{Type: LLMProviderOpenAI, MaxTokens: 100}
			},
			wantErr: "model",
		},
		{
			name: "enabled retrieval requires collection",
			mutate: func(cfg *Config) {
				cfg.Retrieval.Enabled = true
				cfg.Retrieval.Collection = ""
			},
			wantErr: "collection",
		},
		{
			name: "enabled notifier requires http url",
			mutate: func(cfg *Config) {
				cfg.Notifier.Enabled = true
				cfg.Notifier.WebhookURL = "ftp://files.internal"
			},
			wantErr: "webhook_url",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := NewValidator(cfg).ValidateAll()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)

			var verr *ValidationError
			assert.ErrorAs(t, err, &verr)
		})
	}
}
