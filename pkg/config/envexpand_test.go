package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"gopkg.in/yaml.v3"
)

func TestExpandEnv(t *testing.T) {
	tests := []struct {
		name  string
		input string
		env   map[string]string
		want  string
	}{
		{
			name:  "simple substitution with {{.VAR}}",
			input: "api_key: {{.API_KEY}}",
			env:   map[string]string{"API_KEY": "secret123"},
			want:  "api_key: secret123",
		},
		{
			name:  "literal ${VAR} is NOT expanded",
			input: "pattern: ${USER_ID}",
			env:   map[string]string{"USER_ID": "123"},
			want:  "pattern: ${USER_ID}",
		},
		{
			name:  "regex anchors survive",
			input: "pattern: ^(approve|reject)$",
			env:   map[string]string{},
			want:  "pattern: ^(approve|reject)$",
		},
		{
			name:  "multiple substitutions in one line",
			input: "endpoint: {{.SCHEME}}://{{.HOST}}:{{.PORT}}",
			env: map[string]string{
				"SCHEME": "redis",
				"HOST":   "cache.internal",
				"PORT":   "6379",
			},
			want: "endpoint: redis://cache.internal:6379",
		},
		{
			name:  "missing variable expands to empty",
			input: "webhook_url: {{.MISSING_VAR}}",
			env:   map[string]string{},
			want:  "webhook_url: ",
		},
		{
			name:  "malformed template passes through unchanged",
			input: "value: {{.UNCLOSED",
			env:   map[string]string{},
			want:  "value: {{.UNCLOSED",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			got := ExpandEnv([]byte(tt.input))
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestExpandEnvYAMLRoundTrip(t *testing.T) {
	t.Setenv("TEST_DB_PASSWORD", "p@ss=word")

	input := []byte("database:\n  password: {{.TEST_DB_PASSWORD}}\n")
	expanded := ExpandEnv(input)

	var cfg Config
	err := yaml.Unmarshal(expanded, &cfg)
	assert.NoError(t, err)
	assert.Equal(t, "p@ss=word", cfg.Database.Password)
}
