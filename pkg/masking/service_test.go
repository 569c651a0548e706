package masking

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caphub/caphub/pkg/config"
)

func TestServiceMasksString(t *testing.T) {
	svc := NewService(&config.MaskingConfig{PatternGroup: "secrets"})

	masked := svc.MaskString(`connecting with api_key: "sk-abcdefghij1234567890"`)
	assert.Contains(t, masked, "__MASKED_API_KEY__")
	assert.NotContains(t, masked, "sk-abcdefghij1234567890")

	// Email is in the security group, not secrets.
	unchanged := svc.MaskString("contact ops@example.com")
	assert.Equal(t, "contact ops@example.com", unchanged)
}

func TestServiceDisabled(t *testing.T) {
	svc := NewService(&config.MaskingConfig{Disabled: true, PatternGroup: "all"})

	assert.False(t, svc.Enabled())
	input := `password: "hunter2secret"`
	assert.Equal(t, input, svc.MaskString(input))
}

func TestServiceDefaultsWhenNil(t *testing.T) {
	svc := NewService(nil)

	require.True(t, svc.Enabled())
	masked := svc.MaskString(`token = eyJhbGciOiJIUzI1NiIsInR5cCI6IkpXVCJ9`)
	assert.Contains(t, masked, "__MASKED_TOKEN__")
}

func TestServiceCustomPatterns(t *testing.T) {
	svc := NewService(&config.MaskingConfig{
		PatternGroup: "basic",
		CustomPatterns: []config.MaskingPattern{
			{Pattern: `ACME-[0-9]{8}`, Replacement: "__MASKED_ACME__"},
			{Pattern: `[invalid`, Replacement: "never"},
		},
	})

	masked := svc.MaskString("ticket ACME-12345678 opened")
	assert.Equal(t, "ticket __MASKED_ACME__ opened", masked)
}

func TestServiceUnknownGroup(t *testing.T) {
	svc := NewService(&config.MaskingConfig{PatternGroup: "ghost"})

	// No active patterns means masking is a no-op.
	assert.False(t, svc.Enabled())
	input := `api_key: "sk-abcdefghij1234567890"`
	assert.Equal(t, input, svc.MaskString(input))
}

func TestServiceMaskMap(t *testing.T) {
	svc := NewService(&config.MaskingConfig{PatternGroup: "secrets"})

	input := map[string]any{
		"user":    "alice",
		"Api-Key": "sk-live-1234",
		"count":   3,
		"nested": map[string]any{
			"password": "hunter2secret",
			"note":     `token = eyJhbGciOiJIUzI1NiIsInR5cCI6IkpXVCJ9`,
		},
		"items": []any{
			map[string]any{"authorization": "Bearer abc"},
			"plain",
		},
	}

	masked := svc.MaskMap(input)

	assert.Equal(t, "alice", masked["user"])
	assert.Equal(t, "__MASKED_SECRET__", masked["Api-Key"])
	assert.Equal(t, 3, masked["count"])

	nested, ok := masked["nested"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "__MASKED_SECRET__", nested["password"])
	assert.Contains(t, nested["note"], "__MASKED_TOKEN__")

	items, ok := masked["items"].([]any)
	require.True(t, ok)
	first, ok := items[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "__MASKED_SECRET__", first["authorization"])
	assert.Equal(t, "plain", items[1])

	// The original map is left untouched.
	assert.Equal(t, "sk-live-1234", input["Api-Key"])
	assert.Equal(t, "hunter2secret", input["nested"].(map[string]any)["password"])
}

func TestServiceMaskMapNil(t *testing.T) {
	svc := NewService(&config.MaskingConfig{PatternGroup: "secrets"})
	assert.Nil(t, svc.MaskMap(nil))
}

func TestSensitiveKeyNormalization(t *testing.T) {
	tests := []struct {
		key  string
		want bool
	}{
		{"password", true},
		{"PASSWORD", true},
		{"Api-Key", true},
		{"api_key", true},
		{"access_token", true},
		{"AWS_SECRET_ACCESS_KEY", true},
		{"user", false},
		{"description", false},
		{"token_count", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, sensitiveKey(tt.key), "key %q", tt.key)
	}
}
