// Package masking redacts secret-shaped values from run-input context maps
// and event payloads before they are persisted or logged.
package masking

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/caphub/caphub/pkg/config"
)

// Service applies secret masking. Created once at startup; thread-safe and
// stateless aside from compiled patterns.
type Service struct {
	enabled bool
	group   string
	active  []*CompiledPattern
}

// NewService compiles the configured pattern group plus any custom patterns.
// All compilation happens eagerly; invalid patterns are logged and skipped.
func NewService(cfg *config.MaskingConfig) *Service {
	if cfg == nil {
		cfg = config.DefaultMaskingConfig()
	}
	s := &Service{enabled: cfg.Enabled(), group: cfg.PatternGroup}

	names, ok := patternGroups[cfg.PatternGroup]
	if !ok && cfg.PatternGroup != "" {
		slog.Warn("Unknown masking pattern group, no builtin patterns active",
			"pattern_group", cfg.PatternGroup)
	}
	for _, name := range names {
		raw, ok := builtinPatterns[name]
		if !ok {
			continue
		}
		compiled, err := regexp.Compile(raw.pattern)
		if err != nil {
			slog.Error("Failed to compile builtin masking pattern, skipping",
				"pattern", name, "error", err)
			continue
		}
		s.active = append(s.active, &CompiledPattern{
			Name:        name,
			Regex:       compiled,
			Replacement: raw.replacement,
			Description: raw.description,
		})
	}

	for i, custom := range cfg.CustomPatterns {
		name := fmt.Sprintf("custom:%d", i)
		compiled, err := regexp.Compile(custom.Pattern)
		if err != nil {
			slog.Error("Failed to compile custom masking pattern, skipping",
				"pattern", name, "error", err)
			continue
		}
		s.active = append(s.active, &CompiledPattern{
			Name:        name,
			Regex:       compiled,
			Replacement: custom.Replacement,
			Description: custom.Description,
		})
	}

	slog.Info("Masking service initialized",
		"enabled", s.enabled,
		"pattern_group", cfg.PatternGroup,
		"patterns", len(s.active))
	return s
}

// Enabled reports whether masking is active. Callers may skip marshaling work
// when it is off.
func (s *Service) Enabled() bool {
	return s.enabled && len(s.active) > 0
}

// MaskString applies the active regex patterns to free text, such as a
// serialized event payload or a log fragment.
func (s *Service) MaskString(content string) string {
	if !s.Enabled() || content == "" {
		return content
	}
	masked := content
	for _, p := range s.active {
		masked = p.Regex.ReplaceAllString(masked, p.Replacement)
	}
	return masked
}

// MaskMap returns a masked deep copy of a context map. Two phases: values
// under secret-shaped keys are replaced wholesale, then every remaining
// string gets the regex sweep. The input map is never mutated.
func (s *Service) MaskMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	if !s.Enabled() {
		return m
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if str, ok := v.(string); ok && sensitiveKey(k) && str != "" {
			out[k] = "__MASKED_SECRET__"
			continue
		}
		out[k] = s.maskValue(v)
	}
	return out
}

func (s *Service) maskValue(v any) any {
	switch val := v.(type) {
	case string:
		return s.MaskString(val)
	case map[string]any:
		return s.MaskMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = s.maskValue(item)
		}
		return out
	default:
		return v
	}
}

// sensitiveKeys are map keys whose string values are masked regardless of
// shape. Keys are compared lowercased with separators removed, so
// "API-Key", "api_key" and "apikey" all match.
var sensitiveKeys = map[string]struct{}{
	"password":        {},
	"passwd":          {},
	"pwd":             {},
	"secret":          {},
	"secretkey":       {},
	"apikey":          {},
	"token":           {},
	"accesstoken":     {},
	"refreshtoken":    {},
	"authorization":   {},
	"bearer":          {},
	"privatekey":      {},
	"credential":      {},
	"credentials":     {},
	"accesskeyid":     {},
	"secretaccesskey": {},
}

func sensitiveKey(k string) bool {
	normalized := strings.ToLower(k)
	normalized = strings.ReplaceAll(normalized, "_", "")
	normalized = strings.ReplaceAll(normalized, "-", "")
	_, ok := sensitiveKeys[normalized]
	return ok
}
