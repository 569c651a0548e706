package tools

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ParseArguments turns the raw argument payload of a tool call into a
// parameter map. Providers emit JSON objects, but models drift, so parsing
// cascades:
//
//  1. JSON object
//  2. other JSON values, wrapped as {"input": value}
//  3. YAML, accepted only when it carries nested structure
//  4. "key: value" or "key=value" pairs split on commas and newlines
//  5. the raw string, wrapped as {"input": raw}
//
// Empty input yields an empty map for tools without parameters.
func ParseArguments(raw string) map[string]any {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}
	}
	if args, ok := argsFromJSON(raw); ok {
		return args
	}
	if args, ok := argsFromYAML(raw); ok {
		return args
	}
	if args, ok := argsFromPairs(raw); ok {
		return args
	}
	return map[string]any{"input": raw}
}

func argsFromJSON(raw string) (map[string]any, bool) {
	// First byte has to plausibly start a JSON value, otherwise plain text
	// like "true north" would be half-parsed.
	b := raw[0]
	switch {
	case b == '{' || b == '[' || b == '"' || b == '-' || b == 't' || b == 'f' || b == 'n':
	case b >= '0' && b <= '9':
	default:
		return nil, false
	}

	var value any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return nil, false
	}
	if m, ok := value.(map[string]any); ok {
		return m, true
	}
	return map[string]any{"input": value}, true
}

// argsFromYAML accepts YAML only when some value is a list or nested map.
// Flat "key: value" lines go through the pair parser so that prose with a
// colon does not masquerade as YAML.
func argsFromYAML(raw string) (map[string]any, bool) {
	var m map[string]any
	if err := yaml.Unmarshal([]byte(raw), &m); err != nil || len(m) == 0 {
		return nil, false
	}
	for _, v := range m {
		switch v.(type) {
		case []any, map[string]any:
			return m, true
		}
	}
	return nil, false
}

func argsFromPairs(raw string) (map[string]any, bool) {
	normalized := strings.ReplaceAll(raw, "\n", ",")
	args := make(map[string]any)
	for _, part := range strings.Split(normalized, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, ok := splitPair(part)
		if !ok {
			// One malformed part rejects the lot; the raw fallback keeps
			// the text intact.
			return nil, false
		}
		args[key] = coerceScalar(value)
	}
	if len(args) == 0 {
		return nil, false
	}
	return args, true
}

func splitPair(part string) (string, string, bool) {
	for _, sep := range []string{":", "="} {
		idx := strings.Index(part, sep)
		if idx <= 0 {
			continue
		}
		key := strings.TrimSpace(part[:idx])
		if key == "" || strings.Contains(key, " ") {
			continue
		}
		return key, strings.TrimSpace(part[idx+1:]), true
	}
	return "", "", false
}

// coerceScalar maps string values onto JSON-compatible Go types.
func coerceScalar(s string) any {
	switch strings.ToLower(s) {
	case "true":
		return true
	case "false":
		return false
	case "null", "none":
		return nil
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
		return f
	}
	return s
}
