package config

import (
	"bytes"
	"os"
	"strings"
	"text/template"
)

// ExpandEnv expands environment variables in YAML content using Go templates.
// Uses {{.VAR_NAME}} syntax so that literal $ characters survive untouched.
// Handler routing patterns are regexes and regularly contain $ anchors
// ("^analyze.*$"); classic ${VAR} expansion would mangle them.
//
// Examples:
//   - {{.ANTHROPIC_API_KEY}} → value of ANTHROPIC_API_KEY
//   - {{.DB_HOST}}:{{.DB_PORT}} → hostname:port with both expanded
//   - pattern: "^(approve|reject)$" → preserved literally
//
// Missing variables expand to an empty string; validation catches required
// fields left empty. Malformed templates pass through unchanged so the YAML
// parser can produce its own, clearer error.
func ExpandEnv(data []byte) []byte {
	tmpl, err := template.New("caphub").Option("missingkey=zero").Parse(string(data))
	if err != nil {
		return data
	}

	env := make(map[string]string)
	for _, kv := range os.Environ() {
		// Split on the first = only; values may contain =.
		if key, value, ok := strings.Cut(kv, "="); ok && key != "" {
			env[key] = value
		}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, env); err != nil {
		return data
	}
	return buf.Bytes()
}
