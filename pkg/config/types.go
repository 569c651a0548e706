package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from human-readable YAML.
// Accepts Go duration strings ("10s", "1m30s") and bare integers, which are
// interpreted as milliseconds to match the *_ms knobs in the HTTP API.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// Millis constructs a Duration from milliseconds.
func Millis(ms int64) Duration {
	return Duration(time.Duration(ms) * time.Millisecond)
}

// Seconds constructs a Duration from seconds.
func Seconds(s int64) Duration {
	return Duration(time.Duration(s) * time.Second)
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a scalar, got %v", value.Tag)
	}
	switch value.Tag {
	case "!!int":
		var ms int64
		if err := value.Decode(&ms); err != nil {
			return fmt.Errorf("invalid duration %q: %w", value.Value, err)
		}
		*d = Millis(ms)
		return nil
	case "!!str":
		parsed, err := time.ParseDuration(value.Value)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", value.Value, err)
		}
		*d = Duration(parsed)
		return nil
	default:
		return fmt.Errorf("duration must be a string or integer, got %s", value.Tag)
	}
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}
