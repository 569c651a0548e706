package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// ConfigFileName is the YAML file looked up inside the config directory.
const ConfigFileName = "caphub.yaml"

// Initialize loads, merges, and validates configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Read caphub.yaml from configDir (optional; defaults-only boot is legal)
//  2. Expand {{.ENV_VAR}} templates in the raw YAML
//  3. Parse YAML and merge it over the built-in defaults
//  4. Apply environment variable overrides for operational knobs
//  5. Validate everything
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}

	log.Info("Configuration initialized successfully",
		"queue_backend", cfg.Queue.Backend,
		"workers", cfg.Queue.WorkerCount,
		"llm_providers", len(cfg.LLM.Providers),
		"events_persist", cfg.Events.Persist())

	return cfg, nil
}

// load reads the YAML file (when present) and merges it over Default().
func load(_ context.Context, configDir string) (*Config, error) {
	cfg := Default()
	cfg.configDir = configDir

	path := filepath.Join(configDir, ConfigFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Warn("No configuration file, using built-in defaults", "path", path)
			return cfg, nil
		}
		return nil, NewLoadError(ConfigFileName, err)
	}

	// ExpandEnv passes original bytes through on template errors so the
	// YAML parser can produce a clearer message.
	data = ExpandEnv(data)

	var user Config
	if err := yaml.Unmarshal(data, &user); err != nil {
		return nil, NewLoadError(ConfigFileName, fmt.Errorf("%w: %v", ErrInvalidYAML, err))
	}

	if err := merge(cfg, &user); err != nil {
		return nil, NewLoadError(ConfigFileName, fmt.Errorf("merging configuration: %w", err))
	}

	return cfg, nil
}

// merge overlays user-provided sections onto the defaults. Non-zero user
// values win; everything unset keeps the built-in value. The LLM provider
// table is merged entry-wise: a user provider replaces the same-named
// built-in wholesale.
func merge(cfg, user *Config) error {
	if err := mergeSection(cfg.Server, user.Server); err != nil {
		return err
	}
	if err := mergeSection(cfg.Database, user.Database); err != nil {
		return err
	}
	if err := mergeSection(cfg.Queue, user.Queue); err != nil {
		return err
	}
	if err := mergeSection(cfg.Executor, user.Executor); err != nil {
		return err
	}
	if err := mergeSection(cfg.Routing, user.Routing); err != nil {
		return err
	}
	if err := mergeSection(cfg.Health, user.Health); err != nil {
		return err
	}
	if err := mergeSection(cfg.Threads, user.Threads); err != nil {
		return err
	}
	if err := mergeSection(cfg.Interrupts, user.Interrupts); err != nil {
		return err
	}
	if err := mergeSection(cfg.Events, user.Events); err != nil {
		return err
	}
	if err := mergeSection(cfg.Retention, user.Retention); err != nil {
		return err
	}
	if err := mergeSection(cfg.Retrieval, user.Retrieval); err != nil {
		return err
	}
	if err := mergeSection(cfg.Notifier, user.Notifier); err != nil {
		return err
	}
	if err := mergeSection(cfg.Masking, user.Masking); err != nil {
		return err
	}

	if user.LLM != nil {
		if user.LLM.DefaultProvider != "" {
			cfg.LLM.DefaultProvider = user.LLM.DefaultProvider
		}
		for name, provider := range user.LLM.Providers {
			cfg.LLM.Providers[name] = provider
		}
	}
	return nil
}

// mergeSection merges one user section into the corresponding defaults.
// A nil user section keeps the defaults untouched.
func mergeSection[T any](dst, src *T) error {
	if src == nil {
		return nil
	}
	return mergo.Merge(dst, src, mergo.WithOverride)
}

// applyEnvOverrides maps the documented operational environment variables
// onto configuration fields. Env wins over YAML.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("CAPHUB_HTTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid CAPHUB_HTTP_PORT: %w", err)
		}
		cfg.Server.Port = port
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("CAPHUB_QUEUE_BACKEND"); v != "" {
		cfg.Queue.Backend = QueueBackend(v)
	}
	if v := os.Getenv("CAPHUB_QUEUE_ENDPOINT"); v != "" {
		cfg.Queue.Endpoint = v
	}
	if v := os.Getenv("CAPHUB_POOL_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid CAPHUB_POOL_SIZE: %w", err)
		}
		cfg.Queue.WorkerCount = n
	}
	if v := os.Getenv("CAPHUB_CHECKPOINT_INTERVAL_MS"); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid CAPHUB_CHECKPOINT_INTERVAL_MS: %w", err)
		}
		cfg.Executor.CheckpointInterval = Millis(ms)
	}
	if v := os.Getenv("CAPHUB_DEFAULT_TIMEOUT_MS"); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid CAPHUB_DEFAULT_TIMEOUT_MS: %w", err)
		}
		cfg.Executor.DefaultTimeout = Millis(ms)
	}
	if v := os.Getenv("CAPHUB_MAX_TIMEOUT_MS"); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid CAPHUB_MAX_TIMEOUT_MS: %w", err)
		}
		cfg.Executor.MaxTimeout = Millis(ms)
	}
	if v := os.Getenv("CAPHUB_HEALTH_CHECK_INTERVAL_MS"); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid CAPHUB_HEALTH_CHECK_INTERVAL_MS: %w", err)
		}
		cfg.Health.ProbeInterval = Millis(ms)
	}
	if v := os.Getenv("CAPHUB_UNHEALTHY_THRESHOLD"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid CAPHUB_UNHEALTHY_THRESHOLD: %w", err)
		}
		cfg.Health.UnhealthyThreshold = n
	}
	if v := os.Getenv("CAPHUB_MIN_ROUTING_CONFIDENCE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid CAPHUB_MIN_ROUTING_CONFIDENCE: %w", err)
		}
		cfg.Routing.MinConfidence = f
	}
	if v := os.Getenv("CAPHUB_MAX_AGENTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid CAPHUB_MAX_AGENTS: %w", err)
		}
		cfg.Routing.MaxAgents = n
	}
	return nil
}

// validate performs comprehensive validation on loaded configuration.
func validate(cfg *Config) error {
	return NewValidator(cfg).ValidateAll()
}
