// Package config loads, merges, and validates CapHub configuration.
//
// Configuration comes from three layers, lowest priority first:
//  1. Built-in defaults (Default)
//  2. caphub.yaml in the config directory, with {{.ENV_VAR}} expansion
//  3. Process environment overrides for the operational knobs
package config

import "fmt"

// Config is the root configuration for a CapHub process.
type Config struct {
	Server     *ServerConfig     `yaml:"server"`
	Database   *DatabaseConfig   `yaml:"database"`
	Queue      *QueueConfig      `yaml:"queue"`
	Executor   *ExecutorConfig   `yaml:"executor"`
	Routing    *RoutingConfig    `yaml:"routing"`
	Health     *HealthConfig     `yaml:"health"`
	Threads    *ThreadsConfig    `yaml:"threads"`
	Interrupts *InterruptsConfig `yaml:"interrupts"`
	Events     *EventsConfig     `yaml:"events"`
	Retention  *RetentionConfig  `yaml:"retention"`
	LLM        *LLMConfig        `yaml:"llm"`
	Retrieval  *RetrievalConfig  `yaml:"retrieval"`
	Notifier   *NotifierConfig   `yaml:"notifier"`
	Masking    *MaskingConfig    `yaml:"masking"`

	configDir string
}

// ConfigDir returns the directory the configuration was loaded from.
func (c *Config) ConfigDir() string {
	return c.configDir
}

// Default returns the built-in configuration. Every section is non-nil so
// callers never need nil checks after Initialize.
func Default() *Config {
	return &Config{
		Server:     DefaultServerConfig(),
		Database:   DefaultDatabaseConfig(),
		Queue:      DefaultQueueConfig(),
		Executor:   DefaultExecutorConfig(),
		Routing:    DefaultRoutingConfig(),
		Health:     DefaultHealthConfig(),
		Threads:    DefaultThreadsConfig(),
		Interrupts: DefaultInterruptsConfig(),
		Events:     DefaultEventsConfig(),
		Retention:  DefaultRetentionConfig(),
		LLM:        DefaultLLMConfig(),
		Retrieval:  DefaultRetrievalConfig(),
		Notifier:   DefaultNotifierConfig(),
		Masking:    DefaultMaskingConfig(),
	}
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	// Host is the listen address. Empty means all interfaces.
	Host string `yaml:"host"`

	// Port is the HTTP listen port.
	Port int `yaml:"port"`

	// AllowedOrigins is the CORS allow-list for browser clients.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// ReadHeaderTimeout bounds how long the server waits for request headers.
	ReadHeaderTimeout Duration `yaml:"read_header_timeout"`

	// ShutdownTimeout is the max time to drain in-flight HTTP requests.
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// Addr returns the host:port listen address.
func (s *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DefaultServerConfig returns the built-in HTTP server defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Host:              "",
		Port:              8080,
		AllowedOrigins:    []string{"http://localhost:3000"},
		ReadHeaderTimeout: Seconds(10),
		ShutdownTimeout:   Seconds(30),
	}
}
