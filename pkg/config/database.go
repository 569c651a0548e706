package config

import (
	"fmt"
	"time"
)

// DatabaseConfig holds PostgreSQL connection settings. A full URL takes
// precedence over the discrete fields; both feed pgxpool.ParseConfig.
type DatabaseConfig struct {
	// URL is a complete connection string (postgres://...). When set it
	// overrides the discrete fields below. Typically injected via
	// {{.DATABASE_URL}} or the DATABASE_URL environment override.
	URL string `yaml:"url"`

	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`

	// Connection pool settings.
	MaxConns        int32    `yaml:"max_conns"`
	MinConns        int32    `yaml:"min_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime Duration `yaml:"conn_max_idle_time"`
}

// DSN returns a pgx-compatible connection string.
func (d *DatabaseConfig) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Database, d.SSLMode,
	)
}

// DefaultDatabaseConfig returns the built-in database defaults.
func DefaultDatabaseConfig() *DatabaseConfig {
	return &DatabaseConfig{
		Host:            "localhost",
		Port:            5432,
		User:            "caphub",
		Database:        "caphub",
		SSLMode:         "disable",
		MaxConns:        10,
		MinConns:        2,
		ConnMaxLifetime: Duration(30 * time.Minute),
		ConnMaxIdleTime: Duration(5 * time.Minute),
	}
}
