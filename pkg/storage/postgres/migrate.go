package postgres

import (
	stdsql "database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx driver for database/sql

	"github.com/caphub/caphub/pkg/config"
)

//go:embed migrations
var migrationsFS embed.FS

// Migrate applies all pending schema migrations. Migration files are embedded
// into the binary, so production deployments apply them on startup without
// external files.
func Migrate(cfg *config.DatabaseConfig) error {
	db, err := stdsql.Open("pgx", cfg.DSN())
	if err != nil {
		return fmt.Errorf("postgres: open for migrate: %w", err)
	}
	defer func() { _ = db.Close() }()

	return MigrateDB(db, cfg.Database)
}

// MigrateDB runs migrations against an existing database/sql handle. Tests
// pass a handle whose search_path points at an isolated schema.
func MigrateDB(db *stdsql.DB, database string) error {
	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("postgres: migrate driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("postgres: migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, database, driver)
	if err != nil {
		return fmt.Errorf("postgres: migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("postgres: apply migrations: %w", err)
	}

	// Close only the source. m.Close would also close the shared *sql.DB
	// through the database driver.
	if err := source.Close(); err != nil {
		return fmt.Errorf("postgres: close migration source: %w", err)
	}
	return nil
}
