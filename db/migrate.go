package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/postgres/*.sql migrations/sqlite3/*.sql
var migrationFS embed.FS

// newMigrator builds a migrate instance over the embedded files for the dialect.
// Callers must call release instead of m.Close: closing the driver would close
// the shared *sql.DB.
func newMigrator(db *sql.DB, dialect Dialect) (m *migrate.Migrate, release func(), err error) {
	src, err := iofs.New(migrationFS, "migrations/"+string(dialect))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}

	release = func() { _ = src.Close() }
	var driver database.Driver
	switch dialect {
	case SQLite:
		driver, err = sqlite3.WithInstance(db, &sqlite3.Config{})
	default:
		// A dedicated connection carries the advisory lock; hand it back to the pool when done.
		var conn *sql.Conn
		conn, err = db.Conn(context.Background())
		if err != nil {
			release()
			return nil, nil, fmt.Errorf("failed to acquire connection: %w", err)
		}
		release = func() {
			_ = src.Close()
			_ = conn.Close()
		}
		driver, err = postgres.WithConnection(context.Background(), conn, &postgres.Config{})
	}
	if err != nil {
		release()
		return nil, nil, fmt.Errorf("failed to create %s driver: %w", dialect, err)
	}

	m, err = migrate.NewWithInstance("iofs", src, string(dialect), driver)
	if err != nil {
		release()
		return nil, nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	return m, release, nil
}

// RunMigrations applies all pending versioned migrations. It is idempotent.
//
// Migration files live in db/migrations/<dialect>/ and follow the naming convention:
//
//	000001_description.up.sql   - applies the migration
//	000001_description.down.sql - reverts the migration
func RunMigrations(d *DB) error {
	m, release, err := newMigrator(d.DB, d.Dialect)
	if err != nil {
		return err
	}
	defer release()

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			slog.Info("database schema is up to date", slog.String("component", "db_migrate"))
			return nil
		}
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil {
		slog.Warn("could not determine migration version", slog.Any("error", err), slog.String("component", "db_migrate"))
		return nil
	}
	if dirty {
		return fmt.Errorf("database is in dirty state at version %d - manual intervention required", version)
	}

	slog.Info("migrations applied successfully",
		slog.Uint64("version", uint64(version)),
		slog.String("dialect", string(d.Dialect)),
		slog.String("component", "db_migrate"))
	return nil
}

// MigrateDown rolls back the most recent migration.
// Only for development or emergency rollback; it may drop data.
func MigrateDown(d *DB) error {
	m, release, err := newMigrator(d.DB, d.Dialect)
	if err != nil {
		return err
	}
	defer release()

	if err := m.Steps(-1); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			slog.Info("no migrations to roll back", slog.String("component", "db_migrate"))
			return nil
		}
		return fmt.Errorf("failed to roll back migration: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil {
		// Version() errors once every migration has been rolled back
		slog.Info("rolled back to no migrations", slog.String("component", "db_migrate"))
		return nil
	}
	if dirty {
		return fmt.Errorf("database is in dirty state at version %d after rollback - manual intervention required", version)
	}

	slog.Info("migration rolled back successfully",
		slog.Uint64("version", uint64(version)),
		slog.String("component", "db_migrate"))
	return nil
}

// GetMigrationVersion returns the current migration version and dirty state.
// A database with no applied migrations reports version 0.
func GetMigrationVersion(d *DB) (version uint, dirty bool, err error) {
	m, release, err := newMigrator(d.DB, d.Dialect)
	if err != nil {
		return 0, false, err
	}
	defer release()

	v, dirty, err := m.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to get migration version: %w", err)
	}
	return v, dirty, nil
}
