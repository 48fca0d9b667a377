package testutil

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/onnwee/spotlink/db"
)

// SetupTestDB connects to TEST_PG_DSN and runs migrations.
// It skips the test if TEST_PG_DSN is not set.
func SetupTestDB(t *testing.T) *db.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	return setup(t, dsn)
}

// SetupSQLite creates a migrated SQLite database in a temp dir. It never skips.
func SetupSQLite(t *testing.T) *db.DB {
	t.Helper()
	return setup(t, filepath.Join(t.TempDir(), "spotlink.db"))
}

func setup(t *testing.T, dsn string) *db.DB {
	t.Helper()
	database, err := db.Connect(context.Background(), dsn)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.RunMigrations(database); err != nil {
		database.Close()
		t.Fatalf("failed to run migrations: %v", err)
	}
	t.Cleanup(func() {
		database.Close()
	})
	return database
}
