// Package testutil provides database helpers for integration tests.
//
// Tests that need Postgres call OpenTestDB, which skips unless a
// POSTGRES_URL is provided. CI can instead build with -tags integration
// and use StartPostgres to launch a throwaway container.
package testutil

import (
	"database/sql"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
)

// OpenTestDB connects to the database named by POSTGRES_URL, applies all
// migrations, and wipes the tables. Skips the test when unset.
func OpenTestDB(t *testing.T) *sql.DB {
	t.Helper()

	dsn := os.Getenv("POSTGRES_URL")
	if dsn == "" {
		t.Skip("POSTGRES_URL not set, skipping integration test")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	if err := db.Ping(); err != nil {
		t.Fatalf("Failed to connect to database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	MigrateUp(t, db)
	TruncateAll(t, db)
	return db
}

// MigrateUp applies all goose migrations from the repository's
// migrations directory.
func MigrateUp(t *testing.T, db *sql.DB) {
	t.Helper()
	if err := goose.SetDialect("postgres"); err != nil {
		t.Fatalf("Failed to set goose dialect: %v", err)
	}
	if err := goose.Up(db, migrationsDir()); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}
}

// TruncateAll empties every application table between tests.
func TruncateAll(t *testing.T, db *sql.DB) {
	t.Helper()
	_, err := db.Exec(`TRUNCATE disputes, verification_tasks, payments,
		escrow_ledgers, settlements, audit_events, transactions CASCADE`)
	if err != nil {
		t.Fatalf("Failed to truncate tables: %v", err)
	}
}

func migrationsDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "..", "..", "migrations")
}
