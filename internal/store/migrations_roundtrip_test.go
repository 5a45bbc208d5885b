package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

// Round-trips the full migration set: up, down, up again. Catches down files
// that drift out of sync with their up counterparts.
func TestMigrationsRoundTripPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	db, err := Open(ctx, getTestDatabaseURL(t))
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	defer db.Close()

	if err := resetPublicSchema(ctx, db); err != nil {
		t.Fatalf("reset schema: %v", err)
	}

	migrationsDir := filepath.Join("..", "..", "db", "migrations")

	if err := ApplyMigrations(ctx, db, migrationsDir); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	// Re-applying must be a no-op.
	if err := ApplyMigrations(ctx, db, migrationsDir); err != nil {
		t.Fatalf("reapply: %v", err)
	}

	if err := RollbackMigrations(ctx, db, migrationsDir); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	var remaining int
	if err := db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM information_schema.tables
		WHERE table_schema='public' AND table_name <> 'schema_migrations'
	`).Scan(&remaining); err != nil {
		t.Fatalf("count tables: %v", err)
	}
	if remaining != 0 {
		t.Errorf("%d tables survived rollback", remaining)
	}

	if err := ApplyMigrations(ctx, db, migrationsDir); err != nil {
		t.Fatalf("apply after rollback: %v", err)
	}
}
