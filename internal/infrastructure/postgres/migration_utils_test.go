//go:build integration
// +build integration

package postgres_test

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const migrationsDir = "../../../migrations"

// WipeDB drops every table in the public schema. The schema defines no
// custom types, so dropping tables is a full reset.
func WipeDB(t *testing.T, pool *pgxpool.Pool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := pool.Exec(ctx, `
		DO $$
		DECLARE
			r RECORD;
		BEGIN
			FOR r IN (SELECT tablename FROM pg_tables WHERE schemaname = 'public') LOOP
				EXECUTE 'DROP TABLE IF EXISTS ' || quote_ident(r.tablename) || ' CASCADE';
			END LOOP;
		END $$;
	`)
	if err != nil {
		t.Fatalf("wipe db: %v", err)
	}
}

// ApplyMigrations replays migrations/*.sql in lexical order. Every
// statement is idempotent, so reapplying over an existing schema is safe.
func ApplyMigrations(t *testing.T, pool *pgxpool.Pool, dir string) {
	t.Helper()

	entries, err := os.ReadDir(dir)
	if err != nil {
		abs, _ := filepath.Abs(dir)
		t.Fatalf("read migrations dir %q (abs: %q): %v", dir, abs, err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		t.Fatalf("no migration files in %q", dir)
	}
	sort.Strings(names)

	for _, name := range names {
		content, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			t.Fatalf("read migration %s: %v", name, err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		_, err = pool.Exec(ctx, string(content))
		cancel()
		if err != nil {
			t.Fatalf("apply migration %s: %v", name, err)
		}
	}
}

// TestMigrations_FreshDatabase rebuilds the schema from zero, checks the
// seed data and reapplies the migrations to prove they are rerunnable.
func TestMigrations_FreshDatabase(t *testing.T) {
	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		t.Skip("Skipping integration test: TEST_DB_DSN not set")
	}
	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer pool.Close()

	WipeDB(t, pool)
	ApplyMigrations(t, pool, migrationsDir)
	ApplyMigrations(t, pool, migrationsDir)

	ctx := context.Background()
	var types, companies int
	if err := pool.QueryRow(ctx, "SELECT count(*) FROM parcel_types").Scan(&types); err != nil {
		t.Fatalf("count parcel_types: %v", err)
	}
	if err := pool.QueryRow(ctx, "SELECT count(*) FROM companies").Scan(&companies); err != nil {
		t.Fatalf("count companies: %v", err)
	}
	if types != 3 {
		t.Fatalf("expected 3 seeded parcel types, got %d", types)
	}
	if companies != 4 {
		t.Fatalf("expected 4 seeded companies, got %d", companies)
	}
}
