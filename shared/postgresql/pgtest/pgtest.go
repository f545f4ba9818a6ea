// Package pgtest provides a migrated PostgreSQL database for integration tests.
//
// EXPORT_TEST_DATABASE_DSN selects an existing database, which is how CI runs
// the suite against its postgres service. Without it a postgres container is
// started once per test binary. Tests are skipped when neither is available.
package pgtest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	pgmodule "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// DSNEnv names the variable holding an existing test database
const DSNEnv = "EXPORT_TEST_DATABASE_DSN"

var (
	once     sync.Once
	dsn      string
	setupErr error
)

// Open returns a connection to a database with migrations/001_init.sql applied.
// Tests share the database, so they must use unique group and job ids.
func Open(t *testing.T) *sqlx.DB {
	t.Helper()

	once.Do(func() {
		dsn, setupErr = resolveDSN()
	})
	if setupErr != nil {
		t.Skipf("postgres unavailable: %v", setupErr)
	}

	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		t.Fatalf("connect test database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	return db
}

func resolveDSN() (string, error) {
	migration, err := os.ReadFile(migrationPath())
	if err != nil {
		return "", fmt.Errorf("read migration: %w", err)
	}

	if existing := os.Getenv(DSNEnv); existing != "" {
		if err := migrate(existing, string(migration)); err != nil {
			return "", err
		}
		return existing, nil
	}

	ctx := context.Background()
	container, err := pgmodule.Run(ctx,
		"postgres:16-alpine",
		pgmodule.WithDatabase("export_test"),
		pgmodule.WithUsername("test"),
		pgmodule.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		return "", fmt.Errorf("start postgres container: %w", err)
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		return "", fmt.Errorf("get connection string: %w", err)
	}

	if err := migrate(connStr, string(migration)); err != nil {
		return "", err
	}
	return connStr, nil
}

func migrate(dsn, migration string) error {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer db.Close()

	if _, err := db.Exec(migration); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

func migrationPath() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "..", "..", "..", "migrations", "001_init.sql")
}
