// Package config provides configuration and shared test utilities for the source record storage service.
package config

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file" // used to run migrations using source files
)

const (
	occurrenceCount      = 2
	startUpTimeOut       = 120 * time.Second
	defaultPostgresImage = "postgres:16-alpine"
)

// ErrMigrationsNotFound is returned when no migrations directory exists above the working directory.
var ErrMigrationsNotFound = errors.New("migrations directory not found")

// TestDatabase encapsulates test database resources for cleanup.
// Used by integration tests across multiple packages to maintain consistent test infrastructure.
type TestDatabase struct {
	Container        *postgres.PostgresContainer
	Connection       *sql.DB
	ConnectionString string
}

// SetupTestDatabase starts a PostgreSQL container and applies the service schema.
//
// Usage:
//
//	testDB := config.SetupTestDatabase(ctx, t)
//	t.Cleanup(func() {
//		_ = testDB.Connection.Close()
//		_ = testcontainers.TerminateContainer(testDB.Container)
//	})
//
// The image defaults to postgres:16-alpine and can be overridden with SRS_TEST_POSTGRES_IMAGE.
// Cleanup is the caller's responsibility using t.Cleanup().
func SetupTestDatabase(ctx context.Context, t *testing.T) *TestDatabase {
	t.Helper()

	pgContainer, err := postgres.Run(ctx,
		GetEnvStr("SRS_TEST_POSTGRES_IMAGE", defaultPostgresImage),
		postgres.WithDatabase("srs_test"),
		postgres.WithUsername("srs"),
		postgres.WithPassword("srs"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(occurrenceCount).
				WithStartupTimeout(startUpTimeOut),
		),
	)
	require.NoError(t, err, "Failed to start postgres container")
	require.NotNil(t, pgContainer, "postgres container is nil")

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err, "Failed to get connection string")

	conn, err := sql.Open("postgres", connStr)
	require.NoError(t, err, "Failed to open database")

	if err := RunTestMigrations(conn); err != nil {
		_ = conn.Close()
		_ = testcontainers.TerminateContainer(pgContainer)

		t.Fatalf("Failed to run migrations: %v", err)
	}

	return &TestDatabase{
		Container:        pgContainer,
		Connection:       conn,
		ConnectionString: connStr,
	}
}

// RunTestMigrations applies the SQL migrations of the repository to db.
// The migrations directory is located by walking up from the working directory of the test binary,
// so callers may live at any package depth.
func RunTestMigrations(db *sql.DB) error {
	dir, err := findMigrationsDir()
	if err != nil {
		return err
	}

	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return err
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+filepath.ToSlash(dir), "postgres", driver)
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations from %s: %w", dir, err)
	}

	return nil
}

// findMigrationsDir returns the migrations directory next to the closest go.mod above the working directory.
func findMigrationsDir() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			migrations := filepath.Join(dir, "migrations")
			if info, err := os.Stat(migrations); err == nil && info.IsDir() {
				return migrations, nil
			}

			return "", fmt.Errorf("%w: no migrations/ next to %s", ErrMigrationsNotFound, dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", ErrMigrationsNotFound
		}

		dir = parent
	}
}

// TruncateTables empties the given tables so subtests sharing one container start from a clean slate.
// Child tables are removed through CASCADE.
func TruncateTables(ctx context.Context, t *testing.T, db *sql.DB, tables ...string) {
	t.Helper()

	if len(tables) == 0 {
		return
	}

	_, err := db.ExecContext(ctx, "TRUNCATE TABLE "+strings.Join(tables, ", ")+" CASCADE")
	require.NoError(t, err, "Failed to truncate tables")
}
