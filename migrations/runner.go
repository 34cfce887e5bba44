package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	_ "github.com/lib/pq" // PostgreSQL driver
)

type (
	// MigrationRunner applies and inspects schema migrations.
	MigrationRunner interface {
		Up() error
		Down() error
		Status() (*SchemaStatus, error)
		Drop() error
		Close() error
	}

	// SchemaStatus describes the database schema relative to the migrations this binary carries.
	SchemaStatus struct {
		Version int // 0 when no migration was applied
		Dirty   bool
		Latest  int
		Pending []Migration
	}

	// Runner implements MigrationRunner using golang-migrate over an embedded migration source.
	Runner struct {
		migrate    *migrate.Migrate
		db         *sql.DB
		migrations *MigrationSet
		logger     *slog.Logger
	}

	// migrateLogger forwards golang-migrate output to slog.
	migrateLogger struct {
		logger *slog.Logger
	}
)

var (
	_ MigrationRunner = (*Runner)(nil)
	_ migrate.Logger  = (*migrateLogger)(nil)
)

// NewMigrationRunner connects to the database and prepares golang-migrate to apply migrations.
func NewMigrationRunner(ctx context.Context, cfg *Config, migrations *MigrationSet, logger *slog.Logger) (*Runner, error) {
	logger.Info("Initializing migration runner",
		slog.String("database_url", cfg.MaskedDatabaseURL()),
		slog.String("migration_table", cfg.MigrationTable),
		slog.Int("embedded_latest_version", migrations.Latest()),
	)

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: cfg.MigrationTable})
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to create postgres driver: %w", err)
	}

	source, err := iofs.New(migrations.FS(), ".")
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}

	m.Log = &migrateLogger{logger: logger}

	return &Runner{migrate: m, db: db, migrations: migrations, logger: logger}, nil
}

// Up applies all pending migrations.
func (r *Runner) Up() error {
	err := r.migrate.Up()

	switch {
	case errors.Is(err, migrate.ErrNoChange):
		r.logger.Info("No new migrations to apply")
	case err != nil:
		return fmt.Errorf("migration up failed: %w", err)
	default:
		r.logger.Info("All migrations applied successfully", slog.Int("version", r.migrations.Latest()))
	}

	return nil
}

// Down rolls back the last applied migration.
func (r *Runner) Down() error {
	err := r.migrate.Steps(-1)

	// Steps reports os.ErrNotExist when no migration was applied yet.
	switch {
	case errors.Is(err, migrate.ErrNoChange), errors.Is(err, os.ErrNotExist):
		r.logger.Info("No migrations to rollback")
	case err != nil:
		return fmt.Errorf("migration down failed: %w", err)
	default:
		r.logger.Info("Last migration rolled back successfully")
	}

	return nil
}

// Status reports the applied version and the embedded migrations still pending.
func (r *Runner) Status() (*SchemaStatus, error) {
	status := &SchemaStatus{Latest: r.migrations.Latest()}

	ver, dirty, err := r.migrate.Version()

	switch {
	case errors.Is(err, migrate.ErrNilVersion):
	case err != nil:
		return nil, fmt.Errorf("failed to get migration version: %w", err)
	default:
		status.Version = int(ver) //nolint:gosec // versions are three digit numbers
		status.Dirty = dirty
	}

	status.Pending = r.migrations.Pending(status.Version)

	return status, nil
}

// Drop drops every table of the database.
func (r *Runner) Drop() error {
	r.logger.Warn("Dropping all tables")

	if err := r.migrate.Drop(); err != nil {
		return fmt.Errorf("drop operation failed: %w", err)
	}

	r.logger.Info("All tables dropped successfully")

	return nil
}

// Close closes the migrate instance and the database connection.
func (r *Runner) Close() error {
	var errs []error

	sourceErr, dbErr := r.migrate.Close()
	if sourceErr != nil {
		errs = append(errs, fmt.Errorf("source close error: %w", sourceErr))
	}

	if dbErr != nil {
		errs = append(errs, fmt.Errorf("database close error: %w", dbErr))
	}

	if err := r.db.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
		errs = append(errs, fmt.Errorf("database connection close error: %w", err))
	}

	return errors.Join(errs...)
}

// Describe renders status for humans.
func (s *SchemaStatus) Describe() string {
	var b strings.Builder

	fmt.Fprintf(&b, "Database schema: v%03d", s.Version)

	if s.Dirty {
		b.WriteString(" (dirty, needs manual intervention)")
	}

	fmt.Fprintf(&b, "\nMigrator supports: v%03d\n", s.Latest)

	switch {
	case s.Version > s.Latest:
		fmt.Fprintf(&b, "Database schema is newer than this migrator; update the migrator to handle v%03d\n", s.Version)
	case len(s.Pending) == 0:
		b.WriteString("Up to date\n")
	default:
		fmt.Fprintf(&b, "%d migration(s) pending:\n", len(s.Pending))

		for _, m := range s.Pending {
			fmt.Fprintf(&b, "  %03d_%s\n", m.Version, m.Name)
		}
	}

	return b.String()
}

func (l *migrateLogger) Printf(format string, v ...any) {
	l.logger.Info(strings.TrimSpace(fmt.Sprintf(format, v...)), slog.String("component", "migrate"))
}

func (l *migrateLogger) Verbose() bool {
	return l.logger.Enabled(context.Background(), slog.LevelDebug)
}
