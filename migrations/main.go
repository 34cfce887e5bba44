// Package main provides the database migration CLI of the Source Record Storage service.
//
// Migrations are embedded in the binary and applied with golang-migrate, supporting
// up/down/status/drop commands without any files next to the binary.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/bibliostore/srs/internal/config"
)

// Build-time version information.
// These variables are set at build time using -ldflags.
var (
	Version   = "1.0.0-dev" // Version of the migrator
	GitCommit = "unknown"   // Git commit hash
	BuildTime = "unknown"   // Build timestamp
	name      = "migrator"  // Application name
)

// ErrUnknownCommand is returned for commands the migrator does not know.
var ErrUnknownCommand = errors.New("unknown command")

func main() {
	var (
		showHelp    = flag.Bool("help", false, "Show help information")
		showVersion = flag.Bool("version", false, "Show version information")
		assumeYes   = flag.Bool("yes", false, "Do not ask for confirmation before destructive commands")
	)

	flag.Parse()

	if *showVersion {
		fmt.Printf("%s v%s (commit %s, built %s)\n", name, Version, GitCommit, BuildTime)
		os.Exit(0)
	}

	if *showHelp || flag.NArg() < 1 {
		printUsage(os.Stdout)
		os.Exit(0)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
	}))

	if err := run(context.Background(), flag.Arg(0), *assumeYes, logger); err != nil {
		logger.Error("Migration failed", slog.String("command", flag.Arg(0)), slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, command string, assumeYes bool, logger *slog.Logger) error {
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}

	migrations, err := LoadMigrations(nil)
	if err != nil {
		return err
	}

	runner, err := NewMigrationRunner(ctx, cfg, migrations, logger)
	if err != nil {
		return err
	}

	defer func() {
		_ = runner.Close()
	}()

	confirm := func() bool {
		return assumeYes || askConfirmation(os.Stdin, os.Stdout)
	}

	return executeCommand(command, runner, os.Stdout, confirm)
}

// executeCommand runs command against runner, writing human-readable output to out.
// confirm is consulted before destructive commands.
func executeCommand(command string, runner MigrationRunner, out io.Writer, confirm func() bool) error {
	switch command {
	case "up":
		return runner.Up()
	case "down":
		return runner.Down()
	case "status", "version":
		status, err := runner.Status()
		if err != nil {
			return err
		}

		_, err = io.WriteString(out, status.Describe())

		return err
	case "drop":
		if !confirm() {
			_, err := fmt.Fprintln(out, "Operation cancelled.")

			return err
		}

		return runner.Drop()
	default:
		return fmt.Errorf("%w: %s", ErrUnknownCommand, command)
	}
}

func askConfirmation(in io.Reader, out io.Writer) bool {
	_, _ = fmt.Fprint(out, "WARNING: This will drop all tables. Are you sure? (y/N): ")

	answer, _ := bufio.NewReader(in).ReadString('\n')

	return strings.EqualFold(strings.TrimSpace(answer), "y")
}

func printUsage(out io.Writer) {
	_, _ = fmt.Fprintf(out, `%s v%s - Database Migration Tool for Source Record Storage

USAGE:
    %s [OPTIONS] COMMAND

COMMANDS:
    up      Apply all pending migrations
    down    Rollback the last migration
    status  Show the schema version and pending migrations
    drop    Drop all tables (asks for confirmation unless --yes)

OPTIONS:
    --help     Show this help message
    --version  Show version information
    --yes      Skip confirmation of destructive commands

ENVIRONMENT VARIABLES:
    DATABASE_URL    PostgreSQL connection string (REQUIRED)
    MIGRATION_TABLE Name of migration tracking table (default: schema_migrations)
    LOG_LEVEL       debug, info, warn or error (default: info)
`, name, Version, name)
}
