package main

import (
	"errors"
	"fmt"

	"github.com/bibliostore/srs/internal/config"
	"github.com/bibliostore/srs/internal/storage"
)

var (
	// ErrEmptyDatabaseURL is returned when DATABASE_URL is not set.
	ErrEmptyDatabaseURL = errors.New("DATABASE_URL cannot be empty")

	// ErrEmptyMigrationTable is returned when MIGRATION_TABLE is set to an empty name.
	ErrEmptyMigrationTable = errors.New("MIGRATION_TABLE cannot be empty")
)

// Config holds all configuration for the migration tool.
type Config struct {
	// DatabaseURL is the PostgreSQL connection string
	DatabaseURL string

	// MigrationTable is the name of the table to track migrations
	MigrationTable string
}

// LoadConfig loads configuration from environment variables with sensible defaults.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		DatabaseURL:    config.GetEnvStr("DATABASE_URL", ""),
		MigrationTable: config.GetEnvStr("MIGRATION_TABLE", "schema_migrations"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return ErrEmptyDatabaseURL
	}

	if c.MigrationTable == "" {
		return ErrEmptyMigrationTable
	}

	return nil
}

// MaskedDatabaseURL returns the database url with its password masked, safe for logging.
func (c *Config) MaskedDatabaseURL() string {
	return storage.NewConfig(c.DatabaseURL).MaskDatabaseURL()
}
