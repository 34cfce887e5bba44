package main

import (
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"strconv"
)

var (
	// ErrNoMigrations is returned when the migration source holds no migration files.
	ErrNoMigrations = errors.New("no migration files found")

	// ErrInvalidMigration is returned when the migration files do not form a valid sequence.
	ErrInvalidMigration = errors.New("invalid migration set")
)

//go:embed *.sql
var embeddedMigrations embed.FS

// Migration filename format: 001_migration_name.up.sql or 001_migration_name.down.sql.
var migrationFilenameRegex = regexp.MustCompile(`^(\d{3})_([a-zA-Z0-9_]+)\.(up|down)\.sql$`)

type (
	// Migration is one schema version: a paired up and down script.
	Migration struct {
		Version  int
		Name     string
		Up       string
		Down     string
		Checksum string // sha256 of the up script
	}

	// MigrationSet is the validated, version-ordered content of a migration source.
	MigrationSet struct {
		fs         fs.FS
		migrations []Migration
	}
)

// LoadMigrations reads and validates the migrations of fsys. Pass nil for the embedded migrations.
//
// Every version must have both an up and a down script and versions must run 001, 002, ... without gaps.
// Files not matching the naming format are ignored.
func LoadMigrations(fsys fs.FS) (*MigrationSet, error) {
	if fsys == nil {
		fsys = embeddedMigrations
	}

	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	byVersion := make(map[int]*Migration)

	for _, entry := range entries {
		matches := migrationFilenameRegex.FindStringSubmatch(entry.Name())
		if entry.IsDir() || matches == nil {
			continue
		}

		version, _ := strconv.Atoi(matches[1]) // three digits by the regex

		m, ok := byVersion[version]
		if !ok {
			m = &Migration{Version: version, Name: matches[2]}
			byVersion[version] = m
		}

		if m.Name != matches[2] {
			return nil, fmt.Errorf("%w: version %03d is used by %q and %q", ErrInvalidMigration, version, m.Name, matches[2])
		}

		if matches[3] == "up" {
			content, err := fs.ReadFile(fsys, entry.Name())
			if err != nil {
				return nil, fmt.Errorf("failed to read %s: %w", entry.Name(), err)
			}

			sum := sha256.Sum256(content)
			m.Up = entry.Name()
			m.Checksum = hex.EncodeToString(sum[:])
		} else {
			m.Down = entry.Name()
		}
	}

	if len(byVersion) == 0 {
		return nil, ErrNoMigrations
	}

	set := &MigrationSet{fs: fsys, migrations: make([]Migration, 0, len(byVersion))}

	for _, m := range byVersion {
		set.migrations = append(set.migrations, *m)
	}

	sort.Slice(set.migrations, func(i, j int) bool {
		return set.migrations[i].Version < set.migrations[j].Version
	})

	for i, m := range set.migrations {
		if m.Version != i+1 {
			return nil, fmt.Errorf("%w: expected version %03d, found %03d", ErrInvalidMigration, i+1, m.Version)
		}

		if m.Up == "" || m.Down == "" {
			return nil, fmt.Errorf("%w: version %03d_%s needs both up and down scripts", ErrInvalidMigration, m.Version, m.Name)
		}
	}

	return set, nil
}

// FS returns the migration source.
func (s *MigrationSet) FS() fs.FS {
	return s.fs
}

// Migrations returns the migrations in version order.
func (s *MigrationSet) Migrations() []Migration {
	return s.migrations
}

// Latest returns the highest version in the set.
func (s *MigrationSet) Latest() int {
	return s.migrations[len(s.migrations)-1].Version
}

// Pending returns the migrations newer than version.
func (s *MigrationSet) Pending(version int) []Migration {
	idx := sort.Search(len(s.migrations), func(i int) bool {
		return s.migrations[i].Version > version
	})

	return s.migrations[idx:]
}
