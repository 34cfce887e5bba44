package main

import (
	"errors"
	"testing"
	"testing/fstest"
)

func migrationFS(names ...string) fstest.MapFS {
	fsys := fstest.MapFS{}

	for _, name := range names {
		fsys[name] = &fstest.MapFile{Data: []byte("-- " + name + "\nSELECT 1;\n")}
	}

	return fsys
}

func TestLoadMigrations(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name         string
		fsys         fstest.MapFS
		wantErr      error
		wantVersions []int
	}{
		{
			name: "valid sequence",
			fsys: migrationFS(
				"001_initial_schema.up.sql", "001_initial_schema.down.sql",
				"002_event_idempotency.up.sql", "002_event_idempotency.down.sql",
				"README.md",
			),
			wantVersions: []int{1, 2},
		},
		{
			name: "gap in versions",
			fsys: migrationFS(
				"001_initial_schema.up.sql", "001_initial_schema.down.sql",
				"003_later.up.sql", "003_later.down.sql",
			),
			wantErr: ErrInvalidMigration,
		},
		{
			name:    "up without down",
			fsys:    migrationFS("001_initial_schema.up.sql"),
			wantErr: ErrInvalidMigration,
		},
		{
			name:    "down without up",
			fsys:    migrationFS("001_initial_schema.down.sql"),
			wantErr: ErrInvalidMigration,
		},
		{
			name: "conflicting names for one version",
			fsys: migrationFS(
				"001_initial_schema.up.sql", "001_initial_schema.down.sql",
				"001_other.up.sql", "001_other.down.sql",
			),
			wantErr: ErrInvalidMigration,
		},
		{
			name:    "no migrations",
			fsys:    migrationFS("notes.txt"),
			wantErr: ErrNoMigrations,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			set, err := LoadMigrations(tt.fsys)

			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Expected error %v, got %v", tt.wantErr, err)
				}

				return
			}

			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}

			migrations := set.Migrations()
			if len(migrations) != len(tt.wantVersions) {
				t.Fatalf("Expected %d migrations, got %d", len(tt.wantVersions), len(migrations))
			}

			for i, m := range migrations {
				if m.Version != tt.wantVersions[i] {
					t.Errorf("Expected version %d at %d, got %d", tt.wantVersions[i], i, m.Version)
				}

				if m.Checksum == "" {
					t.Errorf("Expected checksum for %03d_%s", m.Version, m.Name)
				}
			}
		})
	}
}

func TestMigrationSetPending(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	set, err := LoadMigrations(migrationFS(
		"001_a.up.sql", "001_a.down.sql",
		"002_b.up.sql", "002_b.down.sql",
		"003_c.up.sql", "003_c.down.sql",
	))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if set.Latest() != 3 {
		t.Errorf("Expected latest version 3, got %d", set.Latest())
	}

	pendingCounts := map[int]int{0: 3, 1: 2, 3: 0, 5: 0}

	for version, want := range pendingCounts {
		if got := len(set.Pending(version)); got != want {
			t.Errorf("Expected %d pending after v%03d, got %d", want, version, got)
		}
	}

	if pending := set.Pending(1); pending[0].Name != "b" {
		t.Errorf("Expected first pending migration b, got %s", pending[0].Name)
	}
}

func TestEmbeddedMigrations(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	set, err := LoadMigrations(nil)
	if err != nil {
		t.Fatalf("Embedded migrations must form a valid set: %v", err)
	}

	if set.Latest() < 2 {
		t.Errorf("Expected at least two embedded migrations, got %d", set.Latest())
	}

	if set.Migrations()[0].Name != "initial_schema" {
		t.Errorf("Expected first migration initial_schema, got %s", set.Migrations()[0].Name)
	}
}
