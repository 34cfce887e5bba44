package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindMigrationsDir(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	dir, err := findMigrationsDir()
	require.NoError(t, err)

	assert.Equal(t, "migrations", filepath.Base(dir))

	_, err = os.Stat(filepath.Join(dir, "001_initial_schema.up.sql"))
	assert.NoError(t, err, "initial schema migration should exist")

	_, err = os.Stat(filepath.Join(filepath.Dir(dir), "go.mod"))
	assert.NoError(t, err, "migrations should sit next to go.mod")
}

func TestFindMigrationsDirOutsideModule(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	t.Chdir(t.TempDir())

	_, err := findMigrationsDir()
	assert.ErrorIs(t, err, ErrMigrationsNotFound)
}
