package db

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeMigrationFile(t *testing.T, dir, name, sql string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(sql), 0o644))
}

// TestLoadMigrations tests discovery, ordering and filtering of migration files
func TestLoadMigrations(t *testing.T) {
	dir := t.TempDir()
	writeMigrationFile(t, dir, "002_add_indexes.sql", "CREATE INDEX idx_orders_flag ON orders (flag);")
	writeMigrationFile(t, dir, "001_initial_schema.sql", "CREATE TABLE orders ();")
	writeMigrationFile(t, dir, "001_initial_schema_down.sql", "DROP TABLE orders;")
	writeMigrationFile(t, dir, "README.md", "not a migration")

	m := NewMigrator(nil, dir)
	migrations, err := m.loadMigrations()

	require.NoError(t, err)
	require.Len(t, migrations, 2)
	assert.Equal(t, 1, migrations[0].Version)
	assert.Equal(t, "initial schema", migrations[0].Description)
	assert.Equal(t, 2, migrations[1].Version)
	assert.Equal(t, "add indexes", migrations[1].Description)
	assert.Contains(t, migrations[0].SQL, "CREATE TABLE orders")
}

// TestLoadMigrationsBadFilename tests that an unversioned file is rejected
func TestLoadMigrationsBadFilename(t *testing.T) {
	dir := t.TempDir()
	writeMigrationFile(t, dir, "schema.sql", "CREATE TABLE orders ();")

	m := NewMigrator(nil, dir)
	_, err := m.loadMigrations()

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "invalid migration filename")
}

// TestLoadMigrationsMissingDir tests the error on a nonexistent directory
func TestLoadMigrationsMissingDir(t *testing.T) {
	m := NewMigrator(nil, filepath.Join(t.TempDir(), "nope"))
	_, err := m.loadMigrations()

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read migrations directory")
}
