package db

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soaringjerry/homophily/internal/storetest"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	conn, err := Open(filepath.Join(t.TempDir(), "study.db"))
	require.NoError(t, err)
	_, err = RunMigrations(context.Background(), conn, "")
	require.NoError(t, err)
	s, err := NewSQLiteStore(conn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storetest.Store { return openTestStore(t) })
}

func TestRunMigrationsIsIdempotent(t *testing.T) {
	conn, err := Open(filepath.Join(t.TempDir(), "study.db"))
	require.NoError(t, err)
	defer conn.Close()
	ctx := context.Background()

	ran, err := RunMigrations(ctx, conn, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"0001_init.sql"}, ran)

	ran, err = RunMigrations(ctx, conn, "")
	require.NoError(t, err)
	assert.Empty(t, ran)
}

func TestRunMigrationsFromDirectory(t *testing.T) {
	dir := t.TempDir()
	schema, err := embeddedMigrations.ReadFile("migrations/0001_init.sql")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "0001_init.sql"), schema, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "0002_notes.sql"),
		[]byte(`ALTER TABLE participants ADD COLUMN notes TEXT NOT NULL DEFAULT '';`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("ignored"), 0o644))

	conn, err := Open(filepath.Join(t.TempDir(), "study.db"))
	require.NoError(t, err)
	defer conn.Close()

	ran, err := RunMigrations(context.Background(), conn, dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"0001_init.sql", "0002_notes.sql"}, ran)

	var notes string
	_, err = conn.Exec(`INSERT INTO participants (id, created_at) VALUES ('p1', '2025-01-01T00:00:00Z')`)
	require.NoError(t, err)
	require.NoError(t, conn.QueryRow(`SELECT notes FROM participants WHERE id = 'p1'`).Scan(&notes))
	assert.Equal(t, "", notes)
}

func TestRunMigrationsRollsBackFailedFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "0001_bad.sql"),
		[]byte("CREATE TABLE ok_table (id INTEGER);\nCREATE TABLE broken ("), 0o644))

	conn, err := Open(filepath.Join(t.TempDir(), "study.db"))
	require.NoError(t, err)
	defer conn.Close()

	_, err = RunMigrations(context.Background(), conn, dir)
	require.Error(t, err)

	var n int
	require.NoError(t, conn.QueryRow(`SELECT COUNT(1) FROM sqlite_master WHERE name = 'ok_table'`).Scan(&n))
	assert.Zero(t, n)
	require.NoError(t, conn.QueryRow(`SELECT COUNT(1) FROM schema_migrations`).Scan(&n))
	assert.Zero(t, n)
}

func TestPing(t *testing.T) {
	s := openTestStore(t)
	assert.NoError(t, s.Ping(context.Background()))
}
