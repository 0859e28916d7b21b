package store

import (
	"context"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/chutney/pkg/schema"
)

func TestLoadMigrationsOrdersByVersion(t *testing.T) {
	fsys := fstest.MapFS{
		"migrations/010_add_index.sql": {Data: []byte("CREATE INDEX i ON t(a);")},
		"migrations/002_create_t.sql":  {Data: []byte("CREATE TABLE t (a TEXT);")},
		"migrations/README.md":         {Data: []byte("ignored")},
		"migrations/001_initial.sql":   {Data: []byte("-- empty\n")},
	}

	got, err := loadMigrations(fsys)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []int{1, 2, 10}, []int{got[0].Version, got[1].Version, got[2].Version})
	assert.Equal(t, "create_t", got[1].Name)
	assert.Equal(t, "CREATE INDEX i ON t(a);", got[2].SQL)
}

func TestLoadMigrationsRejectsBadNames(t *testing.T) {
	tests := map[string]fstest.MapFS{
		"no version": {"migrations/initial.sql": {Data: []byte("SELECT 1")}},
		"zero":       {"migrations/000_initial.sql": {Data: []byte("SELECT 1")}},
		"duplicate": {
			"migrations/001_a.sql": {Data: []byte("SELECT 1")},
			"migrations/01_b.sql":  {Data: []byte("SELECT 1")},
		},
	}
	for name, fsys := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := loadMigrations(fsys)
			assert.True(t, schema.HasCode(err, schema.ErrCodeStore))
		})
	}
}

func TestEmbeddedMigrationsRecorded(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	embedded, err := loadMigrations(migrationFiles)
	require.NoError(t, err)
	require.NotEmpty(t, embedded)

	version, err := schemaVersion(ctx, s.DB())
	require.NoError(t, err)
	assert.Equal(t, embedded[len(embedded)-1].Version, version)

	var rows int
	require.NoError(t, s.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_version WHERE version > 0`).Scan(&rows))
	assert.Equal(t, len(embedded), rows)
}

func TestApplyMigrationsOnlyPending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	extra := []migration{
		{Version: 1, Name: "initial_schema", SQL: "CREATE TABLE must_not_run (a TEXT)"},
		{Version: 99, Name: "notes", SQL: "-- notes table\nCREATE TABLE notes (body TEXT);"},
	}
	require.NoError(t, applyMigrations(ctx, s.DB(), extra))
	require.NoError(t, applyMigrations(ctx, s.DB(), extra))

	version, err := schemaVersion(ctx, s.DB())
	require.NoError(t, err)
	assert.Equal(t, 99, version)

	_, err = s.DB().ExecContext(ctx, `INSERT INTO notes (body) VALUES ('x')`)
	require.NoError(t, err)
	_, err = s.DB().ExecContext(ctx, `SELECT * FROM must_not_run`)
	assert.Error(t, err)
}

func TestApplyMigrationFailureRollsBack(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := applyMigrations(ctx, s.DB(), []migration{
		{Version: 50, Name: "broken", SQL: "CREATE TABLE half (a TEXT); NOT SQL"},
	})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeStore))

	version, verr := schemaVersion(ctx, s.DB())
	require.NoError(t, verr)
	assert.Less(t, version, 50)
}

func TestSQLStatementsSkipsComments(t *testing.T) {
	got := sqlStatements("-- header\n;CREATE TABLE a (x INT);\n-- trailing\n")
	assert.Equal(t, []string{"CREATE TABLE a (x INT)"}, got)
}
