package ledger

import (
	"context"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openSQLite(t *testing.T) *migrator {
	t.Helper()
	db, err := openDatabase(context.Background(), DriverSQLite, Config{DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	m, err := newMigrator(db, DriverSQLite)
	require.NoError(t, err)
	m.now = func() time.Time { return time.Unix(1700000000, 0) }
	return m
}

func TestEmbeddedMigrationsAreIdempotent(t *testing.T) {
	ctx := context.Background()
	m := openSQLite(t)
	require.NoError(t, m.run(ctx))
	require.NoError(t, m.run(ctx))

	var (
		count   int
		dialect string
		name    string
	)
	require.NoError(t, m.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ledger_migrations`).Scan(&count))
	assert.Equal(t, 1, count)
	require.NoError(t, m.db.QueryRowContext(ctx, `SELECT dialect, name FROM ledger_migrations WHERE version = '0001'`).Scan(&dialect, &name))
	assert.Equal(t, DriverSQLite, dialect)
	assert.Equal(t, "0001_execution_ledger.sqlite.sql", name)
}

func TestMigrationsFollowDialect(t *testing.T) {
	ctx := context.Background()
	m := openSQLite(t)
	m.source = fstest.MapFS{
		"0001_base.sql":          {Data: []byte("CREATE TABLE base (id INTEGER);")},
		"0002_tuning.mysql.sql":  {Data: []byte("ALTER TABLE base ENGINE=InnoDB;")},
		"0002_tuning.sqlite.sql": {Data: []byte("-- sqlite 只需要索引\nCREATE INDEX IF NOT EXISTS idx_base ON base (id);")},
		"README.md":              {Data: []byte("ignored")},
		"0003_empty.sqlite.sql":  {Data: []byte("-- nothing\n")},
	}
	require.NoError(t, m.run(ctx))

	rows, err := m.db.QueryContext(ctx, `SELECT name FROM ledger_migrations ORDER BY version`)
	require.NoError(t, err)
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		require.NoError(t, rows.Scan(&name))
		names = append(names, name)
	}
	assert.Equal(t, []string{"0001_base.sql", "0002_tuning.sqlite.sql"}, names)
}

func TestMigrationsRejectEditedFiles(t *testing.T) {
	ctx := context.Background()
	m := openSQLite(t)
	source := fstest.MapFS{"0001_base.sql": {Data: []byte("CREATE TABLE base (id INTEGER);")}}
	m.source = source
	require.NoError(t, m.run(ctx))

	source["0001_base.sql"] = &fstest.MapFile{Data: []byte("CREATE TABLE base (id INTEGER, extra TEXT);")}
	err := m.run(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "0001_base.sql")
}

func TestMigrationsRejectDuplicateVersions(t *testing.T) {
	m := openSQLite(t)
	m.source = fstest.MapFS{
		"0001_a.sql":        {Data: []byte("CREATE TABLE a (id INTEGER);")},
		"0001_b.sqlite.sql": {Data: []byte("CREATE TABLE b (id INTEGER);")},
	}
	assert.Error(t, m.run(context.Background()))
}

func TestParseMigrationName(t *testing.T) {
	cases := map[string][2]string{
		"0001_execution_ledger.sql":       {"0001", ""},
		"0001_execution_ledger.mysql.sql": {"0001", DriverMySQL},
		"0002_tuning.sqlite.sql":          {"0002", DriverSQLite},
		"0003.sql":                        {"0003", ""},
	}
	for name, want := range cases {
		version, target := parseMigrationName(name)
		assert.Equal(t, want, [2]string{version, target}, name)
	}
}

func TestSplitStatements(t *testing.T) {
	got := splitStatements("-- header\nCREATE TABLE a (id INT);\n\n  -- note\n CREATE INDEX i ON a (id);  ")
	assert.Equal(t, []string{"CREATE TABLE a (id INT)", "CREATE INDEX i ON a (id)"}, got)
}

func TestDialectForUnknownDriver(t *testing.T) {
	_, err := dialectFor("postgres")
	assert.Error(t, err)
	_, err = newMigrator(nil, "oracle")
	assert.Error(t, err)
}
