package sqlstore

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/snapper/internal/store"
	"github.com/roach88/snapper/internal/store/storetest"
)

// createTestStore creates a file-backed store in a temp dir for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestConformanceSQLiteFile(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Storage {
		return createTestStore(t)
	})
}

func TestConformanceSQLiteMemory(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Storage {
		s, err := Open(context.Background(), ":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestOpenAppliesPragmas(t *testing.T) {
	s := createTestStore(t)

	assert.NoError(t, s.verifyPragma("journal_mode", "wal"))
	assert.NoError(t, s.verifyPragma("synchronous", "2"))
	assert.NoError(t, s.verifyPragma("busy_timeout", "5000"))
	assert.NoError(t, s.verifyPragma("user_version", "1"))
	assert.Equal(t, SQLite, s.Dialect())
}

func TestOpenIsIdempotent(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "test.db")

	s1, err := Open(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s1.Commit(ctx, []store.Record{storetest.Rec("a", "1", "2", "v", 0)}))
	require.NoError(t, s1.StoreFunctionVersion(ctx, "v"))
	require.NoError(t, s1.Close())

	s2, err := Open(ctx, "sqlite:"+path)
	require.NoError(t, err)
	defer s2.Close()

	outputs, err := s2.LoadOutputsForVersion(ctx, "v")
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), outputs["a"])

	version, ok, err := s2.LoadFunctionVersion(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", string(version))
}

func TestOpenRejectsEmptyDSN(t *testing.T) {
	_, err := Open(context.Background(), "")
	assert.Error(t, err)
}

func TestIdentifier(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")

	a, err := Open(ctx, path)
	require.NoError(t, err)
	defer a.Close()
	assert.Equal(t, "sqlite:"+path, a.Identifier())

	m1, err := Open(ctx, ":memory:")
	require.NoError(t, err)
	defer m1.Close()
	m2, err := Open(ctx, ":memory:")
	require.NoError(t, err)
	defer m2.Close()
	assert.NotEqual(t, m1.Identifier(), m2.Identifier())
}

func TestOpenRecoversFromCorruptFile(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "snap.db")
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte("not a database "), 64), 0o644))

	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	now := time.Unix(1700000000, 0)

	s, err := Open(ctx, path, WithLogger(logger), WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	defer s.Close()

	all, err := s.LoadAllOutputs(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)

	_, err = os.Stat(path + ".corrupt-1700000000")
	assert.NoError(t, err, "corrupt file should be moved aside")
	assert.Contains(t, logs.String(), "sqlite database is corrupt")
	assert.Contains(t, logs.String(), "level=WARN")
}

func TestOpenRejectsNewerSchema(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(ctx, path)
	require.NoError(t, err)
	_, err = s.db.Exec("PRAGMA user_version = 99")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = Open(ctx, path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "newer than supported")
}

func TestLoadMetricsSkipsCorruptRows(t *testing.T) {
	ctx := context.Background()
	var logs bytes.Buffer
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(ctx, path, WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))
	require.NoError(t, err)
	defer s.Close()

	_, err = s.db.Exec("INSERT INTO processing_metrics (metric) VALUES ('{broken')")
	require.NoError(t, err)

	ms, err := s.LoadMetrics(ctx)
	require.NoError(t, err)
	assert.Empty(t, ms)
	assert.Contains(t, logs.String(), "skipping corrupt metric row")
}

func TestCommitIsAtomic(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	err := s.Commit(cancelled, []store.Record{storetest.Rec("a", "1", "2", "v", 0)})
	require.Error(t, err)

	all, err := s.LoadAllOutputs(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
	inputs, err := s.LoadInputs(ctx)
	require.NoError(t, err)
	assert.Empty(t, inputs)
}

func TestIsPostgres(t *testing.T) {
	tests := []struct {
		dsn      string
		expected bool
	}{
		{"postgres://u:p@localhost:5432/db", true},
		{"postgresql://localhost/db", true},
		{"host=localhost user=snap dbname=snap", true},
		{"./snap.db", false},
		{"sqlite:./snap.db", false},
		{":memory:", false},
	}

	for _, tt := range tests {
		t.Run(tt.dsn, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsPostgresDSN(tt.dsn))
		})
	}
}

func TestRebind(t *testing.T) {
	pg := &Store{dialect: Postgres}
	lite := &Store{dialect: SQLite}
	q := "SELECT a FROM t WHERE b = ? AND c = ?"

	assert.Equal(t, "SELECT a FROM t WHERE b = $1 AND c = $2", pg.rebind(q))
	assert.Equal(t, q, lite.rebind(q))
}

func TestSplitStatements(t *testing.T) {
	stmts := splitStatements(schemaSQLite)
	assert.Len(t, stmts, 6)
	for _, s := range stmts {
		assert.False(t, strings.HasPrefix(strings.TrimSpace(s), "--"))
	}
	assert.Len(t, splitStatements(schemaPostgres), 6)
}
