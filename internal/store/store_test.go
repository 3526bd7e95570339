package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"toolforge/internal/config"
	"toolforge/internal/contract"
	"toolforge/internal/environment"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), config.StoreConfig{Driver: DriverSQLite, Root: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenIsIdempotent(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()

	s, err := Open(ctx, config.StoreConfig{Root: root})
	require.NoError(t, err)
	require.NoError(t, s.SaveInstalled(ctx, &InstalledRecord{Repository: "r", Fingerprint: "f"}))
	require.NoError(t, s.Close())

	// Reopening applies no migration twice and keeps the data.
	s, err = Open(ctx, config.StoreConfig{Root: root})
	require.NoError(t, err)
	defer s.Close()
	list, err := s.ListInstalled(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
	assert.FileExists(t, filepath.Join(root, "toolforge.db"))
}

func TestOpenRejectsBadConfig(t *testing.T) {
	ctx := context.Background()
	_, err := Open(ctx, config.StoreConfig{Driver: "mysql", Root: t.TempDir()})
	assert.ErrorContains(t, err, "unknown store driver")

	_, err = Open(ctx, config.StoreConfig{Driver: DriverPostgres, Root: t.TempDir()})
	assert.ErrorContains(t, err, "dsn is required")
}

func TestRebind(t *testing.T) {
	pg := &Store{driver: DriverPostgres}
	assert.Equal(t, "SELECT a FROM t WHERE x = $1 AND y = $2", pg.rebind("SELECT a FROM t WHERE x = ? AND y = ?"))

	lite := &Store{driver: DriverSQLite}
	assert.Equal(t, "x = ?", lite.rebind("x = ?"))
}

func TestInstalledLookup(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.LookupInstalled(ctx, "github.com/example/calculator")
	assert.ErrorIs(t, err, ErrNotFound)

	older := &InstalledRecord{
		Repository:  "github.com/example/calculator",
		Fingerprint: "aaa",
		Snapshot:    environment.Snapshot{Ref: "toolforge/installed-example__calculator", Digest: "sha256:1"},
		Data:        json.RawMessage(`{"attempts":1}`),
		CreatedAt:   time.Now().Add(-time.Hour),
	}
	require.NoError(t, s.SaveInstalled(ctx, older))
	assert.NotEmpty(t, older.ID)

	newer := &InstalledRecord{
		Repository: "github.com/example/calculator",
		Snapshot:   environment.Snapshot{Ref: "toolforge/installed-example__calculator", Digest: "sha256:2"},
	}
	require.NoError(t, s.SaveInstalled(ctx, newer))

	got, err := s.LookupInstalled(ctx, "github.com/example/calculator")
	require.NoError(t, err)
	assert.Equal(t, newer.ID, got.ID)
	assert.Equal(t, "sha256:2", got.Snapshot.Digest)

	byID, err := s.GetInstalled(ctx, older.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"attempts":1}`, string(byID.Data))

	require.NoError(t, s.DeleteInstalled(ctx, newer.ID))
	require.NoError(t, s.DeleteInstalled(ctx, newer.ID))
	got, err = s.LookupInstalled(ctx, "github.com/example/calculator")
	require.NoError(t, err)
	assert.Equal(t, older.ID, got.ID)

	assert.Error(t, s.SaveInstalled(ctx, &InstalledRecord{}))
}

func TestArtifactRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a := &ToolArtifact{
		Name: "add",
		Contract: contract.TaskContract{
			Name:       "add",
			Parameters: []contract.Parameter{{Name: "a", Type: "int"}, {Name: "b", Type: "int"}},
			ReturnType: "int",
		},
		Language:    "starlark",
		Code:        "def add(a, b):\n    return a + b\n",
		InstalledID: "inst-1",
		Session:     "sess-1",
		Verified:    true,
		Attempts:    2,
	}
	require.NoError(t, s.SaveArtifact(ctx, a))
	assert.Equal(t, Digest([]byte(a.Code)), a.Digest)
	assert.NotEmpty(t, a.ID)

	got, err := s.Artifact(ctx, "add")
	require.NoError(t, err)
	assert.Equal(t, a.Code, got.Code)
	assert.Equal(t, a.Contract.Name, got.Contract.Name)
	assert.True(t, got.Verified)
	assert.Equal(t, 2, got.Attempts)

	// Saving under the same name replaces the record.
	a2 := &ToolArtifact{Name: "add", Language: "starlark", Code: "def add(a, b):\n    return b + a\n"}
	require.NoError(t, s.SaveArtifact(ctx, a2))
	got, err = s.Artifact(ctx, "add")
	require.NoError(t, err)
	assert.Equal(t, a2.Code, got.Code)
	assert.False(t, got.Verified)

	require.NoError(t, s.SaveArtifact(ctx, &ToolArtifact{Name: "mul", Code: "x"}))
	list, err := s.ListArtifacts(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "add", list[0].Name)
	assert.Empty(t, list[0].Code)

	require.NoError(t, s.DeleteArtifact(ctx, "mul"))
	assert.ErrorIs(t, s.DeleteArtifact(ctx, "mul"), ErrNotFound)
	_, err = s.Artifact(ctx, "mul")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRunCache(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.GetRun(ctx, "k1")
	assert.ErrorIs(t, err, ErrNotFound)

	rec := &RunRecord{Key: "k1", Tool: "add", TestCase: "simple", Pass: true, Result: json.RawMessage(`{"actual":5}`)}
	require.NoError(t, s.PutRun(ctx, rec))
	require.NoError(t, s.PutRun(ctx, &RunRecord{Key: "k2", Tool: "add", TestCase: "neg", Result: json.RawMessage(`{}`)}))

	got, err := s.GetRun(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, got.Pass)
	assert.Equal(t, "simple", got.TestCase)
	assert.JSONEq(t, `{"actual":5}`, string(got.Result))
	assert.WithinDuration(t, rec.CreatedAt, got.CreatedAt, time.Microsecond)

	n, err := s.InvalidateRuns(ctx, "add")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	_, err = s.GetRun(ctx, "k1")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Error(t, s.PutRun(ctx, &RunRecord{}))
}

func TestBlobs(t *testing.T) {
	b, err := NewBlobs(t.TempDir())
	require.NoError(t, err)

	d1, err := b.Put([]byte("hello"))
	require.NoError(t, err)
	d2, err := b.Put([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, d1, d2)
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", d1)
	assert.FileExists(t, filepath.Join(b.root, "sha256", "2c", d1))

	data, err := b.Get(d1)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	_, err = b.Get(Digest([]byte("missing")))
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, os.WriteFile(b.Path(d1), []byte("tampered"), 0644))
	_, err = b.Get(d1)
	assert.ErrorContains(t, err, "corrupt")
}
