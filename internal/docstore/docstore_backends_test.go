package docstore

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/valtteri/docstate/internal/persistence"
	"github.com/valtteri/docstate/internal/testutil"
	"github.com/valtteri/docstate/pkg/api"
)

// The full pipeline exercised against every real backend: add, finish,
// lineage, cascade delete. Error capture is exercised on SQLite.

var errBoom = errors.New("boom")

func runPipelineSuite(t *testing.T, s *DocStore) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.Initialize(ctx))

	// Linear pipeline to completion.
	doc := api.Document{ID: "root-1", State: "a"}
	doc.SetContent("hello")
	_, err := s.Add(ctx, doc)
	require.NoError(t, err)

	finals, err := s.Finish(ctx, doc)
	require.NoError(t, err)
	require.Len(t, finals, 1)
	require.Equal(t, "c", finals[0].State)
	require.Equal(t, "hello", finals[0].ContentString())

	n, err := s.Count(ctx, "")
	require.NoError(t, err)
	require.EqualValues(t, 3, n)

	// Lineage is intact after the round trip through storage.
	final, err := s.Get(ctx, finals[0].ID)
	require.NoError(t, err)
	mid, err := s.Get(ctx, final.ParentID)
	require.NoError(t, err)
	require.Equal(t, "root-1", mid.ParentID)
	root, err := s.Get(ctx, "root-1")
	require.NoError(t, err)
	require.Equal(t, []string{mid.ID}, root.Children)

	// Cascade delete empties the tree.
	require.NoError(t, s.Delete(ctx, "root-1"))
	n, err = s.Count(ctx, "")
	require.NoError(t, err)
	require.EqualValues(t, 0, n)
}

func TestSQLitePipeline(t *testing.T) {
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "docstate.db"))
	require.NoError(t, err)
	// SQLite allows one writer at a time; a single connection avoids
	// SQLITE_BUSY under concurrent hops.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	s := New(Config{
		Persistence:  persistence.NewSQLiteStore(db),
		DocumentType: linearType(t),
	})
	runPipelineSuite(t, s)
}

func TestRedisPipeline(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	s := New(Config{
		Persistence:  persistence.NewRedisStore(client, ""),
		DocumentType: linearType(t),
	})
	runPipelineSuite(t, s)
}

func TestPostgresPipeline(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping postgres container test in short mode")
	}

	dsn := testutil.GetPostgresEndpoint(t)
	db, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s := New(Config{
		Persistence:  persistence.NewPostgresStore(db),
		DocumentType: linearType(t),
	})
	ctx := context.Background()
	require.NoError(t, s.Initialize(ctx))
	_, err = db.ExecContext(ctx, "TRUNCATE documents")
	require.NoError(t, err)

	runPipelineSuite(t, s)
}

func TestSQLitePipelineErrorCapture(t *testing.T) {
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "docstate.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	dt := api.MustDocumentType(
		[]api.State{api.S("a"), api.S("b"), api.S("error")},
		[]api.Transition{{
			From: api.S("a"), To: api.S("b"),
			Process: func(ctx context.Context, doc api.Document) ([]api.Document, error) {
				return nil, errBoom
			},
		}},
	)
	s := New(Config{
		Persistence:  persistence.NewSQLiteStore(db),
		DocumentType: dt,
	})
	ctx := context.Background()
	require.NoError(t, s.Initialize(ctx))

	added, err := s.Add(ctx, api.Document{State: "a"})
	require.NoError(t, err)

	finals, err := s.Finish(ctx, added[0])
	require.NoError(t, err)
	require.Len(t, finals, 1)
	require.Equal(t, "error", finals[0].State)
	require.Equal(t, "boom", finals[0].Metadata["error"])
	require.Equal(t, "a→b", finals[0].Metadata["failed_transition"])
}
