package persistence

import (
	"context"
	"database/sql"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/valtteri/docstate/pkg/api"
)

// The backends share one behavioral contract; every test below runs
// against each of them.

func stores(t *testing.T) map[string]Store {
	t.Helper()
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": newTestSQLiteStore(t),
		"redis":  newTestRedisStore(t),
	}
}

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	// A single connection keeps the in-memory database alive and
	// serializes writers.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	store := NewSQLiteStore(db)
	require.NoError(t, store.Initialize(context.Background()))
	return store
}

func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewRedisStore(client, "")
}

func doc(id, state string, content string) api.Document {
	d := api.Document{
		ID:        id,
		State:     state,
		MediaType: api.DefaultMediaType,
		Metadata:  map[string]any{},
	}
	if content != "" {
		d.SetContent(content)
	}
	return d
}

func TestStoreInsertGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			d := doc("d1", "a", "hello")
			d.URL = "https://example.com/x"
			d.Metadata["k"] = "v"

			_, err := store.Insert(ctx, d)
			require.NoError(t, err)

			got, err := store.Get(ctx, "d1", true)
			require.NoError(t, err)
			require.Equal(t, "d1", got.ID)
			require.Equal(t, "a", got.State)
			require.Equal(t, "hello", got.ContentString())
			require.Equal(t, api.DefaultMediaType, got.MediaType)
			require.Equal(t, "https://example.com/x", got.URL)
			require.Equal(t, "v", got.Metadata["k"])
			require.True(t, got.IsRoot())
			require.Empty(t, got.Children)
		})
	}
}

func TestStoreGetWithoutContent(t *testing.T) {
	ctx := context.Background()
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Insert(ctx, doc("d1", "a", "big payload"))
			require.NoError(t, err)

			got, err := store.Get(ctx, "d1", false)
			require.NoError(t, err)
			require.Nil(t, got.Content)
			require.Equal(t, "a", got.State)
		})
	}
}

func TestStoreGetNotFound(t *testing.T) {
	ctx := context.Background()
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Get(ctx, "missing", true)
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStoreInsertDuplicateID(t *testing.T) {
	ctx := context.Background()
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Insert(ctx, doc("d1", "a", ""))
			require.NoError(t, err)

			_, err = store.Insert(ctx, doc("d1", "b", ""))
			require.ErrorIs(t, err, ErrDuplicateID)
		})
	}
}

func TestStoreInsertManyIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Insert(ctx, doc("existing", "a", ""))
			require.NoError(t, err)

			_, err = store.InsertMany(ctx, []api.Document{
				doc("fresh", "a", ""),
				doc("existing", "a", ""), // duplicate fails the batch
			})
			require.ErrorIs(t, err, ErrDuplicateID)

			_, err = store.Get(ctx, "fresh", true)
			require.ErrorIs(t, err, ErrNotFound, "batch must not be partially applied")
		})
	}
}

func TestStoreChildrenDerivedFromParentID(t *testing.T) {
	ctx := context.Background()
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Insert(ctx, doc("p", "a", ""))
			require.NoError(t, err)

			c1 := doc("c1", "b", "")
			c1.ParentID = "p"
			c2 := doc("c2", "b", "")
			c2.ParentID = "p"
			_, err = store.InsertMany(ctx, []api.Document{c1, c2})
			require.NoError(t, err)

			parent, err := store.Get(ctx, "p", true)
			require.NoError(t, err)
			require.Equal(t, []string{"c1", "c2"}, parent.Children)
			require.True(t, parent.HasChildren())

			child, err := store.Get(ctx, "c1", true)
			require.NoError(t, err)
			require.Equal(t, "p", child.ParentID)
			require.False(t, child.IsRoot())
		})
	}
}

func TestStoreInsertWithMissingParent(t *testing.T) {
	ctx := context.Background()
	for name, store := range stores(t) {
		if name == "sqlite" {
			// SQLite enforces the parent FK only with the foreign_keys
			// pragma enabled; the orchestrator never inserts orphans.
			continue
		}
		t.Run(name, func(t *testing.T) {
			orphan := doc("c1", "b", "")
			orphan.ParentID = "nope"
			_, err := store.Insert(ctx, orphan)
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStoreGetBatchKeepsInputOrder(t *testing.T) {
	ctx := context.Background()
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			for _, id := range []string{"d1", "d2", "d3"} {
				_, err := store.Insert(ctx, doc(id, "a", ""))
				require.NoError(t, err)
			}

			got, err := store.GetBatch(ctx, []string{"d3", "missing", "d1"})
			require.NoError(t, err)
			require.Len(t, got, 2)
			require.Equal(t, "d3", got[0].ID)
			require.Equal(t, "d1", got[1].ID)
		})
	}
}

func TestStoreListFilters(t *testing.T) {
	ctx := context.Background()
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			parent := doc("p", "a", "")
			parent.Metadata["team"] = "search"
			_, err := store.Insert(ctx, parent)
			require.NoError(t, err)

			leaf1 := doc("l1", "a", "")
			leaf1.ParentID = "p"
			leaf1.Metadata["team"] = "search"
			leaf2 := doc("l2", "a", "")
			leaf2.ParentID = "p"
			leaf2.Metadata["team"] = "infra"
			other := doc("o1", "b", "")
			_, err = store.InsertMany(ctx, []api.Document{leaf1, leaf2, other})
			require.NoError(t, err)

			// State only.
			got, err := store.List(ctx, Filter{State: "a", IncludeContent: true})
			require.NoError(t, err)
			require.Len(t, got, 3)

			// Leaves only: the parent drops out.
			got, err = store.List(ctx, Filter{State: "a", LeafOnly: true, IncludeContent: true})
			require.NoError(t, err)
			require.Len(t, got, 2)

			// Metadata conjunction.
			got, err = store.List(ctx, Filter{
				State:          "a",
				LeafOnly:       true,
				IncludeContent: true,
				Metadata:       map[string]any{"team": "search"},
			})
			require.NoError(t, err)
			require.Len(t, got, 1)
			require.Equal(t, "l1", got[0].ID)
		})
	}
}

func TestStoreUpdateMergesMetadata(t *testing.T) {
	ctx := context.Background()
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			d := doc("d1", "a", "")
			d.Metadata["keep"] = "old"
			d.Metadata["replace"] = "old"
			_, err := store.Insert(ctx, d)
			require.NoError(t, err)

			got, err := store.Update(ctx, "d1", Patch{
				Metadata: map[string]any{"replace": "new", "added": "yes"},
			})
			require.NoError(t, err)
			require.Equal(t, "old", got.Metadata["keep"])
			require.Equal(t, "new", got.Metadata["replace"])
			require.Equal(t, "yes", got.Metadata["added"])

			_, err = store.Update(ctx, "missing", Patch{Metadata: map[string]any{"k": "v"}})
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStoreAppendChildren(t *testing.T) {
	ctx := context.Background()
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			for _, id := range []string{"p", "other"} {
				_, err := store.Insert(ctx, doc(id, "a", ""))
				require.NoError(t, err)
			}
			orphan := doc("c1", "b", "")
			_, err := store.Insert(ctx, orphan)
			require.NoError(t, err)

			require.NoError(t, store.AppendChildren(ctx, "p", []string{"c1"}))
			// Idempotent.
			require.NoError(t, store.AppendChildren(ctx, "p", []string{"c1"}))

			parent, err := store.Get(ctx, "p", true)
			require.NoError(t, err)
			require.Equal(t, []string{"c1"}, parent.Children)

			// Already owned elsewhere.
			err = store.AppendChildren(ctx, "other", []string{"c1"})
			require.ErrorIs(t, err, ErrChildConflict)

			// Missing parent.
			err = store.AppendChildren(ctx, "missing", []string{"c1"})
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStoreDeleteCascades(t *testing.T) {
	ctx := context.Background()
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			// 1 root + 3 children + 6 grandchildren.
			_, err := store.Insert(ctx, doc("root", "a", ""))
			require.NoError(t, err)
			var batch []api.Document
			for _, c := range []string{"c1", "c2", "c3"} {
				d := doc(c, "b", "")
				d.ParentID = "root"
				batch = append(batch, d)
			}
			_, err = store.InsertMany(ctx, batch)
			require.NoError(t, err)
			batch = nil
			for i, c := range []string{"c1", "c1", "c2", "c2", "c3", "c3"} {
				d := doc(c+"-g"+string(rune('0'+i)), "c", "")
				d.ParentID = c
				batch = append(batch, d)
			}
			_, err = store.InsertMany(ctx, batch)
			require.NoError(t, err)

			total, err := store.Count(ctx, "")
			require.NoError(t, err)
			require.EqualValues(t, 10, total)

			require.NoError(t, store.Delete(ctx, "root"))

			total, err = store.Count(ctx, "")
			require.NoError(t, err)
			require.EqualValues(t, 0, total)

			require.ErrorIs(t, store.Delete(ctx, "root"), ErrNotFound)
		})
	}
}

func TestStoreDeleteSubtreeKeepsSiblings(t *testing.T) {
	ctx := context.Background()
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Insert(ctx, doc("root", "a", ""))
			require.NoError(t, err)
			c1 := doc("c1", "b", "")
			c1.ParentID = "root"
			c2 := doc("c2", "b", "")
			c2.ParentID = "root"
			g1 := doc("g1", "c", "")
			g1.ParentID = "c1"
			_, err = store.InsertMany(ctx, []api.Document{c1, c2, g1})
			require.NoError(t, err)

			require.NoError(t, store.Delete(ctx, "c1"))

			_, err = store.Get(ctx, "g1", true)
			require.ErrorIs(t, err, ErrNotFound)

			root, err := store.Get(ctx, "root", true)
			require.NoError(t, err)
			require.Equal(t, []string{"c2"}, root.Children)
		})
	}
}

func TestStoreCountByState(t *testing.T) {
	ctx := context.Background()
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			for i, state := range []string{"a", "a", "b"} {
				_, err := store.Insert(ctx, doc("d"+string(rune('0'+i)), state, ""))
				require.NoError(t, err)
			}

			n, err := store.Count(ctx, "a")
			require.NoError(t, err)
			require.EqualValues(t, 2, n)

			n, err = store.Count(ctx, "b")
			require.NoError(t, err)
			require.EqualValues(t, 1, n)

			n, err = store.Count(ctx, "missing")
			require.NoError(t, err)
			require.EqualValues(t, 0, n)
		})
	}
}

func TestStoreStreamContent(t *testing.T) {
	ctx := context.Background()
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			content := strings.Repeat("0123456789", 1000) // 10,000 chars
			_, err := store.Insert(ctx, doc("big", "a", content))
			require.NoError(t, err)

			seq, err := store.StreamContent(ctx, "big", 512)
			require.NoError(t, err)

			var rebuilt strings.Builder
			for chunk, err := range seq {
				require.NoError(t, err)
				require.LessOrEqual(t, len(chunk), 512)
				rebuilt.WriteString(chunk)
			}
			require.Equal(t, content, rebuilt.String())
		})
	}
}

func TestStoreStreamContentErrors(t *testing.T) {
	ctx := context.Background()
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.StreamContent(ctx, "missing", 512)
			require.ErrorIs(t, err, ErrNotFound)

			_, err = store.Insert(ctx, doc("empty", "a", ""))
			require.NoError(t, err)
			_, err = store.StreamContent(ctx, "empty", 512)
			require.ErrorIs(t, err, ErrNoContent)
		})
	}
}
