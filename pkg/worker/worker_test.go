package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/valtteri/docstate"
	"github.com/valtteri/docstate/pkg/api"
)

func pipelineType() *docstate.DocumentType {
	return docstate.NewType().
		States("a", "b", "c").
		Transition("a", "b", docstate.PassThrough()).
		Transition("b", "c", docstate.PassThrough()).
		MustBuild()
}

func TestProcessOnceAdvancesFrontier(t *testing.T) {
	ctx := context.Background()
	store := docstate.NewMemoryStore(docstate.WithDocumentType(pipelineType()))
	t.Cleanup(func() { _ = store.Close() })

	for i := 0; i < 3; i++ {
		_, err := store.Add(ctx, api.Document{State: "a"})
		require.NoError(t, err)
	}

	w := New(store)

	// First sweep: the three roots advance to b.
	n, err := w.ProcessOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	count, err := store.Count(ctx, "b")
	require.NoError(t, err)
	require.EqualValues(t, 3, count)

	// Second sweep: the b leaves advance to c; the a documents now have
	// children and are no longer frontier.
	n, err = w.ProcessOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	count, err = store.Count(ctx, "c")
	require.NoError(t, err)
	require.EqualValues(t, 3, count)

	// Third sweep: nothing left to do.
	n, err = w.ProcessOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestProcessOnceRespectsBatchSize(t *testing.T) {
	ctx := context.Background()
	store := docstate.NewMemoryStore(docstate.WithDocumentType(pipelineType()))
	t.Cleanup(func() { _ = store.Close() })

	for i := 0; i < 5; i++ {
		_, err := store.Add(ctx, api.Document{State: "a"})
		require.NoError(t, err)
	}

	w := NewWithConfig(store, Config{BatchSize: 2, PollInterval: time.Millisecond})

	n, err := w.ProcessOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestProcessOnceWithoutType(t *testing.T) {
	store := docstate.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })

	w := New(store)
	_, err := w.ProcessOnce(context.Background())
	require.ErrorIs(t, err, api.ErrNoDocumentType)
}

func TestRunDrivesPipelineToCompletion(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := docstate.NewMemoryStore(docstate.WithDocumentType(pipelineType()))
	t.Cleanup(func() { _ = store.Close() })

	for i := 0; i < 4; i++ {
		_, err := store.Add(ctx, api.Document{State: "a"})
		require.NoError(t, err)
	}

	w := NewWithConfig(store, Config{PollInterval: 5 * time.Millisecond, BatchSize: 50})

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		n, err := store.Count(ctx, "c")
		require.NoError(t, err)
		if n == 4 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	n, err := store.Count(ctx, "c")
	require.NoError(t, err)
	require.EqualValues(t, 4, n)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}
