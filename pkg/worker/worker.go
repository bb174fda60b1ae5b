package worker

import (
	"context"
	"time"

	"github.com/valtteri/docstate/pkg/api"
)

// Config tunes a Worker.
type Config struct {
	// PollInterval is how long Run sleeps when a sweep finds no work.
	// Default 1s.
	PollInterval time.Duration

	// BatchSize caps how many documents one sweep advances in total,
	// across all states. Default 50.
	BatchSize int
}

// DefaultConfig returns the default worker configuration.
func DefaultConfig() Config {
	return Config{
		PollInterval: time.Second,
		BatchSize:    50,
	}
}

// Worker advances persisted documents through their state machine in
// the background. Instead of a separate task queue, the pending work IS
// the persisted frontier: leaf documents in non-final states. That
// makes a sweep naturally crash-resumable — whatever was persisted
// before a restart is picked up by the next sweep.
type Worker struct {
	store api.Store
	cfg   Config
}

// New creates a Worker with the default configuration.
func New(store api.Store) *Worker {
	return NewWithConfig(store, DefaultConfig())
}

// NewWithConfig creates a Worker with the given configuration.
func NewWithConfig(store api.Store, cfg Config) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &Worker{store: store, cfg: cfg}
}

// ProcessOnce performs a single sweep: it claims leaf documents in
// every non-final state and advances each by one hop. It returns the
// number of documents advanced.
func (w *Worker) ProcessOnce(ctx context.Context) (int, error) {
	dt := w.store.DocumentType()
	if dt == nil {
		return 0, api.ErrNoDocumentType
	}

	var batch []api.Document
	for _, state := range dt.States {
		if dt.IsFinal(state.Name) {
			continue
		}
		docs, err := w.store.List(ctx, api.ListOptions{
			State:          state.Name,
			LeafOnly:       true,
			IncludeContent: true,
		})
		if err != nil {
			return 0, err
		}
		for _, doc := range docs {
			if len(batch) >= w.cfg.BatchSize {
				break
			}
			batch = append(batch, doc)
		}
	}

	if len(batch) == 0 {
		return 0, nil
	}
	if _, err := w.store.Next(ctx, batch...); err != nil {
		return 0, err
	}
	return len(batch), nil
}

// Run sweeps until ctx is cancelled, sleeping PollInterval between
// empty sweeps. It returns ctx.Err on cancellation.
func (w *Worker) Run(ctx context.Context) error {
	for {
		n, err := w.ProcessOnce(ctx)
		if err != nil {
			return err
		}
		if n > 0 {
			// More work may already be pending; sweep again without
			// waiting.
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.cfg.PollInterval):
		}
	}
}
