// Package docstore implements the document store orchestrator on top of
// a persistence.Store backend. External callers use the docstate
// package, which wires up concrete backends and re-exports the public
// types.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/valtteri/docstate/internal/persistence"
	"github.com/valtteri/docstate/pkg/api"
)

const (
	// DefaultErrorState is the state assigned to documents materialized
	// from processing failures when none is configured.
	DefaultErrorState = "error"

	// DefaultMaxConcurrency bounds simultaneously executing process
	// functions when none is configured.
	DefaultMaxConcurrency = 10

	// DefaultChunkSize is used by StreamContent when the caller passes
	// a non-positive chunk size.
	DefaultChunkSize = 1024
)

// Config describes how to construct a DocStore. The docstate package
// fills it in from its functional options; external callers use the
// constructors there.
type Config struct {
	Persistence    persistence.Store
	DocumentType   *api.DocumentType
	ErrorState     string
	MaxConcurrency int64
	Observer       api.Observer
}

// DocStore orchestrates documents through their state machine: CRUD
// with lineage, bounded-concurrency advancement, and failure capture.
type DocStore struct {
	store      persistence.Store
	errorState string
	maxConc    int64
	sem        *semaphore.Weighted
	observer   api.Observer

	mu           sync.RWMutex
	documentType *api.DocumentType

	// inFlight counts active Next/Finish calls; SetDocumentType is
	// rejected while it is non-zero.
	inFlight atomic.Int64

	closeOnce sync.Once
	closeErr  error
}

var _ api.Store = (*DocStore)(nil)

// New constructs a DocStore from cfg, applying defaults for the error
// state, concurrency bound and observer.
func New(cfg Config) *DocStore {
	errorState := cfg.ErrorState
	if errorState == "" {
		errorState = DefaultErrorState
	}
	maxConc := cfg.MaxConcurrency
	if maxConc <= 0 {
		maxConc = DefaultMaxConcurrency
	}
	obs := cfg.Observer
	if obs == nil {
		obs = api.NoopObserver{}
	}
	return &DocStore{
		store:        cfg.Persistence,
		errorState:   errorState,
		maxConc:      maxConc,
		sem:          semaphore.NewWeighted(maxConc),
		observer:     obs,
		documentType: cfg.DocumentType,
	}
}

// ErrorState returns the configured error state name.
func (s *DocStore) ErrorState() string {
	return s.errorState
}

// MaxConcurrency returns the configured concurrency bound.
func (s *DocStore) MaxConcurrency() int64 {
	return s.maxConc
}

func (s *DocStore) Initialize(ctx context.Context) error {
	return s.store.Initialize(ctx)
}

func (s *DocStore) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.store.Close()
	})
	return s.closeErr
}

func (s *DocStore) SetDocumentType(dt *api.DocumentType) error {
	if s.inFlight.Load() > 0 {
		return api.ErrPipelineActive
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.documentType = dt
	return nil
}

func (s *DocStore) DocumentType() *api.DocumentType {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.documentType
}

// FinalStateNames returns the sorted names of the states with no
// outgoing transitions. Without a configured DocumentType only the
// error state is known to be final.
func (s *DocStore) FinalStateNames() []string {
	dt := s.DocumentType()
	if dt == nil {
		return []string{s.errorState}
	}
	return dt.FinalStateNames()
}

func (s *DocStore) Add(ctx context.Context, docs ...api.Document) ([]api.Document, error) {
	if len(docs) == 0 {
		return nil, nil
	}
	dt := s.DocumentType()
	prepared := make([]api.Document, len(docs))
	for i, doc := range docs {
		if doc.State == "" {
			return nil, fmt.Errorf("document %d: state must not be empty", i)
		}
		if dt != nil && !dt.HasState(doc.State) && doc.State != s.errorState {
			return nil, fmt.Errorf("state %q: %w", doc.State, api.ErrUnknownState)
		}
		prepared[i] = doc.Clone()
		prepared[i].Normalize()
	}

	inserted, err := s.store.InsertMany(ctx, prepared)
	if err != nil {
		return nil, err
	}
	for i := range inserted {
		s.observer.OnDocumentAdded(ctx, &inserted[i])
	}
	return inserted, nil
}

// Get returns the document with the given ID, or (nil, nil) when no
// such document exists.
func (s *DocStore) Get(ctx context.Context, id string) (*api.Document, error) {
	doc, err := s.store.Get(ctx, id, true)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return doc, nil
}

func (s *DocStore) GetByState(ctx context.Context, state string, includeContent bool) ([]api.Document, error) {
	return s.store.GetByState(ctx, state, includeContent)
}

func (s *DocStore) GetAll(ctx context.Context, includeContent bool) ([]api.Document, error) {
	return s.store.GetAll(ctx, includeContent)
}

func (s *DocStore) GetBatch(ctx context.Context, ids []string) ([]api.Document, error) {
	return s.store.GetBatch(ctx, ids)
}

func (s *DocStore) List(ctx context.Context, opts api.ListOptions) ([]api.Document, error) {
	return s.store.List(ctx, persistence.Filter{
		State:          opts.State,
		LeafOnly:       opts.LeafOnly,
		IncludeContent: opts.IncludeContent,
		Metadata:       opts.Metadata,
	})
}

func (s *DocStore) Update(ctx context.Context, id string, patch api.Patch) (*api.Document, error) {
	return s.store.Update(ctx, id, persistence.Patch{
		Metadata:    patch.Metadata,
		AddChildren: patch.AddChildren,
	})
}

func (s *DocStore) Delete(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.observer.OnDocumentDeleted(ctx, id)
	return nil
}

func (s *DocStore) Count(ctx context.Context, state string) (int64, error) {
	return s.store.Count(ctx, state)
}

func (s *DocStore) StreamContent(ctx context.Context, id string, chunkSize int) (iter.Seq2[string, error], error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return s.store.StreamContent(ctx, id, chunkSize)
}

func isNotFound(err error) bool {
	return errors.Is(err, persistence.ErrNotFound)
}
