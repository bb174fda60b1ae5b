package api

import (
	"context"
	"errors"
	"iter"
)

var (
	// ErrNotFound is returned by Update, Delete and StreamContent when
	// no document with the given ID exists. Get returns (nil, nil)
	// instead, so callers can distinguish "missing" from real faults.
	ErrNotFound = errors.New("document not found")

	// ErrNoContent is returned by StreamContent when the document
	// exists but carries no content.
	ErrNoContent = errors.New("document has no content")

	// ErrNoDocumentType is returned by Next and Finish when no state
	// machine has been configured.
	ErrNoDocumentType = errors.New("document type not set")

	// ErrUnknownState is returned by Add when a document names a state
	// the configured DocumentType does not declare.
	ErrUnknownState = errors.New("unknown state")

	// ErrPipelineActive is returned by SetDocumentType while Next or
	// Finish is in progress.
	ErrPipelineActive = errors.New("pipeline is active")
)

// ListOptions selects documents for Store.List.
type ListOptions struct {
	// State limits results to documents in the named state. Empty
	// means any state.
	State string

	// LeafOnly limits results to documents without children.
	LeafOnly bool

	// IncludeContent controls whether the Content field is populated.
	// When false, all other fields are still returned; skipping large
	// content keeps list scans cheap.
	IncludeContent bool

	// Metadata is a conjunction of equality predicates over metadata
	// keys: a document matches when every key is present with exactly
	// the given value.
	Metadata map[string]any
}

// Patch describes a partial document update. ID, ParentID and State are
// deliberately absent: the engine never rewrites them — transitions
// always produce new documents.
type Patch struct {
	// Metadata entries are merged into the existing metadata map,
	// overwriting keys that are already present.
	Metadata map[string]any

	// AddChildren appends child IDs, skipping IDs already linked.
	AddChildren []string
}

// Store is the public orchestrator surface: document CRUD with lineage,
// plus the pipeline operations Next and Finish.
//
// All methods are safe for concurrent use. Documents cross the boundary
// by value; mutating a returned document does not affect storage.
type Store interface {
	// Initialize creates the backing schema. It is idempotent.
	Initialize(ctx context.Context) error

	// Close releases pooled resources. It is idempotent.
	Close() error

	// SetDocumentType replaces the state machine and invalidates the
	// derived caches. It fails with ErrPipelineActive while Next or
	// Finish is in progress.
	SetDocumentType(dt *DocumentType) error

	// DocumentType returns the configured state machine, or nil.
	DocumentType() *DocumentType

	// FinalStateNames returns the sorted names of the declared states
	// with no outgoing transitions. Without a configured DocumentType
	// only the error state is known to be final.
	FinalStateNames() []string

	// Add persists root documents without firing any transition. IDs
	// are generated for documents lacking one; the persisted documents
	// are returned in input order.
	Add(ctx context.Context, docs ...Document) ([]Document, error)

	// Get retrieves one document by ID, or (nil, nil) if absent.
	Get(ctx context.Context, id string) (*Document, error)

	// GetByState retrieves all documents in the named state.
	GetByState(ctx context.Context, state string, includeContent bool) ([]Document, error)

	// GetAll retrieves every document in the store.
	GetAll(ctx context.Context, includeContent bool) ([]Document, error)

	// GetBatch retrieves the named documents; relational backends use a
	// single query, the redis backend loads them one by one. Results
	// follow input order; missing IDs are omitted.
	GetBatch(ctx context.Context, ids []string) ([]Document, error)

	// List returns the documents matching opts.
	List(ctx context.Context, opts ListOptions) ([]Document, error)

	// Update applies a partial update and returns the new document.
	Update(ctx context.Context, id string, patch Patch) (*Document, error)

	// Delete removes a document and, transitively, all descendants.
	Delete(ctx context.Context, id string) error

	// Count returns the number of documents, optionally restricted to
	// one state ("" counts everything).
	Count(ctx context.Context, state string) (int64, error)

	// Next advances each document by exactly one hop: every outgoing
	// transition of its state fires, the produced children are
	// persisted and linked, and a failing ProcessFunc materializes an
	// error document instead of raising. The returned slice collects
	// all produced documents in unspecified order; documents in final
	// states contribute nothing.
	Next(ctx context.Context, docs ...Document) ([]Document, error)

	// Finish drives each document and all its descendants to final
	// states, wave by wave, and returns the final-state leaves of the
	// resulting lineage trees.
	Finish(ctx context.Context, docs ...Document) ([]Document, error)

	// StreamContent yields the content of the named document in chunks
	// of at most chunkSize characters. It fails up front with
	// ErrNotFound or ErrNoContent; iteration errors surface through
	// the sequence's second value.
	StreamContent(ctx context.Context, id string, chunkSize int) (iter.Seq2[string, error], error)
}
