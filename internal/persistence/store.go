package persistence

import (
	"context"
	"errors"
	"iter"
	"reflect"

	"github.com/valtteri/docstate/pkg/api"
)

var (
	// ErrNotFound is returned when no document with the given ID
	// exists.
	ErrNotFound = api.ErrNotFound

	// ErrNoContent is returned by StreamContent when the document
	// exists but its content is null.
	ErrNoContent = api.ErrNoContent

	// ErrDuplicateID is returned by Insert and InsertMany when a
	// document ID is already present.
	ErrDuplicateID = errors.New("duplicate document id")

	// ErrChildConflict is returned by AppendChildren when a child is
	// already linked to a different parent.
	ErrChildConflict = errors.New("child already linked to another parent")
)

// Filter selects documents for List.
type Filter struct {
	State          string
	LeafOnly       bool
	IncludeContent bool
	Metadata       map[string]any
}

// Patch describes a partial update. Only metadata and children may
// change; ID, ParentID and State of an existing document are never
// rewritten.
type Patch struct {
	Metadata    map[string]any
	AddChildren []string
}

// Store is the persistence port: durable CRUD plus lineage operations
// over documents. All writes are durable on return.
//
// The Children list is never stored authoritatively: backends derive it
// on read from the ParentID pointers of other documents, ordered by a
// monotonic creation key. An InsertMany of documents that already carry
// their ParentID is therefore the single transaction that makes
// insert-and-link atomic for concurrent readers.
type Store interface {
	// Initialize creates the schema. Idempotent.
	Initialize(ctx context.Context) error

	// Close releases the backend's resources. Idempotent.
	Close() error

	// Insert persists one document and returns it with derived fields
	// populated. Fails with ErrDuplicateID on an existing ID and
	// ErrNotFound when ParentID names no persisted document; the SQLite
	// backend detects a missing parent only when its foreign_keys
	// pragma is enabled.
	Insert(ctx context.Context, doc api.Document) (api.Document, error)

	// InsertMany persists documents in order within one transaction;
	// on any failure nothing is persisted.
	InsertMany(ctx context.Context, docs []api.Document) ([]api.Document, error)

	// Get returns the document or ErrNotFound. With includeContent
	// false the Content field is left nil; everything else, including
	// Children, is populated.
	Get(ctx context.Context, id string, includeContent bool) (*api.Document, error)

	// GetByState returns all documents in the named state.
	GetByState(ctx context.Context, state string, includeContent bool) ([]api.Document, error)

	// GetAll returns every document.
	GetAll(ctx context.Context, includeContent bool) ([]api.Document, error)

	// GetBatch returns the named documents in input order, omitting
	// missing IDs. The relational backends fetch them in a single
	// query; the redis backend loads them one by one.
	GetBatch(ctx context.Context, ids []string) ([]api.Document, error)

	// List returns documents matching the filter. The metadata filter
	// is a conjunction of equality predicates.
	List(ctx context.Context, f Filter) ([]api.Document, error)

	// Update merges patch.Metadata into the document's metadata,
	// applies AddChildren, and returns the updated document.
	Update(ctx context.Context, id string, patch Patch) (*api.Document, error)

	// AppendChildren links existing documents as children of parentID.
	// A child already linked to this parent is skipped; a child linked
	// elsewhere fails with ErrChildConflict; a missing parent or child
	// fails with ErrNotFound. Linking is idempotent.
	AppendChildren(ctx context.Context, parentID string, childIDs []string) error

	// Delete removes the document and all transitive descendants.
	Delete(ctx context.Context, id string) error

	// Count returns the number of documents, restricted to one state
	// when state is non-empty.
	Count(ctx context.Context, state string) (int64, error)

	// StreamContent yields the document's content in chunks of at most
	// chunkSize characters, fetching one chunk per round trip.
	StreamContent(ctx context.Context, id string, chunkSize int) (iter.Seq2[string, error], error)
}

// matchesMetadata reports whether the document's metadata satisfies
// every equality predicate in filter. Backends without server-side
// JSON filtering share this.
func matchesMetadata(doc *api.Document, filter map[string]any) bool {
	for key, want := range filter {
		got, ok := doc.Metadata[key]
		if !ok || !looselyEqual(got, want) {
			return false
		}
	}
	return true
}

// looselyEqual compares metadata values across the numeric type drift
// introduced by a JSON round trip (int written, float64 read back).
func looselyEqual(a, b any) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	return aok && bok && af == bf
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
