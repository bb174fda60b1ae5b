package persistence

import (
	"context"
	"fmt"
	"iter"
	"sync"

	"github.com/valtteri/docstate/pkg/api"
)

// MemoryStore is a goroutine-safe Store backed by maps. It is
// non-durable and intended for tests and local development.
type MemoryStore struct {
	mu       sync.RWMutex
	docs     map[string]*api.Document
	children map[string][]string
	order    []string // insertion order, the in-memory creation key
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:     make(map[string]*api.Document),
		children: make(map[string][]string),
	}
}

func (s *MemoryStore) Initialize(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) Insert(ctx context.Context, doc api.Document) (api.Document, error) {
	out, err := s.InsertMany(ctx, []api.Document{doc})
	if err != nil {
		return api.Document{}, err
	}
	return out[0], nil
}

func (s *MemoryStore) InsertMany(ctx context.Context, docs []api.Document) ([]api.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate the whole batch first so a failure persists nothing.
	seen := make(map[string]struct{}, len(docs))
	for _, doc := range docs {
		if _, dup := s.docs[doc.ID]; dup {
			return nil, fmt.Errorf("document %s: %w", doc.ID, ErrDuplicateID)
		}
		if _, dup := seen[doc.ID]; dup {
			return nil, fmt.Errorf("document %s: %w", doc.ID, ErrDuplicateID)
		}
		seen[doc.ID] = struct{}{}
	}
	for _, doc := range docs {
		if doc.ParentID == "" {
			continue
		}
		if _, ok := s.docs[doc.ParentID]; ok {
			continue
		}
		if _, inBatch := seen[doc.ParentID]; inBatch {
			continue
		}
		return nil, fmt.Errorf("parent %s: %w", doc.ParentID, ErrNotFound)
	}

	out := make([]api.Document, 0, len(docs))
	for _, doc := range docs {
		stored := doc.Clone()
		stored.Children = nil
		s.docs[stored.ID] = &stored
		s.order = append(s.order, stored.ID)
		if stored.ParentID != "" {
			s.children[stored.ParentID] = append(s.children[stored.ParentID], stored.ID)
		}
		out = append(out, s.materialize(&stored, true))
	}
	return out, nil
}

// materialize returns a caller-owned copy with derived fields filled.
// Callers must hold at least the read lock.
func (s *MemoryStore) materialize(doc *api.Document, includeContent bool) api.Document {
	out := doc.Clone()
	out.Children = append([]string(nil), s.children[doc.ID]...)
	if !includeContent {
		out.Content = nil
	}
	return out
}

func (s *MemoryStore) Get(ctx context.Context, id string, includeContent bool) (*api.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.docs[id]
	if !ok {
		return nil, fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	out := s.materialize(doc, includeContent)
	return &out, nil
}

func (s *MemoryStore) GetByState(ctx context.Context, state string, includeContent bool) ([]api.Document, error) {
	return s.List(ctx, Filter{State: state, IncludeContent: includeContent})
}

func (s *MemoryStore) GetAll(ctx context.Context, includeContent bool) ([]api.Document, error) {
	return s.List(ctx, Filter{IncludeContent: includeContent})
}

func (s *MemoryStore) GetBatch(ctx context.Context, ids []string) ([]api.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]api.Document, 0, len(ids))
	for _, id := range ids {
		if doc, ok := s.docs[id]; ok {
			out = append(out, s.materialize(doc, true))
		}
	}
	return out, nil
}

func (s *MemoryStore) List(ctx context.Context, f Filter) ([]api.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []api.Document
	for _, id := range s.order {
		doc := s.docs[id]
		if f.State != "" && doc.State != f.State {
			continue
		}
		if f.LeafOnly && len(s.children[id]) > 0 {
			continue
		}
		if len(f.Metadata) > 0 && !matchesMetadata(doc, f.Metadata) {
			continue
		}
		out = append(out, s.materialize(doc, f.IncludeContent))
	}
	return out, nil
}

func (s *MemoryStore) Update(ctx context.Context, id string, patch Patch) (*api.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[id]
	if !ok {
		return nil, fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	if doc.Metadata == nil {
		doc.Metadata = map[string]any{}
	}
	for k, v := range patch.Metadata {
		doc.Metadata[k] = v
	}
	if err := s.appendChildrenLocked(id, patch.AddChildren); err != nil {
		return nil, err
	}
	out := s.materialize(doc, true)
	return &out, nil
}

func (s *MemoryStore) AppendChildren(ctx context.Context, parentID string, childIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendChildrenLocked(parentID, childIDs)
}

func (s *MemoryStore) appendChildrenLocked(parentID string, childIDs []string) error {
	if len(childIDs) == 0 {
		return nil
	}
	if _, ok := s.docs[parentID]; !ok {
		return fmt.Errorf("parent %s: %w", parentID, ErrNotFound)
	}
	for _, childID := range childIDs {
		child, ok := s.docs[childID]
		if !ok {
			return fmt.Errorf("child %s: %w", childID, ErrNotFound)
		}
		switch child.ParentID {
		case parentID:
			// Already linked; idempotent no-op.
		case "":
			child.ParentID = parentID
			s.children[parentID] = append(s.children[parentID], childID)
		default:
			return fmt.Errorf("child %s: %w", childID, ErrChildConflict)
		}
	}
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.docs[id]; !ok {
		return fmt.Errorf("document %s: %w", id, ErrNotFound)
	}

	// Collect the subtree, then drop it in one pass.
	doomed := []string{id}
	for i := 0; i < len(doomed); i++ {
		doomed = append(doomed, s.children[doomed[i]]...)
	}
	dead := make(map[string]struct{}, len(doomed))
	for _, d := range doomed {
		dead[d] = struct{}{}
		delete(s.docs, d)
		delete(s.children, d)
	}

	kept := s.order[:0]
	for _, d := range s.order {
		if _, gone := dead[d]; !gone {
			kept = append(kept, d)
		}
	}
	s.order = kept

	// Unlink from a surviving parent's children list.
	for parent, kids := range s.children {
		filtered := kids[:0]
		for _, kid := range kids {
			if _, gone := dead[kid]; !gone {
				filtered = append(filtered, kid)
			}
		}
		s.children[parent] = filtered
	}
	return nil
}

func (s *MemoryStore) Count(ctx context.Context, state string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if state == "" {
		return int64(len(s.docs)), nil
	}
	var n int64
	for _, doc := range s.docs {
		if doc.State == state {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) StreamContent(ctx context.Context, id string, chunkSize int) (iter.Seq2[string, error], error) {
	s.mu.RLock()
	doc, ok := s.docs[id]
	if !ok {
		s.mu.RUnlock()
		return nil, fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	if doc.Content == nil {
		s.mu.RUnlock()
		return nil, fmt.Errorf("document %s: %w", id, ErrNoContent)
	}
	content := *doc.Content
	s.mu.RUnlock()

	return func(yield func(string, error) bool) {
		runes := []rune(content)
		for i := 0; i < len(runes); i += chunkSize {
			if ctx.Err() != nil {
				yield("", ctx.Err())
				return
			}
			end := min(i+chunkSize, len(runes))
			if !yield(string(runes[i:end]), nil) {
				return
			}
		}
	}, nil
}
