package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"unicode/utf8"

	"github.com/redis/go-redis/v9"

	"github.com/valtteri/docstate/pkg/api"
)

// RedisStore is a Store backed by Redis. It uses a simple key structure:
//
//	<prefix>doc:<id>          => JSON-encoded document (without content)
//	<prefix>content:<id>      => raw content string (absent when content is null)
//	<prefix>idx:all           => SET of all document IDs
//	<prefix>idx:state:<name>  => SET of document IDs in a given state
//	<prefix>kids:<id>         => LIST of child IDs in insertion order
//
// Content lives in its own key so large documents can be streamed with
// GETRANGE and list scans can skip it entirely. Writes touch all keys
// through a single pipeline; validation happens up front, so the store
// is best-effort atomic rather than transactional — fine for a cache or
// a single-writer deployment, use the relational stores otherwise.
type RedisStore struct {
	client *redis.Client
	prefix string
}

var _ Store = (*RedisStore)(nil)

// redisDoc is the persisted shape of a document minus content and the
// derived children list.
type redisDoc struct {
	ID         string         `json:"id"`
	State      string         `json:"state"`
	MediaType  string         `json:"media_type"`
	URL        string         `json:"url,omitempty"`
	ParentID   string         `json:"parent_id,omitempty"`
	Metadata   map[string]any `json:"metadata"`
	HasContent bool           `json:"has_content"`
}

// NewRedisStore creates a RedisStore.
// prefix is optional but recommended (e.g. "docstate:").
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "docstate:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) keyDoc(id string) string      { return s.prefix + "doc:" + id }
func (s *RedisStore) keyContent(id string) string  { return s.prefix + "content:" + id }
func (s *RedisStore) keyAll() string               { return s.prefix + "idx:all" }
func (s *RedisStore) keyState(state string) string { return s.prefix + "idx:state:" + state }
func (s *RedisStore) keyKids(id string) string     { return s.prefix + "kids:" + id }

func (s *RedisStore) Initialize(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	if err := s.client.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		return err
	}
	return nil
}

func (s *RedisStore) Insert(ctx context.Context, doc api.Document) (api.Document, error) {
	out, err := s.InsertMany(ctx, []api.Document{doc})
	if err != nil {
		return api.Document{}, err
	}
	return out[0], nil
}

func (s *RedisStore) InsertMany(ctx context.Context, docs []api.Document) ([]api.Document, error) {
	// Validate the batch before touching any key.
	inBatch := make(map[string]struct{}, len(docs))
	for _, doc := range docs {
		if _, dup := inBatch[doc.ID]; dup {
			return nil, fmt.Errorf("document %s: %w", doc.ID, ErrDuplicateID)
		}
		inBatch[doc.ID] = struct{}{}
		n, err := s.client.Exists(ctx, s.keyDoc(doc.ID)).Result()
		if err != nil {
			return nil, err
		}
		if n > 0 {
			return nil, fmt.Errorf("document %s: %w", doc.ID, ErrDuplicateID)
		}
	}
	for _, doc := range docs {
		if doc.ParentID == "" {
			continue
		}
		if _, ok := inBatch[doc.ParentID]; ok {
			continue
		}
		n, err := s.client.Exists(ctx, s.keyDoc(doc.ParentID)).Result()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, fmt.Errorf("parent %s: %w", doc.ParentID, ErrNotFound)
		}
	}

	pipe := s.client.TxPipeline()
	for _, doc := range docs {
		payload, err := json.Marshal(redisDoc{
			ID:         doc.ID,
			State:      doc.State,
			MediaType:  doc.MediaType,
			URL:        doc.URL,
			ParentID:   doc.ParentID,
			Metadata:   doc.Metadata,
			HasContent: doc.Content != nil,
		})
		if err != nil {
			return nil, err
		}
		pipe.Set(ctx, s.keyDoc(doc.ID), payload, 0)
		if doc.Content != nil {
			pipe.Set(ctx, s.keyContent(doc.ID), *doc.Content, 0)
		}
		pipe.SAdd(ctx, s.keyAll(), doc.ID)
		pipe.SAdd(ctx, s.keyState(doc.State), doc.ID)
		if doc.ParentID != "" {
			pipe.RPush(ctx, s.keyKids(doc.ParentID), doc.ID)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	out := make([]api.Document, len(docs))
	for i, doc := range docs {
		out[i] = doc.Clone()
		out[i].Children = nil
	}
	return out, nil
}

func (s *RedisStore) load(ctx context.Context, id string, includeContent bool) (*api.Document, error) {
	data, err := s.client.Get(ctx, s.keyDoc(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("document %s: %w", id, ErrNotFound)
		}
		return nil, err
	}

	var payload redisDoc
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, err
	}

	doc := api.Document{
		ID:        payload.ID,
		State:     payload.State,
		MediaType: payload.MediaType,
		URL:       payload.URL,
		ParentID:  payload.ParentID,
		Metadata:  payload.Metadata,
	}
	if doc.Metadata == nil {
		doc.Metadata = map[string]any{}
	}

	if includeContent && payload.HasContent {
		content, err := s.client.Get(ctx, s.keyContent(id)).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, err
		}
		doc.Content = &content
	}

	kids, err := s.client.LRange(ctx, s.keyKids(id), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	doc.Children = kids

	return &doc, nil
}

func (s *RedisStore) Get(ctx context.Context, id string, includeContent bool) (*api.Document, error) {
	return s.load(ctx, id, includeContent)
}

func (s *RedisStore) loadMany(ctx context.Context, ids []string, includeContent bool) ([]api.Document, error) {
	out := make([]api.Document, 0, len(ids))
	for _, id := range ids {
		doc, err := s.load(ctx, id, includeContent)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, *doc)
	}
	return out, nil
}

func (s *RedisStore) GetByState(ctx context.Context, state string, includeContent bool) ([]api.Document, error) {
	ids, err := s.client.SMembers(ctx, s.keyState(state)).Result()
	if err != nil {
		return nil, err
	}
	return s.loadMany(ctx, ids, includeContent)
}

func (s *RedisStore) GetAll(ctx context.Context, includeContent bool) ([]api.Document, error) {
	ids, err := s.client.SMembers(ctx, s.keyAll()).Result()
	if err != nil {
		return nil, err
	}
	return s.loadMany(ctx, ids, includeContent)
}

func (s *RedisStore) GetBatch(ctx context.Context, ids []string) ([]api.Document, error) {
	return s.loadMany(ctx, ids, true)
}

func (s *RedisStore) List(ctx context.Context, f Filter) ([]api.Document, error) {
	var ids []string
	var err error
	if f.State != "" {
		ids, err = s.client.SMembers(ctx, s.keyState(f.State)).Result()
	} else {
		ids, err = s.client.SMembers(ctx, s.keyAll()).Result()
	}
	if err != nil {
		return nil, err
	}

	docs, err := s.loadMany(ctx, ids, f.IncludeContent)
	if err != nil {
		return nil, err
	}

	out := docs[:0]
	for _, doc := range docs {
		if f.LeafOnly && len(doc.Children) > 0 {
			continue
		}
		if len(f.Metadata) > 0 && !matchesMetadata(&doc, f.Metadata) {
			continue
		}
		out = append(out, doc)
	}
	return out, nil
}

func (s *RedisStore) Update(ctx context.Context, id string, patch Patch) (*api.Document, error) {
	doc, err := s.load(ctx, id, false)
	if err != nil {
		return nil, err
	}

	if len(patch.Metadata) > 0 {
		for k, v := range patch.Metadata {
			doc.Metadata[k] = v
		}
		if err := s.rewriteDoc(ctx, doc); err != nil {
			return nil, err
		}
	}

	if err := s.AppendChildren(ctx, id, patch.AddChildren); err != nil {
		return nil, err
	}
	return s.load(ctx, id, true)
}

// rewriteDoc re-serializes the metadata-bearing payload, leaving the
// content key untouched.
func (s *RedisStore) rewriteDoc(ctx context.Context, doc *api.Document) error {
	hasContent, err := s.client.Exists(ctx, s.keyContent(doc.ID)).Result()
	if err != nil {
		return err
	}
	payload, err := json.Marshal(redisDoc{
		ID:         doc.ID,
		State:      doc.State,
		MediaType:  doc.MediaType,
		URL:        doc.URL,
		ParentID:   doc.ParentID,
		Metadata:   doc.Metadata,
		HasContent: hasContent > 0,
	})
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.keyDoc(doc.ID), payload, 0).Err()
}

func (s *RedisStore) AppendChildren(ctx context.Context, parentID string, childIDs []string) error {
	n, err := s.client.Exists(ctx, s.keyDoc(parentID)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("parent %s: %w", parentID, ErrNotFound)
	}

	for _, childID := range childIDs {
		child, err := s.load(ctx, childID, false)
		if err != nil {
			return err
		}
		switch child.ParentID {
		case parentID:
			// Already linked; idempotent no-op.
		case "":
			child.ParentID = parentID
			if err := s.rewriteDoc(ctx, child); err != nil {
				return err
			}
			if err := s.client.RPush(ctx, s.keyKids(parentID), childID).Err(); err != nil {
				return err
			}
		default:
			return fmt.Errorf("child %s: %w", childID, ErrChildConflict)
		}
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	root, err := s.load(ctx, id, false)
	if err != nil {
		return err
	}

	// Walk the subtree breadth-first.
	doomed := []string{id}
	for i := 0; i < len(doomed); i++ {
		kids, err := s.client.LRange(ctx, s.keyKids(doomed[i]), 0, -1).Result()
		if err != nil {
			return err
		}
		doomed = append(doomed, kids...)
	}

	states := make(map[string]string, len(doomed))
	states[id] = root.State
	for _, d := range doomed[1:] {
		doc, err := s.load(ctx, d, false)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return err
		}
		states[d] = doc.State
	}

	pipe := s.client.TxPipeline()
	for _, d := range doomed {
		pipe.Del(ctx, s.keyDoc(d), s.keyContent(d), s.keyKids(d))
		pipe.SRem(ctx, s.keyAll(), d)
		if state, ok := states[d]; ok {
			pipe.SRem(ctx, s.keyState(state), d)
		}
	}
	if root.ParentID != "" {
		pipe.LRem(ctx, s.keyKids(root.ParentID), 0, id)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Count(ctx context.Context, state string) (int64, error) {
	if state == "" {
		return s.client.SCard(ctx, s.keyAll()).Result()
	}
	return s.client.SCard(ctx, s.keyState(state)).Result()
}

func (s *RedisStore) StreamContent(ctx context.Context, id string, chunkSize int) (iter.Seq2[string, error], error) {
	n, err := s.client.Exists(ctx, s.keyDoc(id)).Result()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	n, err = s.client.Exists(ctx, s.keyContent(id)).Result()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("document %s: %w", id, ErrNoContent)
	}
	length, err := s.client.StrLen(ctx, s.keyContent(id)).Result()
	if err != nil {
		return nil, err
	}

	// GETRANGE works in bytes; chunks are trimmed back to a utf8 rune
	// boundary, so sizes are approximate for multi-byte content.
	return func(yield func(string, error) bool) {
		var offset int64
		for offset < length {
			end := offset + int64(chunkSize) - 1
			raw, err := s.client.GetRange(ctx, s.keyContent(id), offset, end).Result()
			if err != nil {
				yield("", err)
				return
			}
			chunk := raw
			if offset+int64(len(raw)) < length {
				for len(chunk) > 0 && !utf8.ValidString(chunk) {
					chunk = chunk[:len(chunk)-1]
				}
				if len(chunk) == 0 {
					chunk = raw
				}
			}
			if !yield(chunk, nil) {
				return
			}
			offset += int64(len(chunk))
		}
	}, nil
}
