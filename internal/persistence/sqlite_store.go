package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strings"

	"github.com/valtteri/docstate/pkg/api"
)

// SQLiteStore is a Store backed by SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing
// the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
//
// The children list is derived on read from parent_id, ordered by
// rowid, so inserting children inside one transaction is all a hop
// needs to make insert-and-link atomic.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore returns a SQLiteStore over the given database.
// Initialize must be called before first use.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) Initialize(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS documents (
			id TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			content TEXT,
			media_type TEXT NOT NULL DEFAULT 'text/plain',
			url TEXT,
			parent_id TEXT REFERENCES documents(id) ON DELETE CASCADE,
			cmetadata TEXT NOT NULL DEFAULT '{}'
		);
		CREATE INDEX IF NOT EXISTS idx_documents_state ON documents(state);
		CREATE INDEX IF NOT EXISTS idx_documents_media_type ON documents(media_type);
		CREATE INDEX IF NOT EXISTS idx_documents_url ON documents(url);
		CREATE INDEX IF NOT EXISTS idx_documents_state_media_type ON documents(state, media_type);
		CREATE INDEX IF NOT EXISTS idx_documents_parent_state ON documents(parent_id, state);
	`)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Insert(ctx context.Context, doc api.Document) (api.Document, error) {
	out, err := s.InsertMany(ctx, []api.Document{doc})
	if err != nil {
		return api.Document{}, err
	}
	return out[0], nil
}

func (s *SQLiteStore) InsertMany(ctx context.Context, docs []api.Document) ([]api.Document, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	for _, doc := range docs {
		meta, err := encodeMetadata(doc.Metadata)
		if err != nil {
			return nil, err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO documents (id, state, content, media_type, url, parent_id, cmetadata)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			doc.ID,
			doc.State,
			doc.Content,
			doc.MediaType,
			nullable(doc.URL),
			nullable(doc.ParentID),
			meta,
		)
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE") {
				return nil, fmt.Errorf("document %s: %w", doc.ID, ErrDuplicateID)
			}
			if strings.Contains(err.Error(), "FOREIGN KEY") {
				return nil, fmt.Errorf("parent %s: %w", doc.ParentID, ErrNotFound)
			}
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	out := make([]api.Document, len(docs))
	for i, doc := range docs {
		out[i] = doc.Clone()
		out[i].Children = nil
	}
	return out, nil
}

// docColumns selects either the real content column or NULL in its
// place, so list scans over large corpora stay cheap.
func docColumns(includeContent bool) string {
	content := "content"
	if !includeContent {
		content = "NULL"
	}
	return fmt.Sprintf("id, state, %s, media_type, url, parent_id, cmetadata", content)
}

func (s *SQLiteStore) scanDocuments(ctx context.Context, rows *sql.Rows) ([]api.Document, error) {
	defer rows.Close()

	var docs []api.Document
	for rows.Next() {
		var (
			doc      api.Document
			content  sql.NullString
			url      sql.NullString
			parentID sql.NullString
			meta     []byte
		)
		if err := rows.Scan(&doc.ID, &doc.State, &content, &doc.MediaType, &url, &parentID, &meta); err != nil {
			return nil, err
		}
		if content.Valid {
			doc.Content = &content.String
		}
		doc.URL = url.String
		doc.ParentID = parentID.String
		if err := decodeMetadata(meta, &doc.Metadata); err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return docs, s.attachChildren(ctx, docs)
}

// attachChildren materializes the Children lists for the given
// documents in one query, ordered by rowid (the creation key).
func (s *SQLiteStore) attachChildren(ctx context.Context, docs []api.Document) error {
	if len(docs) == 0 {
		return nil
	}
	placeholders := make([]string, len(docs))
	args := make([]any, len(docs))
	byID := make(map[string]*api.Document, len(docs))
	for i := range docs {
		placeholders[i] = "?"
		args[i] = docs[i].ID
		byID[docs[i].ID] = &docs[i]
	}

	query := fmt.Sprintf(`
		SELECT parent_id, id FROM documents
		WHERE parent_id IN (%s)
		ORDER BY rowid`, strings.Join(placeholders, ", "))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var parentID, childID string
		if err := rows.Scan(&parentID, &childID); err != nil {
			return err
		}
		if parent, ok := byID[parentID]; ok {
			parent.Children = append(parent.Children, childID)
		}
	}
	return rows.Err()
}

func (s *SQLiteStore) Get(ctx context.Context, id string, includeContent bool) (*api.Document, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+docColumns(includeContent)+" FROM documents WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	docs, err := s.scanDocuments(ctx, rows)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	return &docs[0], nil
}

func (s *SQLiteStore) GetByState(ctx context.Context, state string, includeContent bool) ([]api.Document, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+docColumns(includeContent)+" FROM documents WHERE state = ? ORDER BY rowid", state)
	if err != nil {
		return nil, err
	}
	return s.scanDocuments(ctx, rows)
}

func (s *SQLiteStore) GetAll(ctx context.Context, includeContent bool) ([]api.Document, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+docColumns(includeContent)+" FROM documents ORDER BY rowid")
	if err != nil {
		return nil, err
	}
	return s.scanDocuments(ctx, rows)
}

func (s *SQLiteStore) GetBatch(ctx context.Context, ids []string) ([]api.Document, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		"SELECT %s FROM documents WHERE id IN (%s)",
		docColumns(true), strings.Join(placeholders, ", ")), args...)
	if err != nil {
		return nil, err
	}
	docs, err := s.scanDocuments(ctx, rows)
	if err != nil {
		return nil, err
	}

	// Re-order to match the input; missing IDs are omitted.
	byID := make(map[string]api.Document, len(docs))
	for _, doc := range docs {
		byID[doc.ID] = doc
	}
	out := make([]api.Document, 0, len(docs))
	for _, id := range ids {
		if doc, ok := byID[id]; ok {
			out = append(out, doc)
		}
	}
	return out, nil
}

func (s *SQLiteStore) List(ctx context.Context, f Filter) ([]api.Document, error) {
	query := "SELECT " + docColumns(f.IncludeContent) + " FROM documents"
	var clauses []string
	var args []any

	if f.State != "" {
		clauses = append(clauses, "state = ?")
		args = append(args, f.State)
	}
	if f.LeafOnly {
		clauses = append(clauses, "NOT EXISTS (SELECT 1 FROM documents c WHERE c.parent_id = documents.id)")
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY rowid"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	docs, err := s.scanDocuments(ctx, rows)
	if err != nil {
		return nil, err
	}
	if len(f.Metadata) == 0 {
		return docs, nil
	}

	// Metadata predicates are applied here rather than in SQL; SQLite's
	// json_extract comparisons do not line up with JSON equality for
	// non-scalar values.
	filtered := docs[:0]
	for _, doc := range docs {
		if matchesMetadata(&doc, f.Metadata) {
			filtered = append(filtered, doc)
		}
	}
	return filtered, nil
}

func (s *SQLiteStore) Update(ctx context.Context, id string, patch Patch) (*api.Document, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var meta []byte
	err = tx.QueryRowContext(ctx, "SELECT cmetadata FROM documents WHERE id = ?", id).Scan(&meta)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	if len(patch.Metadata) > 0 {
		var current map[string]any
		if err := decodeMetadata(meta, &current); err != nil {
			return nil, err
		}
		for k, v := range patch.Metadata {
			current[k] = v
		}
		merged, err := encodeMetadata(current)
		if err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, "UPDATE documents SET cmetadata = ? WHERE id = ?", merged, id); err != nil {
			return nil, err
		}
	}

	if err := appendChildrenTx(ctx, tx, sqlitePlaceholder, id, patch.AddChildren); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.Get(ctx, id, true)
}

func (s *SQLiteStore) AppendChildren(ctx context.Context, parentID string, childIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, "SELECT 1 FROM documents WHERE id = ?", parentID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("parent %s: %w", parentID, ErrNotFound)
	}
	if err != nil {
		return err
	}

	if err := appendChildrenTx(ctx, tx, sqlitePlaceholder, parentID, childIDs); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		WITH RECURSIVE descendants(id) AS (
			SELECT id FROM documents WHERE id = ?
			UNION ALL
			SELECT d.id FROM documents d JOIN descendants a ON d.parent_id = a.id
		)
		DELETE FROM documents WHERE id IN (SELECT id FROM descendants)`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) Count(ctx context.Context, state string) (int64, error) {
	var n int64
	var err error
	if state == "" {
		err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM documents").Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM documents WHERE state = ?", state).Scan(&n)
	}
	return n, err
}

func (s *SQLiteStore) StreamContent(ctx context.Context, id string, chunkSize int) (iter.Seq2[string, error], error) {
	var hasContent bool
	var length int
	err := s.db.QueryRowContext(ctx, `
		SELECT content IS NOT NULL, COALESCE(length(content), 0)
		FROM documents WHERE id = ?`, id).Scan(&hasContent, &length)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if !hasContent {
		return nil, fmt.Errorf("document %s: %w", id, ErrNoContent)
	}

	// substr offsets are 1-based and count characters, so each chunk is
	// one bounded round trip.
	return func(yield func(string, error) bool) {
		for offset := 1; offset <= length; offset += chunkSize {
			var chunk string
			err := s.db.QueryRowContext(ctx,
				"SELECT substr(content, ?, ?) FROM documents WHERE id = ?",
				offset, chunkSize, id).Scan(&chunk)
			if err != nil {
				yield("", err)
				return
			}
			if !yield(chunk, nil) {
				return
			}
		}
	}, nil
}

// sqlitePlaceholder renders the n-th SQL placeholder (1-based).
func sqlitePlaceholder(int) string { return "?" }

// appendChildrenTx links existing root documents as children of
// parentID by claiming their parent_id. Children already pointing at
// this parent are no-ops; children owned elsewhere conflict.
func appendChildrenTx(ctx context.Context, tx *sql.Tx, ph func(int) string, parentID string, childIDs []string) error {
	for _, childID := range childIDs {
		var current sql.NullString
		err := tx.QueryRowContext(ctx,
			"SELECT parent_id FROM documents WHERE id = "+ph(1), childID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("child %s: %w", childID, ErrNotFound)
		}
		if err != nil {
			return err
		}
		switch current.String {
		case parentID:
			// Already linked.
		case "":
			if _, err := tx.ExecContext(ctx,
				"UPDATE documents SET parent_id = "+ph(1)+" WHERE id = "+ph(2),
				parentID, childID); err != nil {
				return err
			}
		default:
			return fmt.Errorf("child %s: %w", childID, ErrChildConflict)
		}
	}
	return nil
}

func encodeMetadata(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func decodeMetadata(data []byte, dst *map[string]any) error {
	if len(data) == 0 {
		*dst = map[string]any{}
		return nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return err
	}
	if *dst == nil {
		*dst = map[string]any{}
	}
	return nil
}

// nullable maps "" to SQL NULL for optional text columns.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
