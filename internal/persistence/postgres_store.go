package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/valtteri/docstate/pkg/api"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// It expects an *sql.DB that uses a PostgreSQL driver. The caller is
// responsible for importing the driver for its side effects, e.g.:
//
//	import _ "github.com/jackc/pgx/v5/stdlib"
//
// Metadata lives in a JSONB column, so equality filters run server-side
// via the @> containment operator. Children are derived on read from
// parent_id ordered by a BIGSERIAL creation key.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore returns a PostgresStore over the given database.
// Initialize must be called before first use.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Initialize(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS documents (
			seq BIGSERIAL,
			id TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			content TEXT,
			media_type TEXT NOT NULL DEFAULT 'text/plain',
			url TEXT,
			parent_id TEXT REFERENCES documents(id) ON DELETE CASCADE,
			cmetadata JSONB NOT NULL DEFAULT '{}'
		);
		CREATE INDEX IF NOT EXISTS idx_documents_state ON documents(state);
		CREATE INDEX IF NOT EXISTS idx_documents_media_type ON documents(media_type);
		CREATE INDEX IF NOT EXISTS idx_documents_url ON documents(url);
		CREATE INDEX IF NOT EXISTS idx_documents_state_media_type ON documents(state, media_type);
		CREATE INDEX IF NOT EXISTS idx_documents_parent_state ON documents(parent_id, state);
	`)
	return err
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func isPgCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}

func (s *PostgresStore) Insert(ctx context.Context, doc api.Document) (api.Document, error) {
	out, err := s.InsertMany(ctx, []api.Document{doc})
	if err != nil {
		return api.Document{}, err
	}
	return out[0], nil
}

func (s *PostgresStore) InsertMany(ctx context.Context, docs []api.Document) ([]api.Document, error) {
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
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			doc.ID,
			doc.State,
			doc.Content,
			doc.MediaType,
			nullable(doc.URL),
			nullable(doc.ParentID),
			meta,
		)
		if err != nil {
			// 23505 unique_violation, 23503 foreign_key_violation.
			if isPgCode(err, "23505") {
				return nil, fmt.Errorf("document %s: %w", doc.ID, ErrDuplicateID)
			}
			if isPgCode(err, "23503") {
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

func (s *PostgresStore) scanDocuments(ctx context.Context, rows *sql.Rows) ([]api.Document, error) {
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

func (s *PostgresStore) attachChildren(ctx context.Context, docs []api.Document) error {
	if len(docs) == 0 {
		return nil
	}
	ids := make([]string, len(docs))
	byID := make(map[string]*api.Document, len(docs))
	for i := range docs {
		ids[i] = docs[i].ID
		byID[docs[i].ID] = &docs[i]
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT parent_id, id FROM documents
		WHERE parent_id = ANY($1)
		ORDER BY seq`, ids)
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

func (s *PostgresStore) Get(ctx context.Context, id string, includeContent bool) (*api.Document, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+docColumns(includeContent)+" FROM documents WHERE id = $1", id)
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

func (s *PostgresStore) GetByState(ctx context.Context, state string, includeContent bool) ([]api.Document, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+docColumns(includeContent)+" FROM documents WHERE state = $1 ORDER BY seq", state)
	if err != nil {
		return nil, err
	}
	return s.scanDocuments(ctx, rows)
}

func (s *PostgresStore) GetAll(ctx context.Context, includeContent bool) ([]api.Document, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+docColumns(includeContent)+" FROM documents ORDER BY seq")
	if err != nil {
		return nil, err
	}
	return s.scanDocuments(ctx, rows)
}

func (s *PostgresStore) GetBatch(ctx context.Context, ids []string) ([]api.Document, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+docColumns(true)+" FROM documents WHERE id = ANY($1)", ids)
	if err != nil {
		return nil, err
	}
	docs, err := s.scanDocuments(ctx, rows)
	if err != nil {
		return nil, err
	}

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

func (s *PostgresStore) List(ctx context.Context, f Filter) ([]api.Document, error) {
	query := "SELECT " + docColumns(f.IncludeContent) + " FROM documents"
	var clauses []string
	var args []any

	if f.State != "" {
		args = append(args, f.State)
		clauses = append(clauses, fmt.Sprintf("state = $%d", len(args)))
	}
	if f.LeafOnly {
		clauses = append(clauses, "NOT EXISTS (SELECT 1 FROM documents c WHERE c.parent_id = documents.id)")
	}
	if len(f.Metadata) > 0 {
		meta, err := json.Marshal(f.Metadata)
		if err != nil {
			return nil, err
		}
		args = append(args, meta)
		clauses = append(clauses, fmt.Sprintf("cmetadata @> $%d", len(args)))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY seq"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return s.scanDocuments(ctx, rows)
}

func (s *PostgresStore) Update(ctx context.Context, id string, patch Patch) (*api.Document, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if len(patch.Metadata) > 0 {
		meta, err := json.Marshal(patch.Metadata)
		if err != nil {
			return nil, err
		}
		res, err := tx.ExecContext(ctx,
			"UPDATE documents SET cmetadata = cmetadata || $1 WHERE id = $2", meta, id)
		if err != nil {
			return nil, err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if affected == 0 {
			return nil, fmt.Errorf("document %s: %w", id, ErrNotFound)
		}
	} else {
		var exists int
		err := tx.QueryRowContext(ctx, "SELECT 1 FROM documents WHERE id = $1", id).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("document %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return nil, err
		}
	}

	if err := appendChildrenTx(ctx, tx, pgPlaceholder, id, patch.AddChildren); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.Get(ctx, id, true)
}

func (s *PostgresStore) AppendChildren(ctx context.Context, parentID string, childIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, "SELECT 1 FROM documents WHERE id = $1", parentID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("parent %s: %w", parentID, ErrNotFound)
	}
	if err != nil {
		return err
	}

	if err := appendChildrenTx(ctx, tx, pgPlaceholder, parentID, childIDs); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		WITH RECURSIVE descendants(id) AS (
			SELECT id FROM documents WHERE id = $1
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

func (s *PostgresStore) Count(ctx context.Context, state string) (int64, error) {
	var n int64
	var err error
	if state == "" {
		err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM documents").Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM documents WHERE state = $1", state).Scan(&n)
	}
	return n, err
}

func (s *PostgresStore) StreamContent(ctx context.Context, id string, chunkSize int) (iter.Seq2[string, error], error) {
	var hasContent bool
	var length int
	err := s.db.QueryRowContext(ctx, `
		SELECT content IS NOT NULL, COALESCE(char_length(content), 0)
		FROM documents WHERE id = $1`, id).Scan(&hasContent, &length)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if !hasContent {
		return nil, fmt.Errorf("document %s: %w", id, ErrNoContent)
	}

	return func(yield func(string, error) bool) {
		for offset := 1; offset <= length; offset += chunkSize {
			var chunk string
			err := s.db.QueryRowContext(ctx,
				"SELECT substring(content FROM $1 FOR $2) FROM documents WHERE id = $3",
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

// pgPlaceholder renders the n-th SQL placeholder (1-based).
func pgPlaceholder(n int) string { return fmt.Sprintf("$%d", n) }
