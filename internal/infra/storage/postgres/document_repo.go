package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/vietddude/pipewarden/internal/infra/storage"
)

// DocumentRepo implements storage.DocumentStore on a single JSONB table.
type DocumentRepo struct {
	db *sqlx.DB
}

var _ storage.DocumentStore = (*DocumentRepo)(nil)

// NewDocumentRepo creates a new PostgreSQL document repository.
func NewDocumentRepo(db *DB) *DocumentRepo {
	return &DocumentRepo{db: db.DB}
}

// GetDocument retrieves a document by id.
func (r *DocumentRepo) GetDocument(ctx context.Context, collection, id string) (storage.Document, error) {
	var body []byte
	err := r.db.GetContext(ctx, &body,
		`SELECT body FROM documents WHERE collection = $1 AND id = $2`, collection, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return storage.ParseDocument(body)
}

// CreateDocument inserts a document, failing if the id is taken.
func (r *DocumentRepo) CreateDocument(ctx context.Context, collection, id string, doc any) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode document: %w", err)
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO documents (collection, id, body, created_at, updated_at)
		VALUES ($1, $2, $3::jsonb, now(), now())
		ON CONFLICT (collection, id) DO NOTHING`,
		collection, id, body)
	if err != nil {
		return fmt.Errorf("failed to create document: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to create document: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s/%s: %w", collection, id, storage.ErrAlreadyExists)
	}
	return nil
}

// PutDocument stores doc as the whole body, replacing any existing one.
func (r *DocumentRepo) PutDocument(ctx context.Context, collection, id string, doc any) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode document: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO documents (collection, id, body, created_at, updated_at)
		VALUES ($1, $2, $3::jsonb, now(), now())
		ON CONFLICT (collection, id) DO UPDATE
		SET body = EXCLUDED.body,
			updated_at = now()`,
		collection, id, body)
	if err != nil {
		return fmt.Errorf("failed to put document: %w", err)
	}
	return nil
}

// UpdateDocument merges top-level fields; a missing document is created.
func (r *DocumentRepo) UpdateDocument(ctx context.Context, collection, id string, fields map[string]any) error {
	body, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("failed to encode fields: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO documents (collection, id, body, created_at, updated_at)
		VALUES ($1, $2, $3::jsonb, now(), now())
		ON CONFLICT (collection, id) DO UPDATE
		SET body = documents.body || EXCLUDED.body,
			updated_at = now()`,
		collection, id, body)
	if err != nil {
		return fmt.Errorf("failed to update document: %w", err)
	}
	return nil
}

// QueryDocuments returns documents matching all filters, ordered by id.
func (r *DocumentRepo) QueryDocuments(ctx context.Context, collection string, filters ...storage.Filter) ([]storage.Document, error) {
	query, args, err := buildQuery(collection, filters)
	if err != nil {
		return nil, err
	}

	var bodies [][]byte
	if err := r.db.SelectContext(ctx, &bodies, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}

	docs := make([]storage.Document, 0, len(bodies))
	for _, b := range bodies {
		d, err := storage.ParseDocument(b)
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, nil
}

// IncrementField adds delta to a numeric field in a single statement.
func (r *DocumentRepo) IncrementField(ctx context.Context, collection, id, field string, delta float64) (float64, error) {
	var value float64
	err := r.db.GetContext(ctx, &value, `
		INSERT INTO documents (collection, id, body, created_at, updated_at)
		VALUES ($1, $2, jsonb_build_object($3::text, $4::numeric), now(), now())
		ON CONFLICT (collection, id) DO UPDATE
		SET body = jsonb_set(
				documents.body,
				ARRAY[$3::text],
				to_jsonb(COALESCE((documents.body->>$3::text)::numeric, 0) + $4::numeric)),
			updated_at = now()
		RETURNING (body->>$3::text)::float8`,
		collection, id, field, delta)
	if err != nil {
		return 0, fmt.Errorf("failed to increment %s: %w", field, err)
	}
	return value, nil
}

// Ping checks database connectivity.
func (r *DocumentRepo) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func buildQuery(collection string, filters []storage.Filter) (string, []any, error) {
	if err := storage.ValidateFilters(filters); err != nil {
		return "", nil, err
	}

	var b strings.Builder
	b.WriteString(`SELECT body FROM documents WHERE collection = $1`)
	args := []any{collection}

	for _, f := range filters {
		fieldPos := len(args) + 1
		valuePos := len(args) + 2
		op := "="
		switch f.Op {
		case storage.OpGte:
			op = ">="
		case storage.OpLte:
			op = "<="
		}

		switch v := f.Value.(type) {
		case int, int32, int64, uint64, float32, float64, json.Number:
			fmt.Fprintf(&b, ` AND (body->>$%d::text)::numeric %s $%d`, fieldPos, op, valuePos)
			args = append(args, f.Field, v)
		default:
			fmt.Fprintf(&b, ` AND body->>$%d::text %s $%d`, fieldPos, op, valuePos)
			args = append(args, f.Field, fmt.Sprint(v))
		}
	}
	b.WriteString(` ORDER BY id`)
	return b.String(), args, nil
}
