package corpus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/akimenko/webpress/internal/entities"
)

var ErrNotFound = errors.New("document not found")

// Store is the record store for the corpus. Media fields live in a jsonb
// map per document; the completion flag and date are columns so the batch
// scan can filter without unpacking fields.
type Store struct {
	dbpool *pgxpool.Pool
}

func New(ctx context.Context, databaseDSN string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	return &Store{dbpool: pool}, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.dbpool.Ping(ctx)
}

func (s *Store) Close() {
	s.dbpool.Close()
}

func (s *Store) Get(ctx context.Context, id string) (entities.Document, error) {
	row := s.dbpool.QueryRow(ctx,
		`SELECT id, fields, webp_conversion_complete, webp_conversion_date
		   FROM documents WHERE id = $1`, id)
	return scanDocument(row, id)
}

// ScanIncomplete returns up to limit documents whose completion flag is not
// set, in store enumeration order.
func (s *Store) ScanIncomplete(ctx context.Context, limit int) ([]entities.Document, error) {
	return s.scan(ctx,
		`SELECT id, fields, webp_conversion_complete, webp_conversion_date
		   FROM documents WHERE NOT webp_conversion_complete ORDER BY id LIMIT $1`, limit)
}

// ScanComplete returns up to limit completed documents, for reset.
func (s *Store) ScanComplete(ctx context.Context, limit int) ([]entities.Document, error) {
	return s.scan(ctx,
		`SELECT id, fields, webp_conversion_complete, webp_conversion_date
		   FROM documents WHERE webp_conversion_complete ORDER BY id LIMIT $1`, limit)
}

// ListIDs returns raw corpus identifiers with no completion filtering and no
// mutation; the discovery/debugging path.
func (s *Store) ListIDs(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.dbpool.Query(ctx, `SELECT id FROM documents ORDER BY id LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan document id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.dbpool.QueryRow(ctx, `SELECT count(*) FROM documents`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count documents: %w", err)
	}
	return n, nil
}

// ApplyUpdate merges writes into the document's field map and removes the
// keys in deletes, in a single statement. The _original backup therefore
// lands atomically with the primary overwrite: a crash can never leave the
// new value in place without the backed-up origin URL.
func (s *Store) ApplyUpdate(ctx context.Context, id string, writes map[string]any, deletes []string) error {
	payload, err := json.Marshal(writes)
	if err != nil {
		return fmt.Errorf("marshal field writes for %s: %w", id, err)
	}
	if deletes == nil {
		deletes = []string{}
	}

	tag, err := s.dbpool.Exec(ctx,
		`UPDATE documents
		    SET fields = (fields - $3::text[]) || $2::jsonb, updated_at = now()
		  WHERE id = $1`, id, payload, deletes)
	if err != nil {
		return fmt.Errorf("update document %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update document %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *Store) MarkComplete(ctx context.Context, id string) error {
	_, err := s.dbpool.Exec(ctx,
		`UPDATE documents
		    SET webp_conversion_complete = TRUE, webp_conversion_date = now(), updated_at = now()
		  WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark document %s complete: %w", id, err)
	}
	return nil
}

func (s *Store) ClearComplete(ctx context.Context, id string) error {
	_, err := s.dbpool.Exec(ctx,
		`UPDATE documents
		    SET webp_conversion_complete = FALSE, webp_conversion_date = NULL, updated_at = now()
		  WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("clear completion for document %s: %w", id, err)
	}
	return nil
}

func (s *Store) scan(ctx context.Context, query string, limit int) ([]entities.Document, error) {
	rows, err := s.dbpool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("scan documents: %w", err)
	}
	defer rows.Close()

	var docs []entities.Document
	for rows.Next() {
		doc, err := scanDocument(rows, "")
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner, id string) (entities.Document, error) {
	var doc entities.Document
	var completedAt *time.Time
	err := row.Scan(&doc.ID, &doc.Fields, &doc.Complete, &completedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return entities.Document{}, fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return entities.Document{}, fmt.Errorf("scan document: %w", err)
	}
	doc.CompletedAt = completedAt
	if doc.Fields == nil {
		doc.Fields = map[string]any{}
	}
	return doc, nil
}
