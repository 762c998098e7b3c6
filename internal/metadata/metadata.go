// Package metadata persists per-document run records in SQLite.
package metadata

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/feichai0017/docflow/internal/models"
)

// ErrNotFound is returned when no record exists for a document id.
var ErrNotFound = errors.New("metadata: document not found")

// Record is one document's run record. A re-run of the same document id
// overwrites the previous record.
type Record struct {
	DocumentID    string
	Category      string
	SourceURI     string
	State         models.DocumentState
	Status        models.DocumentStatus
	PageCount     int
	DegradedPages []int
	ContentRef    string
	Error         string
	StartedAt     time.Time
	FinishedAt    time.Time
	UpdatedAt     time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	document_id    TEXT NOT NULL,
	category       TEXT NOT NULL,
	source_uri     TEXT NOT NULL,
	state          TEXT NOT NULL,
	status         TEXT NOT NULL DEFAULT '',
	page_count     INTEGER NOT NULL DEFAULT 0,
	degraded_pages TEXT NOT NULL DEFAULT '[]',
	content_ref    TEXT NOT NULL DEFAULT '',
	error          TEXT NOT NULL DEFAULT '',
	started_at     TEXT NOT NULL,
	finished_at    TEXT NOT NULL DEFAULT '',
	updated_at     TEXT NOT NULL,
	PRIMARY KEY (category, document_id)
);
CREATE INDEX IF NOT EXISTS idx_documents_id ON documents (document_id);
`

// Store is a SQLite-backed metadata store. SQLite runs in WAL mode
// with a single writer connection, which is all the worker needs.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the SQLite database at path and
// applies the schema.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("metadata: database path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("metadata: create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("metadata: open database: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("metadata: %s: %w", pragma, err)
		}
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("metadata: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Put writes the full record, replacing any previous run of the same
// (category, document id) pair.
func (s *Store) Put(ctx context.Context, rec *Record) error {
	degraded, err := json.Marshal(rec.DegradedPages)
	if err != nil {
		return fmt.Errorf("metadata: encode degraded pages: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents
			(document_id, category, source_uri, state, status, page_count,
			 degraded_pages, content_ref, error, started_at, finished_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (category, document_id) DO UPDATE SET
			source_uri     = excluded.source_uri,
			state          = excluded.state,
			status         = excluded.status,
			page_count     = excluded.page_count,
			degraded_pages = excluded.degraded_pages,
			content_ref    = excluded.content_ref,
			error          = excluded.error,
			started_at     = excluded.started_at,
			finished_at    = excluded.finished_at,
			updated_at     = excluded.updated_at`,
		rec.DocumentID, rec.Category, rec.SourceURI,
		string(rec.State), string(rec.Status), rec.PageCount,
		string(degraded), rec.ContentRef, rec.Error,
		formatTime(rec.StartedAt), formatTime(rec.FinishedAt),
		formatTime(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("metadata: upsert document: %w", err)
	}
	return nil
}

// SetState updates just the state machine position of an in-flight run.
func (s *Store) SetState(ctx context.Context, category, documentID string, state models.DocumentState) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE documents SET state = ?, updated_at = ?
		WHERE category = ? AND document_id = ?`,
		string(state), formatTime(time.Now().UTC()), category, documentID)
	if err != nil {
		return fmt.Errorf("metadata: update state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Get returns the record for a document id, searching across
// categories. Most callers know only the id.
func (s *Store) Get(ctx context.Context, documentID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT document_id, category, source_uri, state, status, page_count,
		       degraded_pages, content_ref, error, started_at, finished_at, updated_at
		FROM documents WHERE document_id = ?
		ORDER BY updated_at DESC LIMIT 1`, documentID)
	return scanRecord(row)
}

// ListByCategory returns records in a category, most recent first.
func (s *Store) ListByCategory(ctx context.Context, category string, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT document_id, category, source_uri, state, status, page_count,
		       degraded_pages, content_ref, error, started_at, finished_at, updated_at
		FROM documents WHERE category = ?
		ORDER BY updated_at DESC LIMIT ?`, category, limit)
	if err != nil {
		return nil, fmt.Errorf("metadata: list documents: %w", err)
	}
	defer rows.Close()

	var recs []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var rec Record
	var state, status, degraded, started, finished, updated string
	err := row.Scan(&rec.DocumentID, &rec.Category, &rec.SourceURI,
		&state, &status, &rec.PageCount, &degraded, &rec.ContentRef,
		&rec.Error, &started, &finished, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("metadata: scan document: %w", err)
	}
	rec.State = models.DocumentState(state)
	rec.Status = models.DocumentStatus(status)
	if err := json.Unmarshal([]byte(degraded), &rec.DegradedPages); err != nil {
		return nil, fmt.Errorf("metadata: decode degraded pages: %w", err)
	}
	rec.StartedAt = parseTime(started)
	rec.FinishedAt = parseTime(finished)
	rec.UpdatedAt = parseTime(updated)
	return &rec, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
