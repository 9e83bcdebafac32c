package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/aluiziolira/go-scrape-reviews/models"
)

//go:embed schema.sql
var schemaFS embed.FS

const sqliteUpsert = `
INSERT INTO review_data (id, asin, review_idx, rating, review, author, headline, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
ON CONFLICT(id) DO UPDATE SET
    asin = excluded.asin,
    review_idx = excluded.review_idx,
    rating = excluded.rating,
    review = excluded.review,
    author = excluded.author,
    headline = excluded.headline,
    updated_at = CURRENT_TIMESTAMP`

const selectColumns = `SELECT id, asin, review_idx, rating, review, author, headline FROM review_data`

// SQLiteSink stores records in a local SQLite database.
type SQLiteSink struct {
	db   *sql.DB
	path string
}

// NewSQLiteSink opens (creating when needed) the database at path and applies
// the schema.
func NewSQLiteSink(ctx context.Context, path string) (*SQLiteSink, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// Upserts are sequential; one connection keeps the pragmas in effect.
	db.SetMaxOpenConns(1)

	if err := applySchema(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteSink{db: db, path: path}, nil
}

func applySchema(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("set pragma %q: %w", pragma, err)
		}
	}

	schemaSQL, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		return fmt.Errorf("read schema.sql: %w", err)
	}
	if _, err := db.ExecContext(ctx, string(schemaSQL)); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	return nil
}

// Path returns the database file location.
func (s *SQLiteSink) Path() string {
	return s.path
}

func (s *SQLiteSink) Upsert(ctx context.Context, record *models.ReviewRecord) error {
	if err := validateRecord(record); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, sqliteUpsert,
		record.ID, record.ASIN, record.Index, record.Rating,
		record.Review, record.Author, record.Headline,
	)
	if err != nil {
		return fmt.Errorf("upsert %s: %w", record.ID, err)
	}
	return nil
}

func (s *SQLiteSink) Get(ctx context.Context, id string) (*models.ReviewRecord, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id)
	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", id, err)
	}
	return record, nil
}

func (s *SQLiteSink) ListByASIN(ctx context.Context, asin string) ([]*models.ReviewRecord, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+` WHERE asin = ? ORDER BY review_idx`, asin)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", asin, err)
	}
	defer rows.Close()

	var out []*models.ReviewRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan review: %w", err)
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

func (s *SQLiteSink) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM review_data`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count reviews: %w", err)
	}
	return n, nil
}

func (s *SQLiteSink) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*models.ReviewRecord, error) {
	var r models.ReviewRecord
	if err := row.Scan(&r.ID, &r.ASIN, &r.Index, &r.Rating, &r.Review, &r.Author, &r.Headline); err != nil {
		return nil, err
	}
	return &r, nil
}
