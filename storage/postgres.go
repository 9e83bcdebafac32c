package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aluiziolira/go-scrape-reviews/models"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS review_data (
    id         TEXT PRIMARY KEY,
    asin       TEXT NOT NULL,
    review_idx INTEGER NOT NULL,
    rating     INTEGER NOT NULL,
    review     TEXT NOT NULL,
    author     TEXT NOT NULL,
    headline   TEXT NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

const postgresIndex = `CREATE INDEX IF NOT EXISTS idx_review_data_asin ON review_data(asin, review_idx)`

const postgresUpsert = `
INSERT INTO review_data (id, asin, review_idx, rating, review, author, headline, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, now())
ON CONFLICT (id) DO UPDATE SET
    asin = EXCLUDED.asin,
    review_idx = EXCLUDED.review_idx,
    rating = EXCLUDED.rating,
    review = EXCLUDED.review,
    author = EXCLUDED.author,
    headline = EXCLUDED.headline,
    updated_at = now()`

// PostgresSink stores records in a shared Postgres database.
type PostgresSink struct {
	pool *pgxpool.Pool
}

// NewPostgresSink connects to dsn and ensures the table exists.
func NewPostgresSink(ctx context.Context, dsn string) (*PostgresSink, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn cannot be empty")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns <= 0 || cfg.MaxConns > 4 {
		cfg.MaxConns = 4
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &PostgresSink{pool: pool}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// EnsureSchema creates the review table and its index when missing.
func (s *PostgresSink) EnsureSchema(ctx context.Context) error {
	for _, stmt := range []string{postgresSchema, postgresIndex} {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresSink) Upsert(ctx context.Context, record *models.ReviewRecord) error {
	if err := validateRecord(record); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, postgresUpsert,
		record.ID, record.ASIN, record.Index, record.Rating,
		record.Review, record.Author, record.Headline,
	)
	if err != nil {
		return fmt.Errorf("upsert %s: %w", record.ID, err)
	}
	return nil
}

func (s *PostgresSink) Get(ctx context.Context, id string) (*models.ReviewRecord, error) {
	row := s.pool.QueryRow(ctx, selectColumns+` WHERE id = $1`, id)
	record, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", id, err)
	}
	return record, nil
}

func (s *PostgresSink) ListByASIN(ctx context.Context, asin string) ([]*models.ReviewRecord, error) {
	rows, err := s.pool.Query(ctx, selectColumns+` WHERE asin = $1 ORDER BY review_idx`, asin)
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

func (s *PostgresSink) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM review_data`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count reviews: %w", err)
	}
	return n, nil
}

func (s *PostgresSink) Close() error {
	s.pool.Close()
	return nil
}
