// Package storage provides the persistence sinks for extracted reviews. Every
// sink upserts by record ID, so re-running an extraction never duplicates rows.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aluiziolira/go-scrape-reviews/models"
)

// ErrNotFound is returned by Get when no record has the requested ID.
var ErrNotFound = errors.New("storage: record not found")

// Sink stores review records keyed by ID.
type Sink interface {
	Upsert(ctx context.Context, record *models.ReviewRecord) error
	Get(ctx context.Context, id string) (*models.ReviewRecord, error)
	ListByASIN(ctx context.Context, asin string) ([]*models.ReviewRecord, error)
	Count(ctx context.Context) (int, error)
	Close() error
}

// Open returns the sink for driver. dsn is a file path for sqlite and a
// connection string for postgres; it is ignored for memory.
func Open(ctx context.Context, driver, dsn string) (Sink, error) {
	switch strings.ToLower(driver) {
	case "sqlite":
		return NewSQLiteSink(ctx, dsn)
	case "postgres":
		return NewPostgresSink(ctx, dsn)
	case "memory":
		return NewMemorySink(), nil
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", driver)
	}
}

func validateRecord(record *models.ReviewRecord) error {
	if record == nil {
		return fmt.Errorf("record cannot be nil")
	}
	if record.ID == "" {
		return fmt.Errorf("record id cannot be empty")
	}
	return nil
}
