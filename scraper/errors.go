package scraper

import (
	"context"
	"errors"
	"fmt"

	"github.com/aluiziolira/go-scrape-reviews/fetcher"
	"github.com/aluiziolira/go-scrape-reviews/parser"
)

// ErrStalled indicates that two consecutive polls observed the same page
// count before convergence.
type ErrStalled struct {
	ASIN          string
	Observed      int
	Expected      int
	ExpectedKnown bool
}

func (e ErrStalled) Error() string {
	if !e.ExpectedKnown {
		return fmt.Sprintf("stalled: %s insufficient pages: %d observed, first page never arrived", e.ASIN, e.Observed)
	}
	return fmt.Sprintf("stalled: %s insufficient pages: %d of %d observed", e.ASIN, e.Observed, e.Expected)
}

// ErrScrapeFailed indicates that convergence was not reached after every
// retry. The partition has been purged when it is returned.
type ErrScrapeFailed struct {
	ASIN     string
	Attempts int
	Err      error
}

func (e ErrScrapeFailed) Error() string {
	return fmt.Errorf("scrape_failed: %s exhausted retries after %d attempts: %w", e.ASIN, e.Attempts, e.Err).Error()
}

func (e ErrScrapeFailed) Unwrap() error {
	return e.Err
}

func errorTypeLabel(err error) string {
	if err == nil {
		return "unknown"
	}
	var failed ErrScrapeFailed
	if errors.As(err, &failed) {
		return "scrape_failed"
	}
	var stalled ErrStalled
	if errors.As(err, &stalled) {
		return "stalled"
	}
	var unavailable fetcher.ErrFetcherUnavailable
	if errors.As(err, &unavailable) {
		return "fetcher_unavailable"
	}
	var invalidID parser.ErrInvalidIdentifier
	if errors.As(err, &invalidID) {
		return "invalid_identifier"
	}
	var invalidDoc parser.ErrInvalidDocument
	if errors.As(err, &invalidDoc) {
		return "invalid_document"
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "canceled"
	}
	return "other"
}
