// Package pipeline turns fetched review pages into validated records, upserts
// them into a sink and optionally exports them.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/PuerkitoBio/goquery"

	"github.com/aluiziolira/go-scrape-reviews/models"
	"github.com/aluiziolira/go-scrape-reviews/parser"
)

// ErrNoSink is returned by Persist when the pipeline was built without a sink.
var ErrNoSink = errors.New("pipeline: no record sink configured")

// DocumentSource is the read side of the document store.
type DocumentSource interface {
	Pages(asin string) ([]models.DocumentPage, error)
	Open(path string) (*goquery.Document, error)
	Summary(asin string) (models.ProductSummary, error)
}

// RecordSink persists review records keyed by ID.
type RecordSink interface {
	Upsert(ctx context.Context, record *models.ReviewRecord) error
}

// OutputWriter defines the interface for data output.
type OutputWriter interface {
	Write(records []*models.ReviewRecord) error
	Close() error
	Validate() error
}

// Observer receives extraction counters, typically scraper.Metrics.
type Observer interface {
	AddReviews(n int)
	IncSkippedPages()
	IncUpserts()
}

// Pipeline coordinates parsing, validation, persistence and output writing.
type Pipeline struct {
	source   DocumentSource
	sink     RecordSink
	writer   OutputWriter
	observer Observer
	logger   *slog.Logger

	metrics metrics
}

// Option customises a Pipeline.
type Option func(*Pipeline)

// WithWriter exports every extracted batch through w.
func WithWriter(w OutputWriter) Option {
	return func(p *Pipeline) { p.writer = w }
}

// WithObserver forwards counters to o.
func WithObserver(o Observer) Option {
	return func(p *Pipeline) { p.observer = o }
}

// WithLogger sets the pipeline logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewPipeline builds a pipeline reading from source and writing to sink. The
// sink may be nil when only Extract is used.
func NewPipeline(source DocumentSource, sink RecordSink, opts ...Option) (*Pipeline, error) {
	if source == nil {
		return nil, fmt.Errorf("document source cannot be nil")
	}
	p := &Pipeline{
		source:  source,
		sink:    sink,
		logger:  slog.Default(),
		metrics: newMetrics(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Extract parses every stored page of h in page order. A partition without a
// first page is an invalid document. The handle's name, ratings and review
// texts are replaced only when the whole run succeeds. Indexes start at zero and
// grow across pages, so two runs over the same pages yield the same IDs.
func (p *Pipeline) Extract(ctx context.Context, h *models.ProductHandle) (*models.ExtractResult, error) {
	if h == nil {
		return nil, fmt.Errorf("product handle cannot be nil")
	}
	if err := parser.ValidateASIN(h.ASIN); err != nil {
		return nil, parser.ErrInvalidIdentifier{URL: h.URL, Err: err}
	}
	logger := p.logger.With(slog.String("asin", h.ASIN))

	name := h.Name
	if name == "" {
		summary, err := p.source.Summary(h.ASIN)
		if err != nil {
			return nil, err
		}
		if !summary.HasName {
			return nil, parser.ErrInvalidDocument{ASIN: h.ASIN, Page: 1, Err: errors.New("product name not found")}
		}
		name = summary.Name
	}

	pages, err := p.source.Pages(h.ASIN)
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	if !hasFirstPage(pages) {
		return nil, parser.NewMissingPageOne(h.ASIN)
	}

	result := &models.ExtractResult{ASIN: h.ASIN, Name: name}
	var ratings []int
	var reviews []string
	index := 0

	for _, page := range pages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		doc, err := p.source.Open(page.Path)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", page.Path, err)
		}

		blocks := parser.ReviewBlocks(doc)
		if blocks.Length() == 0 {
			skipped := parser.ErrMalformedPage{ASIN: h.ASIN, Page: page.Page, Path: page.Path}
			logger.Warn("skipping page", slog.Any("error", skipped))
			result.PagesSkipped++
			result.SkippedPages = append(result.SkippedPages, page.Path)
			p.metrics.incrementSkipped()
			if p.observer != nil {
				p.observer.IncSkippedPages()
			}
			continue
		}

		var blockErr error
		blocks.EachWithBreak(func(_ int, block *goquery.Selection) bool {
			record, err := parser.ParseReview(block)
			if err != nil {
				blockErr = err
				return false
			}
			record.ASIN = h.ASIN
			record.Index = index
			record.ID = models.RecordID(h.ASIN, index)
			if err := parser.ValidateReview(record); err != nil {
				blockErr = err
				return false
			}
			index++
			ratings = append(ratings, record.Rating)
			reviews = append(reviews, record.Review)
			result.Records = append(result.Records, record)
			return true
		})
		if blockErr != nil {
			p.metrics.addValidation(validationKind(blockErr))
			return nil, fmt.Errorf("extract %s page %d: %w", h.ASIN, page.Page, blockErr)
		}
		result.PagesRead++
	}

	h.Name = name
	h.Ratings = ratings
	h.Reviews = reviews

	p.metrics.addProcessed(len(result.Records))
	if p.observer != nil {
		p.observer.AddReviews(len(result.Records))
	}
	logger.Info("extraction finished",
		slog.Int("records", len(result.Records)),
		slog.Int("pages_read", result.PagesRead),
		slog.Int("pages_skipped", result.PagesSkipped),
	)
	return result, nil
}

// Persist upserts records one at a time and stops at the first failure.
func (p *Pipeline) Persist(ctx context.Context, records []*models.ReviewRecord) error {
	if p.sink == nil {
		return ErrNoSink
	}
	for _, record := range records {
		if record == nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.sink.Upsert(ctx, record); err != nil {
			return fmt.Errorf("upsert %s: %w", record.ID, err)
		}
		p.metrics.incrementUpserted()
		if p.observer != nil {
			p.observer.IncUpserts()
		}
	}
	return nil
}

// Run extracts h, persists the records and exports them when a writer is set.
func (p *Pipeline) Run(ctx context.Context, h *models.ProductHandle) (*models.ExtractResult, error) {
	result, err := p.Extract(ctx, h)
	if err != nil {
		return nil, err
	}
	if err := p.Persist(ctx, result.Records); err != nil {
		return result, err
	}
	if p.writer != nil && len(result.Records) > 0 {
		if err := p.writer.Write(result.Records); err != nil {
			return result, fmt.Errorf("write export: %w", err)
		}
	}
	return result, nil
}

// GetMetrics returns a snapshot of the internal counters.
func (p *Pipeline) GetMetrics() map[string]interface{} {
	return p.metrics.snapshot()
}

func hasFirstPage(pages []models.DocumentPage) bool {
	for _, page := range pages {
		if page.Page == 1 {
			return true
		}
	}
	return false
}

func validationKind(err error) string {
	var missing parser.ErrMissingField
	if errors.As(err, &missing) {
		return "missing_" + missing.Field
	}
	return "invalid_record"
}

type metrics struct {
	mu         sync.Mutex
	processed  int64
	skipped    int64
	upserted   int64
	validation map[string]int
}

func newMetrics() metrics {
	return metrics{
		validation: make(map[string]int),
	}
}

func (m *metrics) addProcessed(n int) {
	m.mu.Lock()
	m.processed += int64(n)
	m.mu.Unlock()
}

func (m *metrics) incrementSkipped() {
	m.mu.Lock()
	m.skipped++
	m.mu.Unlock()
}

func (m *metrics) incrementUpserted() {
	m.mu.Lock()
	m.upserted++
	m.mu.Unlock()
}

func (m *metrics) addValidation(kind string) {
	m.mu.Lock()
	m.validation[kind]++
	m.mu.Unlock()
}

func (m *metrics) snapshot() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	copyValidation := make(map[string]int, len(m.validation))
	for k, v := range m.validation {
		copyValidation[k] = v
	}

	return map[string]interface{}{
		"processed_reviews": m.processed,
		"skipped_pages":     m.skipped,
		"upserted_records":  m.upserted,
		"validation_errors": copyValidation,
	}
}
