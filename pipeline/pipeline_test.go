package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/aluiziolira/go-scrape-reviews/docstore"
	"github.com/aluiziolira/go-scrape-reviews/models"
	"github.com/aluiziolira/go-scrape-reviews/parser"
)

const testASIN = "B01DFKC2SO"

type mapSink struct {
	mu      sync.Mutex
	records map[string]models.ReviewRecord
	calls   int
	failOn  string
}

func newMapSink() *mapSink {
	return &mapSink{records: make(map[string]models.ReviewRecord)}
}

func (s *mapSink) Upsert(ctx context.Context, r *models.ReviewRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if r.ID == s.failOn {
		return errors.New("disk full")
	}
	s.records[r.ID] = *r
	return nil
}

type mockWriter struct {
	mu      sync.Mutex
	batches [][]*models.ReviewRecord
}

func (mw *mockWriter) Write(records []*models.ReviewRecord) error {
	mw.mu.Lock()
	defer mw.mu.Unlock()
	batch := make([]*models.ReviewRecord, len(records))
	copy(batch, records)
	mw.batches = append(mw.batches, batch)
	return nil
}

func (mw *mockWriter) Close() error    { return nil }
func (mw *mockWriter) Validate() error { return nil }

type countingObserver struct {
	reviews int
	skipped int
	upserts int
}

func (o *countingObserver) AddReviews(n int) { o.reviews += n }
func (o *countingObserver) IncSkippedPages() { o.skipped++ }
func (o *countingObserver) IncUpserts()      { o.upserts++ }

type block struct {
	rating   string
	text     string
	author   string
	headline string
	noRating bool
	noText   bool
}

func renderPage(header bool, blocks ...block) []byte {
	var b strings.Builder
	b.WriteString("<html><body>")
	if header {
		b.WriteString(`<a class="a-link-normal" href="#">Echo Dot</a>`)
		b.WriteString(`<span class="a-size-medium totalReviewCount">45</span>`)
	}
	for _, bl := range blocks {
		b.WriteString(`<div class="a-section review">`)
		if !bl.noRating {
			fmt.Fprintf(&b, `<i class="a-icon-star"><span>%s</span></i>`, bl.rating)
		}
		if bl.headline != "" {
			fmt.Fprintf(&b, `<a class="a-size-base a-link-normal review-title" href="#">%s</a>`, bl.headline)
		}
		if bl.author != "" {
			fmt.Fprintf(&b, `<a class="a-size-base a-link-normal author" href="#">%s</a>`, bl.author)
		}
		if !bl.noText {
			fmt.Fprintf(&b, `<span class="a-size-base review-text">%s</span>`, bl.text)
		}
		b.WriteString(`</div>`)
	}
	b.WriteString("</body></html>")
	return []byte(b.String())
}

func newTestStore(t *testing.T, pages map[int][]byte) *docstore.Store {
	t.Helper()
	store, err := docstore.New(t.TempDir(), "com", 8, nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	for page, body := range pages {
		if err := store.WritePage(testASIN, page, body); err != nil {
			t.Fatalf("write page %d: %v", page, err)
		}
	}
	return store
}

func newTestPipeline(t *testing.T, store *docstore.Store, sink RecordSink, opts ...Option) *Pipeline {
	t.Helper()
	opts = append([]Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	p, err := NewPipeline(store, sink, opts...)
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	return p
}

func twoPageStore(t *testing.T) *docstore.Store {
	return newTestStore(t, map[int][]byte{
		1: renderPage(true,
			block{rating: "5.0 out of 5 stars", text: "Great", author: "Ann", headline: "Love it"},
			block{rating: "3.0 out of 5 stars", text: "Fine"},
		),
		2: renderPage(false,
			block{rating: "1.0 out of 5 stars", text: "Broke", author: "Bo", headline: "Nope"},
		),
	})
}

func TestExtractIndexesAcrossPages(t *testing.T) {
	p := newTestPipeline(t, twoPageStore(t), nil)
	h := &models.ProductHandle{ASIN: testASIN}

	result, err := p.Extract(context.Background(), h)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if h.Name != "Echo Dot" || result.Name != "Echo Dot" {
		t.Fatalf("name not resolved: handle=%q result=%q", h.Name, result.Name)
	}
	if len(result.Records) != 3 {
		t.Fatalf("records = %d, want 3", len(result.Records))
	}
	for i, r := range result.Records {
		if r.Index != i || r.ID != models.RecordID(testASIN, i) {
			t.Fatalf("record %d has index %d id %q", i, r.Index, r.ID)
		}
	}
	if got := result.Records[2]; got.Rating != 1 || got.Review != "Broke" {
		t.Fatalf("page 2 record out of order: %+v", got)
	}
	if len(h.Ratings) != 3 || h.Ratings[0] != 5 || h.Ratings[1] != 3 {
		t.Fatalf("ratings = %v", h.Ratings)
	}
	if len(h.Reviews) != 3 || h.Reviews[1] != "Fine" {
		t.Fatalf("reviews = %v", h.Reviews)
	}
}

func TestExtractDefaultSubstitution(t *testing.T) {
	p := newTestPipeline(t, twoPageStore(t), nil)

	result, err := p.Extract(context.Background(), &models.ProductHandle{ASIN: testASIN})
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	r := result.Records[1]
	if r.Author != models.DefaultAuthor || r.Headline != models.DefaultHeadline {
		t.Fatalf("defaults not applied: %+v", r)
	}
}

func TestExtractIsIdempotent(t *testing.T) {
	store := twoPageStore(t)
	sink := newMapSink()
	p := newTestPipeline(t, store, sink)
	h := &models.ProductHandle{ASIN: testASIN}

	first, err := p.Run(context.Background(), h)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	second, err := p.Run(context.Background(), h)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}

	if len(first.Records) != len(second.Records) {
		t.Fatalf("record counts differ: %d vs %d", len(first.Records), len(second.Records))
	}
	for i := range first.Records {
		if *first.Records[i] != *second.Records[i] {
			t.Fatalf("record %d differs: %+v vs %+v", i, first.Records[i], second.Records[i])
		}
	}
	if len(sink.records) != 3 {
		t.Fatalf("sink holds %d records, want 3", len(sink.records))
	}
	if sink.calls != 6 {
		t.Fatalf("upserts = %d, want 6", sink.calls)
	}
	if len(h.Ratings) != 3 {
		t.Fatalf("handle ratings must be reset per run, got %d", len(h.Ratings))
	}
}

func TestExtractMissingRatingIsFatal(t *testing.T) {
	store := newTestStore(t, map[int][]byte{
		1: renderPage(true,
			block{rating: "4.0 out of 5 stars", text: "ok"},
			block{noRating: true, text: "no stars"},
		),
	})
	sink := newMapSink()
	p := newTestPipeline(t, store, sink)

	_, err := p.Run(context.Background(), &models.ProductHandle{ASIN: testASIN})
	var missing parser.ErrMissingField
	if !errors.As(err, &missing) || missing.Field != "rating" {
		t.Fatalf("expected missing rating, got %v", err)
	}
	if !strings.Contains(err.Error(), testASIN) || !strings.Contains(err.Error(), "page 1") {
		t.Fatalf("error should name the product and page: %v", err)
	}
	if sink.calls != 0 {
		t.Fatalf("nothing should be persisted, got %d upserts", sink.calls)
	}
	validation := p.GetMetrics()["validation_errors"].(map[string]int)
	if validation["missing_rating"] != 1 {
		t.Fatalf("validation metrics = %v", validation)
	}
}

func TestExtractMissingTextIsFatal(t *testing.T) {
	store := newTestStore(t, map[int][]byte{
		1: renderPage(true, block{rating: "4.0 out of 5 stars", noText: true}),
	})
	p := newTestPipeline(t, store, nil)

	_, err := p.Extract(context.Background(), &models.ProductHandle{ASIN: testASIN})
	var missing parser.ErrMissingField
	if !errors.As(err, &missing) || missing.Field != "review" {
		t.Fatalf("expected missing review, got %v", err)
	}
}

func TestExtractSkipsMalformedPage(t *testing.T) {
	store := newTestStore(t, map[int][]byte{
		1: renderPage(true, block{rating: "4.0 out of 5 stars", text: "a"}),
		2: renderPage(false),
		3: renderPage(false, block{rating: "2.0 out of 5 stars", text: "b"}),
	})
	observer := &countingObserver{}
	p := newTestPipeline(t, store, newMapSink(), WithObserver(observer))

	result, err := p.Run(context.Background(), &models.ProductHandle{ASIN: testASIN})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.PagesRead != 2 || result.PagesSkipped != 1 || len(result.SkippedPages) != 1 {
		t.Fatalf("unexpected page counts: %+v", result)
	}
	if len(result.Records) != 2 || result.Records[1].ID != models.RecordID(testASIN, 1) {
		t.Fatalf("indexes should stay contiguous across skipped pages: %+v", result.Records)
	}
	if observer.reviews != 2 || observer.skipped != 1 || observer.upserts != 2 {
		t.Fatalf("observer = %+v", observer)
	}

	metrics := p.GetMetrics()
	if metrics["skipped_pages"].(int64) != 1 || metrics["upserted_records"].(int64) != 2 {
		t.Fatalf("metrics = %v", metrics)
	}
}

func TestExtractMissingPageOne(t *testing.T) {
	store := newTestStore(t, map[int][]byte{
		2: renderPage(false, block{rating: "4.0 out of 5 stars", text: "a"}),
	})
	p := newTestPipeline(t, store, nil)

	_, err := p.Extract(context.Background(), &models.ProductHandle{ASIN: testASIN})
	var invalid parser.ErrInvalidDocument
	if !errors.As(err, &invalid) {
		t.Fatalf("expected ErrInvalidDocument, got %v", err)
	}
}

func TestExtractKnownNameSkipsSummary(t *testing.T) {
	// Page 1 carries no header, so reading the summary would fail.
	store := newTestStore(t, map[int][]byte{
		1: renderPage(false, block{rating: "4.0 out of 5 stars", text: "a"}),
	})
	p := newTestPipeline(t, store, nil)

	result, err := p.Extract(context.Background(), &models.ProductHandle{ASIN: testASIN, Name: "Echo"})
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if result.Name != "Echo" || len(result.Records) != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestExtractKnownNameRequiresFirstPage(t *testing.T) {
	tests := []struct {
		name  string
		pages map[int][]byte
	}{
		{name: "never fetched", pages: nil},
		{name: "first page missing", pages: map[int][]byte{
			2: renderPage(false, block{rating: "4.0 out of 5 stars", text: "a"}),
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestPipeline(t, newTestStore(t, tt.pages), newMapSink())
			_, err := p.Run(context.Background(), &models.ProductHandle{ASIN: testASIN, Name: "Echo"})
			var invalid parser.ErrInvalidDocument
			if !errors.As(err, &invalid) || invalid.Page != 1 {
				t.Fatalf("expected ErrInvalidDocument for page 1, got %v", err)
			}
		})
	}
}

func TestExtractFailureLeavesHandleUntouched(t *testing.T) {
	store := newTestStore(t, map[int][]byte{
		1: renderPage(true,
			block{rating: "5.0 out of 5 stars", text: "a"},
			block{rating: "4.0 out of 5 stars", text: "b"},
		),
		2: renderPage(false,
			block{rating: "3.0 out of 5 stars", text: "c"},
			block{noRating: true, text: "d"},
		),
	})
	p := newTestPipeline(t, store, nil)

	previous := []int{1, 1, 1, 1}
	h := &models.ProductHandle{ASIN: testASIN, Ratings: previous, Reviews: []string{"old"}}

	if _, err := p.Extract(context.Background(), h); err == nil {
		t.Fatalf("expected missing rating error")
	}
	if h.Name != "" {
		t.Fatalf("name should not be set by a failed run, got %q", h.Name)
	}
	if len(h.Ratings) != 4 || len(h.Reviews) != 1 || h.Reviews[0] != "old" {
		t.Fatalf("handle changed by a failed run: %v %v", h.Ratings, h.Reviews)
	}
	for i, r := range previous {
		if r != 1 {
			t.Fatalf("caller slice overwritten at %d: %v", i, previous)
		}
	}
}

func TestExtractDoesNotReuseCallerSlices(t *testing.T) {
	p := newTestPipeline(t, twoPageStore(t), nil)

	previous := make([]int, 0, 8)
	previous = append(previous, 2, 2)
	h := &models.ProductHandle{ASIN: testASIN, Ratings: previous}

	if _, err := p.Extract(context.Background(), h); err != nil {
		t.Fatalf("extract: %v", err)
	}
	if previous[0] != 2 || previous[1] != 2 {
		t.Fatalf("caller slice overwritten: %v", previous)
	}
	if len(h.Ratings) != 3 || h.Ratings[0] != 5 {
		t.Fatalf("ratings = %v", h.Ratings)
	}
}

func TestExtractCanceled(t *testing.T) {
	p := newTestPipeline(t, twoPageStore(t), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := p.Extract(ctx, &models.ProductHandle{ASIN: testASIN}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
}

func TestPersistStopsAtFailure(t *testing.T) {
	sink := newMapSink()
	sink.failOn = models.RecordID(testASIN, 1)
	p := newTestPipeline(t, twoPageStore(t), sink)

	_, err := p.Run(context.Background(), &models.ProductHandle{ASIN: testASIN})
	if err == nil || !strings.Contains(err.Error(), sink.failOn) {
		t.Fatalf("expected failure naming %s, got %v", sink.failOn, err)
	}
	if sink.calls != 2 || len(sink.records) != 1 {
		t.Fatalf("calls=%d stored=%d, want 2/1", sink.calls, len(sink.records))
	}
}

func TestPersistWithoutSink(t *testing.T) {
	p := newTestPipeline(t, twoPageStore(t), nil)
	if err := p.Persist(context.Background(), nil); !errors.Is(err, ErrNoSink) {
		t.Fatalf("expected ErrNoSink, got %v", err)
	}
}

func TestRunExportsRecords(t *testing.T) {
	writer := &mockWriter{}
	p := newTestPipeline(t, twoPageStore(t), newMapSink(), WithWriter(writer))

	if _, err := p.Run(context.Background(), &models.ProductHandle{ASIN: testASIN}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(writer.batches) != 1 || len(writer.batches[0]) != 3 {
		t.Fatalf("unexpected export batches: %v", writer.batches)
	}
}

func TestNewPipelineRequiresSource(t *testing.T) {
	if _, err := NewPipeline(nil, nil); err == nil {
		t.Fatalf("expected error for nil source")
	}
}
