package scraper

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles Prometheus collectors for scraping and extraction.
type Metrics struct {
	Registry            *prometheus.Registry
	AttemptsTotal       prometheus.Counter
	PollsTotal          prometheus.Counter
	StallsTotal         prometheus.Counter
	RetriesTotal        prometheus.Counter
	ConvergedTotal      prometheus.Counter
	ObservedPages       prometheus.Gauge
	ConvergenceDuration prometheus.Histogram
	ErrorsTotal         *prometheus.CounterVec
	ReviewsTotal        prometheus.Counter
	PagesSkippedTotal   prometheus.Counter
	UpsertsTotal        prometheus.Counter
}

// NewMetrics constructs and registers all metrics on a dedicated registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	attempts := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scraper_attempts_total",
		Help: "Total number of convergence attempts, first tries and retries.",
	})
	polls := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scraper_polls_total",
		Help: "Total number of document store polls.",
	})
	stalls := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scraper_stalls_total",
		Help: "Total number of attempts ended by a stalled fetcher.",
	})
	retries := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scraper_retries_total",
		Help: "Total number of scrapes restarted from scratch.",
	})
	converged := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scraper_converged_total",
		Help: "Total number of scrapes that reached the expected page count.",
	})
	observed := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "scraper_observed_pages",
		Help: "Page count seen by the most recent poll.",
	})
	duration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "scraper_convergence_duration_seconds",
		Help:    "Time from scrape start to convergence.",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
	})
	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_errors_total",
			Help: "Total number of fatal scrape errors by type.",
		},
		[]string{"error_type"},
	)
	reviews := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "extractor_reviews_total",
		Help: "Total number of review records extracted.",
	})
	skipped := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "extractor_pages_skipped_total",
		Help: "Total number of pages skipped for having no review blocks.",
	})
	upserts := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sink_upserts_total",
		Help: "Total number of review records upserted.",
	})

	registry.MustRegister(attempts, polls, stalls, retries, converged, observed, duration, errorsTotal, reviews, skipped, upserts)

	return &Metrics{
		Registry:            registry,
		AttemptsTotal:       attempts,
		PollsTotal:          polls,
		StallsTotal:         stalls,
		RetriesTotal:        retries,
		ConvergedTotal:      converged,
		ObservedPages:       observed,
		ConvergenceDuration: duration,
		ErrorsTotal:         errorsTotal,
		ReviewsTotal:        reviews,
		PagesSkippedTotal:   skipped,
		UpsertsTotal:        upserts,
	}
}

// IncAttempts increments the attempts counter.
func (m *Metrics) IncAttempts() {
	if m == nil {
		return
	}
	m.AttemptsTotal.Inc()
}

// ObservePoll records one poll and the page count it saw.
func (m *Metrics) ObservePoll(pages int) {
	if m == nil {
		return
	}
	m.PollsTotal.Inc()
	m.ObservedPages.Set(float64(pages))
}

// IncStalls increments the stalls counter.
func (m *Metrics) IncStalls() {
	if m == nil {
		return
	}
	m.StallsTotal.Inc()
}

// IncRetries increments the retries counter.
func (m *Metrics) IncRetries() {
	if m == nil {
		return
	}
	m.RetriesTotal.Inc()
}

// ObserveConverged records a converged scrape and its duration.
func (m *Metrics) ObserveConverged(d time.Duration) {
	if m == nil {
		return
	}
	m.ConvergedTotal.Inc()
	m.ConvergenceDuration.Observe(d.Seconds())
}

// IncError increments the errors counter for a type label.
func (m *Metrics) IncError(errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(errorType).Inc()
}

// AddReviews adds n extracted records.
func (m *Metrics) AddReviews(n int) {
	if m == nil {
		return
	}
	m.ReviewsTotal.Add(float64(n))
}

// IncSkippedPages increments the skipped pages counter.
func (m *Metrics) IncSkippedPages() {
	if m == nil {
		return
	}
	m.PagesSkippedTotal.Inc()
}

// IncUpserts increments the upserts counter.
func (m *Metrics) IncUpserts() {
	if m == nil {
		return
	}
	m.UpsertsTotal.Inc()
}
