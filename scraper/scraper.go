package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/aluiziolira/go-scrape-reviews/config"
	"github.com/aluiziolira/go-scrape-reviews/fetcher"
	"github.com/aluiziolira/go-scrape-reviews/models"
	"github.com/aluiziolira/go-scrape-reviews/parser"
)

// DocumentStore is the view of fetched pages the controller polls.
type DocumentStore interface {
	Root() string
	Domain() string
	Count(asin string) (int, error)
	HasPage(asin string, page int) bool
	Summary(asin string) (models.ProductSummary, error)
	Purge(asin string) error
}

// Launcher starts a fetcher for one product.
type Launcher interface {
	Launch(ctx context.Context, req fetcher.Request) (fetcher.Process, error)
}

// Controller drives the external fetcher until the document store holds the
// expected number of pages, restarting from scratch when it stalls.
//
// At most one Scrape may run per product identifier at a time.
type Controller struct {
	cfg      *config.Config
	store    DocumentStore
	launcher Launcher
	Metrics  *Metrics
	logger   *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

type convergenceState struct {
	expected      int
	expectedKnown bool
	observed      int
	polls         int
	resumed       bool
}

// NewController builds a controller from cfg.
func NewController(cfg *config.Config, store DocumentStore, launcher Launcher, logger *slog.Logger) (*Controller, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if store == nil {
		return nil, fmt.Errorf("document store cannot be nil")
	}
	if launcher == nil {
		return nil, fetcher.ErrFetcherUnavailable{Command: cfg.FetcherCommand, Err: errors.New("no launcher configured")}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		cfg:      cfg,
		store:    store,
		launcher: launcher,
		Metrics:  NewMetrics(),
		logger:   logger,
		sleep:    sleepContext,
	}, nil
}

// ExpectedPages returns min(ceil(target/perPage), ceil(advertised/perPage)).
func ExpectedPages(target, advertised, perPage int) int {
	if perPage <= 0 {
		perPage = 1
	}
	return min(ceilDiv(target, perPage), ceilDiv(advertised, perPage))
}

func ceilDiv(n, d int) int {
	if n <= 0 {
		return 0
	}
	return (n + d - 1) / d
}

// Scrape fetches up to target reviews of the product. force purges any pages
// already stored before anything else runs. A non-positive target uses the
// configured default.
func (c *Controller) Scrape(ctx context.Context, h *models.ProductHandle, target int, force bool) (*models.ScrapeResult, error) {
	if h == nil {
		return nil, fmt.Errorf("product handle cannot be nil")
	}
	if err := parser.ValidateASIN(h.ASIN); err != nil {
		err = parser.ErrInvalidIdentifier{URL: h.URL, Err: err}
		c.Metrics.IncError(errorTypeLabel(err))
		return nil, err
	}
	if target <= 0 {
		target = c.cfg.TargetReviews
	}

	result := &models.ScrapeResult{
		ASIN:      h.ASIN,
		RunID:     uuid.NewString(),
		StartTime: time.Now(),
	}
	logger := c.logger.With(
		slog.String("run_id", result.RunID),
		slog.String("asin", h.ASIN),
	)
	logger.Info("starting scrape", slog.Int("target_reviews", target), slog.Bool("force", force))

	if force {
		if err := c.store.Purge(h.ASIN); err != nil {
			err = fmt.Errorf("forced purge: %w", err)
			c.Metrics.IncError(errorTypeLabel(err))
			return nil, err
		}
	}

	var lastStall error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			c.Metrics.IncRetries()
			logger.Warn("restarting scrape from scratch",
				slog.Int("attempt", attempt+1),
				slog.Any("reason", lastStall),
			)
			if err := c.store.Purge(h.ASIN); err != nil {
				err = fmt.Errorf("purge before retry: %w", err)
				c.Metrics.IncError(errorTypeLabel(err))
				return nil, err
			}
		}

		c.Metrics.IncAttempts()
		result.Attempts = attempt + 1
		state, err := c.converge(ctx, logger, h.ASIN, target)
		if err == nil {
			result.Pages = state.observed
			result.ExpectedPages = state.expected
			result.Resumed = state.resumed
			result.EndTime = time.Now()
			c.Metrics.ObserveConverged(result.EndTime.Sub(result.StartTime))
			logger.Info("scrape converged",
				slog.Int("pages", state.observed),
				slog.Int("expected_pages", state.expected),
				slog.Int("attempts", result.Attempts),
				slog.Int("polls", state.polls),
			)
			return result, nil
		}

		var stalled ErrStalled
		if !errors.As(err, &stalled) {
			c.Metrics.IncError(errorTypeLabel(err))
			return nil, err
		}
		c.Metrics.IncStalls()
		logger.Warn("fetcher stalled",
			slog.Int("observed_pages", stalled.Observed),
			slog.Int("expected_pages", stalled.Expected),
			slog.Int("attempt", attempt+1),
		)
		lastStall = err
	}

	if err := c.store.Purge(h.ASIN); err != nil {
		logger.Error("final purge failed", slog.Any("error", err))
	}
	failed := ErrScrapeFailed{ASIN: h.ASIN, Attempts: c.cfg.MaxRetries + 1, Err: lastStall}
	c.Metrics.IncError(errorTypeLabel(failed))
	logger.Error("scrape failed", slog.Any("error", failed))
	return nil, failed
}

// converge runs one attempt. An empty partition launches the fetcher; a
// populated one is resumed as is. Both paths poll until the page count
// reaches the expected value or stops moving.
func (c *Controller) converge(ctx context.Context, logger *slog.Logger, asin string, target int) (*convergenceState, error) {
	state := &convergenceState{}

	observed, err := c.store.Count(asin)
	if err != nil {
		return state, err
	}
	state.observed = observed

	if observed == 0 {
		proc, err := c.launcher.Launch(ctx, fetcher.Request{
			Domain:    c.store.Domain(),
			ASIN:      asin,
			Count:     target,
			OutputDir: c.store.Root(),
		})
		if err != nil {
			return state, err
		}
		defer func() {
			if err := proc.Stop(); err != nil {
				logger.Warn("stop fetcher", slog.Any("error", err))
			}
		}()
	} else {
		state.resumed = true
		logger.Info("resuming from stored pages", slog.Int("pages", observed))
	}

	for {
		if !state.expectedKnown && c.store.HasPage(asin, 1) {
			summary, err := c.store.Summary(asin)
			if err != nil {
				return state, err
			}
			if !summary.HasTotal {
				return state, parser.ErrInvalidDocument{ASIN: asin, Page: 1, Err: errors.New("advertised review count not found")}
			}
			state.expected = ExpectedPages(target, summary.AdvertisedTotal, c.cfg.ReviewsPerPage)
			state.expectedKnown = true
			logger.Debug("expected pages computed",
				slog.Int("advertised_reviews", summary.AdvertisedTotal),
				slog.Int("expected_pages", state.expected),
			)
		}

		if state.expectedKnown && state.observed >= state.expected {
			return state, nil
		}

		if err := c.sleep(ctx, c.cfg.PollInterval); err != nil {
			return state, err
		}

		next, err := c.store.Count(asin)
		if err != nil {
			return state, err
		}
		state.polls++
		c.Metrics.ObservePoll(next)
		logger.Debug("poll", slog.Int("pages", next), slog.Int("previous", state.observed))

		if next == state.observed {
			return state, ErrStalled{
				ASIN:          asin,
				Observed:      next,
				Expected:      state.expected,
				ExpectedKnown: state.expectedKnown,
			}
		}
		state.observed = next
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
