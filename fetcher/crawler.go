package fetcher

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/aluiziolira/go-scrape-reviews/config"
	"github.com/aluiziolira/go-scrape-reviews/parser"
)

// PageWriter persists fetched pages.
type PageWriter interface {
	WritePage(asin string, page int, body []byte) error
}

// Crawler downloads the review pages of one product, most helpful first.
type Crawler struct {
	cfg       *config.FetchConfig
	baseURL   string
	collector *colly.Collector
	pages     PageWriter
	logger    *slog.Logger

	mu    sync.Mutex
	visit visitState

	handlersOnce sync.Once
}

type visitState struct {
	asin    string
	page    int
	blocks  int
	status  int
	saved   bool
	saveErr error
}

// NewCrawler builds a crawler for the marketplace domain.
func NewCrawler(cfg *config.FetchConfig, domain string, pages PageWriter, logger *slog.Logger) (*Crawler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid fetch config: %w", err)
	}
	baseURL := cfg.MarketplaceURL(domain)
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("base url must include a host")
	}
	if logger == nil {
		logger = slog.Default()
	}

	collector := colly.NewCollector(
		colly.AllowedDomains(parsed.Hostname()),
		colly.UserAgent(cfg.UserAgent),
		colly.AllowURLRevisit(),
	)

	collector.SetRequestTimeout(cfg.Timeout)
	collector.IgnoreRobotsTxt = !cfg.RespectRobotsTxt
	collector.WithTransport(&http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	})

	if err := collector.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: 1,
		Delay:       cfg.Delay,
		RandomDelay: cfg.RandomDelay,
	}); err != nil {
		return nil, fmt.Errorf("configure rate limits: %w", err)
	}

	return &Crawler{
		cfg:       cfg,
		baseURL:   baseURL,
		collector: collector,
		pages:     pages,
		logger:    logger,
	}, nil
}

// PageURL returns the review listing URL of page n.
func (c *Crawler) PageURL(asin string, page int) string {
	return fmt.Sprintf("%s/product-reviews/%s/?pageNumber=%d&sortBy=helpful", c.baseURL, asin, page)
}

// Run fetches up to ceil(count/ReviewsPerPage) pages of asin and returns the
// number of pages written. Page 1 is always written; the crawl ends at the
// first later page without reviews.
func (c *Crawler) Run(ctx context.Context, asin string, count int) (int, error) {
	if err := parser.ValidateASIN(asin); err != nil {
		return 0, err
	}
	if count <= 0 {
		return 0, fmt.Errorf("review count must be positive")
	}
	c.configureHandlers()

	maxPages := (count + c.cfg.ReviewsPerPage - 1) / c.cfg.ReviewsPerPage
	written := 0
	for page := 1; page <= maxPages; page++ {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		saved, err := c.fetchPage(ctx, asin, page)
		if err != nil {
			return written, err
		}
		if !saved {
			c.logger.Info("no more reviews", slog.String("asin", asin), slog.Int("page", page))
			break
		}
		written++
	}
	return written, nil
}

func (c *Crawler) fetchPage(ctx context.Context, asin string, page int) (bool, error) {
	pageURL := c.PageURL(asin, page)
	for attempt := 1; ; attempt++ {
		c.resetVisit(asin, page)
		err := c.collector.Visit(pageURL)

		state := c.snapshotVisit()
		if err == nil {
			if state.saveErr != nil {
				return false, fmt.Errorf("store page %d: %w", page, state.saveErr)
			}
			c.logger.Debug("page fetched",
				slog.String("asin", asin),
				slog.Int("page", page),
				slog.Int("reviews", state.blocks),
				slog.Bool("saved", state.saved),
			)
			return state.saved, nil
		}

		classified := classifyError(err, state.status)
		category := ErrorTypeLabel(classified)
		c.logger.Error("request error",
			slog.String("url", pageURL),
			slog.String("category", category),
			slog.Int("attempt", attempt),
			slog.Any("error", err),
		)
		if !retryable(classified) || attempt > c.cfg.MaxRetries {
			return false, fmt.Errorf("fetch page %d: %w", page, classified)
		}

		timer := time.NewTimer(c.backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return false, ctx.Err()
		case <-timer.C:
		}
	}
}

func (c *Crawler) backoff(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}

	base := c.cfg.RetryBackoff
	if base <= 0 {
		base = 100 * time.Millisecond
	}

	delay := base * time.Duration(1<<(attempt-1))
	if max := c.cfg.RetryBackoffMax; max > 0 && delay > max {
		delay = max
	}
	return delay
}

func (c *Crawler) configureHandlers() {
	c.handlersOnce.Do(func() {
		c.collector.OnError(func(r *colly.Response, err error) {
			if r == nil {
				return
			}
			c.mu.Lock()
			c.visit.status = r.StatusCode
			c.mu.Unlock()
		})

		c.collector.OnHTML(parser.ReviewBlockSelector, func(e *colly.HTMLElement) {
			c.mu.Lock()
			c.visit.blocks++
			c.mu.Unlock()
		})

		c.collector.OnScraped(func(r *colly.Response) {
			c.mu.Lock()
			defer c.mu.Unlock()

			page := c.visit.page
			if n, err := strconv.Atoi(r.Request.URL.Query().Get("pageNumber")); err == nil {
				page = n
			}
			if page != 1 && c.visit.blocks == 0 {
				return
			}
			if err := c.pages.WritePage(c.visit.asin, page, r.Body); err != nil {
				c.visit.saveErr = err
				return
			}
			c.visit.saved = true
		})
	})
}

func (c *Crawler) resetVisit(asin string, page int) {
	c.mu.Lock()
	c.visit = visitState{asin: asin, page: page}
	c.mu.Unlock()
}

func (c *Crawler) snapshotVisit() visitState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.visit
}
