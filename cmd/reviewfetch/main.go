// Command reviewfetch downloads the review pages of one product into a
// document store partition. It is the fetcher launched by the reviews command:
//
//	reviewfetch -d com -m 300 -o reviews B01DFKC2SO
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aluiziolira/go-scrape-reviews/config"
	"github.com/aluiziolira/go-scrape-reviews/docstore"
	"github.com/aluiziolira/go-scrape-reviews/fetcher"
)

func main() {
	defaults := config.DefaultFetchConfig()

	domain := flag.String("d", "com", "Marketplace domain suffix")
	count := flag.Int("m", 300, "Maximum number of reviews to fetch")
	output := flag.String("o", "reviews", "Document store root")
	baseURL := flag.String("base-url", defaults.BaseURL, "Override the marketplace base URL")
	timeout := flag.Duration("timeout", defaults.Timeout, "Request timeout")
	delayMs := flag.Int("delay", int(defaults.Delay/time.Millisecond), "Delay between requests (milliseconds)")
	randomDelayMs := flag.Int("random-delay", int(defaults.RandomDelay/time.Millisecond), "Random jitter added to delay (milliseconds)")
	maxRetries := flag.Int("max-retries", defaults.MaxRetries, "Maximum retry attempts per page")
	retryBackoffMs := flag.Int("retry-backoff", int(defaults.RetryBackoff/time.Millisecond), "Initial retry backoff (milliseconds)")
	retryBackoffMaxMs := flag.Int("retry-backoff-max", int(defaults.RetryBackoffMax/time.Millisecond), "Maximum retry backoff (milliseconds)")
	respectRobots := flag.Bool("respect-robots", false, "Respect robots.txt directives")
	verbose := flag.Bool("v", false, "Enable verbose logging")

	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] ASIN\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	asin := flag.Arg(0)

	cfg := config.DefaultFetchConfig()
	cfg.BaseURL = *baseURL
	cfg.Timeout = *timeout
	cfg.Delay = time.Duration(*delayMs) * time.Millisecond
	cfg.RandomDelay = time.Duration(*randomDelayMs) * time.Millisecond
	cfg.MaxRetries = *maxRetries
	cfg.RetryBackoff = time.Duration(*retryBackoffMs) * time.Millisecond
	cfg.RetryBackoffMax = time.Duration(*retryBackoffMaxMs) * time.Millisecond
	cfg.RespectRobotsTxt = *respectRobots
	cfg.Verbose = *verbose

	store, err := docstore.New(*output, *domain, 1, logger)
	if err != nil {
		logger.Error("open document store", slog.Any("error", err))
		os.Exit(1)
	}

	crawler, err := fetcher.NewCrawler(cfg, *domain, store, logger)
	if err != nil {
		logger.Error("initialising crawler", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	pages, err := crawler.Run(ctx, asin, *count)
	if err != nil {
		logger.Error("fetch failed",
			slog.String("asin", asin),
			slog.Int("pages", pages),
			slog.String("error_type", fetcher.ErrorTypeLabel(err)),
			slog.Any("error", err),
		)
		os.Exit(1)
	}
	logger.Info("fetch complete",
		slog.String("asin", asin),
		slog.Int("pages", pages),
		slog.Duration("duration", time.Since(start)),
	)
}
