package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aluiziolira/go-scrape-reviews/config"
	"github.com/aluiziolira/go-scrape-reviews/docstore"
	"github.com/aluiziolira/go-scrape-reviews/fetcher"
	"github.com/aluiziolira/go-scrape-reviews/models"
	"github.com/aluiziolira/go-scrape-reviews/parser"
	"github.com/aluiziolira/go-scrape-reviews/pipeline"
	"github.com/aluiziolira/go-scrape-reviews/scraper"
	"github.com/aluiziolira/go-scrape-reviews/storage"
)

func main() {
	defaultCfg := config.DefaultConfig()
	rootDefault := defaultCfg.StorageRoot
	if value, ok := config.EnvString("REVIEWS_STORAGE_ROOT"); ok {
		rootDefault = value
	}
	driverDefault := defaultCfg.DBDriver
	if value, ok := config.EnvString("REVIEWS_DB_DRIVER"); ok {
		driverDefault = value
	}
	dsnDefault := defaultCfg.DBDSN
	if value, ok := config.EnvString("REVIEWS_DB_DSN"); ok {
		dsnDefault = value
	}
	fetcherDefault := defaultCfg.FetcherCommand
	if value, ok := config.EnvString("REVIEWS_FETCHER"); ok {
		fetcherDefault = value
	}
	metricsDefault := defaultCfg.MetricsAddr
	if value, ok := config.EnvString("REVIEWS_METRICS_ADDR"); ok {
		metricsDefault = value
	}
	pollDefault := defaultCfg.PollInterval
	if value, ok, err := config.EnvDuration("REVIEWS_POLL_INTERVAL"); err != nil {
		fmt.Fprintf(os.Stderr, "invalid REVIEWS_POLL_INTERVAL: %v\n", err)
		os.Exit(1)
	} else if ok {
		pollDefault = value
	}
	targetDefault, err := envTarget(defaultCfg.TargetReviews)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid REVIEWS_TARGET: %v\n", err)
		os.Exit(1)
	}

	sourceURL := flag.String("url", "", "Product page URL to derive the product identifier from")
	asin := flag.String("asin", "", "Product identifier, used when -url is not given")
	name := flag.String("name", "", "Product name; read from the first review page when empty")
	target := flag.Int("n", targetDefault, "Number of reviews to fetch")
	force := flag.Bool("force", false, "Delete stored pages before scraping")
	skipScrape := flag.Bool("skip-scrape", false, "Only extract pages already stored")
	storageRoot := flag.String("root", rootDefault, "Directory holding fetched pages")
	domain := flag.String("domain", defaultCfg.Domain, "Marketplace domain suffix (com, de, co.uk, ...)")
	fetcherCmd := flag.String("fetcher", fetcherDefault, "Fetcher command, optionally with fixed arguments")
	pollInterval := flag.Duration("poll", pollDefault, "Interval between document store polls")
	maxRetries := flag.Int("max-retries", defaultCfg.MaxRetries, "Restarts from scratch after a stall")
	dbDriver := flag.String("db", driverDefault, "Record sink: sqlite, postgres, or memory")
	dsn := flag.String("dsn", dsnDefault, "Sink DSN (sqlite file or postgres connection string)")
	exportFile := flag.String("export", defaultCfg.ExportFile, "Optional export file")
	exportFormat := flag.String("format", defaultCfg.ExportFormat, "Export format: csv, json, or dual")
	verbose := flag.Bool("v", false, "Enable verbose logging")
	metricsAddr := flag.String("metrics-addr", metricsDefault, "Prometheus metrics listen address (e.g. :9090)")

	flag.Parse()

	logger, level := newLogger(*verbose)
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(level.Level())

	cfg := config.DefaultConfig()
	cfg.StorageRoot = *storageRoot
	cfg.Domain = *domain
	cfg.FetcherCommand = *fetcherCmd
	cfg.TargetReviews = *target
	cfg.PollInterval = *pollInterval
	cfg.MaxRetries = *maxRetries
	cfg.DBDriver = strings.ToLower(*dbDriver)
	cfg.DBDSN = *dsn
	cfg.ExportFile = *exportFile
	cfg.ExportFormat = strings.ToLower(*exportFormat)
	cfg.MetricsAddr = *metricsAddr
	cfg.Verbose = *verbose
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}

	handle, err := resolveHandle(*sourceURL, *asin, *name)
	if err != nil {
		slog.Error("resolving product", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, handle, *force, *skipScrape); err != nil {
		slog.Error("run failed", slog.String("asin", handle.ASIN), slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, handle *models.ProductHandle, force, skipScrape bool) error {
	store, err := docstore.New(cfg.StorageRoot, cfg.Domain, cfg.SummaryCacheSize, slog.Default())
	if err != nil {
		return fmt.Errorf("open document store: %w", err)
	}

	metrics := scraper.NewMetrics()
	if cfg.MetricsAddr != "" {
		server := startMetricsServer(cfg.MetricsAddr, metrics.Registry)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				slog.Error("metrics server shutdown failed", slog.Any("error", err))
			}
		}()
	}

	startTime := time.Now()
	var scrapeResult *models.ScrapeResult
	if !skipScrape {
		var fetcherOut *os.File
		if cfg.Verbose {
			fetcherOut = os.Stderr
		}
		launcher, err := fetcher.NewLauncher(cfg.FetcherCommand, writerOrNil(fetcherOut), writerOrNil(fetcherOut), slog.Default())
		if err != nil {
			return err
		}
		controller, err := scraper.NewController(cfg, store, launcher, slog.Default())
		if err != nil {
			return fmt.Errorf("initialising controller: %w", err)
		}
		controller.Metrics = metrics

		scrapeResult, err = controller.Scrape(ctx, handle, cfg.TargetReviews, force)
		if err != nil {
			return err
		}
	}

	sink, err := storage.Open(ctx, cfg.DBDriver, cfg.SinkDSN())
	if err != nil {
		return fmt.Errorf("open record sink: %w", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			slog.Error("close sink", slog.Any("error", err))
		}
	}()

	opts := []pipeline.Option{
		pipeline.WithObserver(metrics),
		pipeline.WithLogger(slog.Default()),
	}
	var writer *pipeline.FileWriter
	if cfg.ExportFile != "" {
		writer, err = pipeline.NewOutputWriter(cfg.ExportFile, cfg.ExportFormat)
		if err != nil {
			return fmt.Errorf("creating writer: %w", err)
		}
		opts = append(opts, pipeline.WithWriter(writer))
	}

	p, err := pipeline.NewPipeline(store, sink, opts...)
	if err != nil {
		return err
	}
	if writer != nil {
		defer func() {
			if err := writer.Close(); err != nil {
				slog.Error("close writer", slog.Any("error", err))
			}
		}()
	}
	extractResult, err := p.Run(ctx, handle)
	if err != nil {
		return err
	}
	if writer != nil && len(extractResult.Records) > 0 {
		if err := writer.Validate(); err != nil {
			return fmt.Errorf("output validation failed: %w", err)
		}
		if err := pipeline.WriteSummary(pipeline.SummaryPath(cfg.ExportFile), extractResult); err != nil {
			return err
		}
	}

	stored, err := sink.Count(ctx)
	if err != nil {
		return err
	}
	printSummary(handle, scrapeResult, extractResult, p.GetMetrics(), stored, time.Since(startTime), cfg)
	return nil
}

func resolveHandle(sourceURL, asin, name string) (*models.ProductHandle, error) {
	switch {
	case sourceURL != "":
		return parser.NewProductHandle(sourceURL, name)
	case asin != "":
		return parser.NewProductHandleFromASIN(asin, name)
	default:
		return nil, errors.New("either -url or -asin is required")
	}
}

// envTarget returns REVIEWS_TARGET when set, fallback otherwise.
func envTarget(fallback int) (int, error) {
	value, ok, err := config.EnvInt("REVIEWS_TARGET")
	if err != nil {
		return 0, err
	}
	if !ok {
		return fallback, nil
	}
	if value <= 0 {
		return 0, fmt.Errorf("REVIEWS_TARGET must be positive, got %d", value)
	}
	return value, nil
}

// writerOrNil keeps a nil *os.File from becoming a non-nil io.Writer.
func writerOrNil(f *os.File) io.Writer {
	if f == nil {
		return nil
	}
	return f
}

func newMetricsRouter(registry *prometheus.Registry) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	return r
}

func startMetricsServer(addr string, registry *prometheus.Registry) *http.Server {
	server := &http.Server{
		Addr:              addr,
		Handler:           newMetricsRouter(registry),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server failed", slog.Any("error", err))
		}
	}()
	slog.Info("metrics server enabled", slog.String("addr", addr))
	return server
}

func printSummary(handle *models.ProductHandle, scrape *models.ScrapeResult, extract *models.ExtractResult, metrics map[string]interface{}, stored int, duration time.Duration, cfg *config.Config) {
	separator := "--------------------------------------------------"
	fmt.Println("\n" + separator)
	fmt.Println("Reviews loaded")

	fmt.Printf("  Product:       %s (%s)\n", handle.Name, handle.ASIN)
	if scrape != nil {
		fmt.Printf("  Pages:         %d of %d expected\n", scrape.Pages, scrape.ExpectedPages)
		fmt.Printf("  Attempts:      %d\n", scrape.Attempts)
		fmt.Printf("  Resumed:       %v\n", scrape.Resumed)
		fmt.Printf("  Run ID:        %s\n", scrape.RunID)
	}
	fmt.Printf("  Reviews:       %d\n", len(extract.Records))
	if extract.PagesSkipped > 0 {
		fmt.Printf("  Skipped pages: %d\n", extract.PagesSkipped)
	}
	if valErrors, ok := metrics["validation_errors"].(map[string]int); ok && len(valErrors) > 0 {
		fmt.Printf("  Validation:    %v\n", valErrors)
	}
	if len(handle.Ratings) > 0 {
		sum := 0
		for _, r := range handle.Ratings {
			sum += r
		}
		fmt.Printf("  Mean rating:   %.2f\n", float64(sum)/float64(len(handle.Ratings)))
	}
	fmt.Printf("  Sink:          %s (%d records)\n", cfg.DBDriver, stored)
	if cfg.ExportFile != "" {
		fmt.Printf("  Export file:   %s\n", cfg.ExportFile)
		if len(extract.Records) > 0 {
			fmt.Printf("  Summary file:  %s\n", pipeline.SummaryPath(cfg.ExportFile))
		}
	}
	fmt.Printf("  Duration:      %v\n", duration)
	fmt.Println(separator)
}

func newLogger(verbose bool) (*slog.Logger, *slog.LevelVar) {
	level := &slog.LevelVar{}
	if verbose {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if isTerminal(os.Stdout) {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler), level
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
