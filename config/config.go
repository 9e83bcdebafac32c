package config

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"
)

// Config holds the review loader configuration.
type Config struct {
	StorageRoot      string
	Domain           string
	FetcherCommand   string
	TargetReviews    int
	ReviewsPerPage   int
	PollInterval     time.Duration
	MaxRetries       int
	SummaryCacheSize int
	DBDriver         string // sqlite, postgres, or memory
	DBDSN            string
	ExportFile       string
	ExportFormat     string // csv, json, or dual
	MetricsAddr      string
	Verbose          bool
}

// DefaultConfig returns the defaults used by the CLI.
func DefaultConfig() *Config {
	return &Config{
		StorageRoot:      "reviews",
		Domain:           "com",
		FetcherCommand:   "reviewfetch",
		TargetReviews:    300,
		ReviewsPerPage:   10,
		PollInterval:     10 * time.Second,
		MaxRetries:       5,
		SummaryCacheSize: 128,
		DBDriver:         "sqlite",
		DBDSN:            "",
		ExportFile:       "",
		ExportFormat:     "csv",
		MetricsAddr:      "",
		Verbose:          false,
	}
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.StorageRoot) == "" {
		return fmt.Errorf("storage root cannot be empty")
	}
	if strings.TrimSpace(c.Domain) == "" {
		return fmt.Errorf("domain cannot be empty")
	}
	if strings.ContainsAny(c.Domain, `/\`) {
		return fmt.Errorf("domain %q must not contain path separators", c.Domain)
	}
	if strings.TrimSpace(c.FetcherCommand) == "" {
		return fmt.Errorf("fetcher command cannot be empty")
	}
	if c.TargetReviews <= 0 {
		return fmt.Errorf("target reviews must be positive")
	}
	if c.ReviewsPerPage <= 0 {
		return fmt.Errorf("reviews per page must be positive")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if c.SummaryCacheSize <= 0 {
		return fmt.Errorf("summary cache size must be positive")
	}
	switch c.DBDriver {
	case "sqlite", "memory":
	case "postgres":
		if c.DBDSN == "" {
			return fmt.Errorf("postgres driver requires a dsn")
		}
	default:
		return fmt.Errorf("db driver must be sqlite, postgres, or memory")
	}
	if c.ExportFile != "" && c.ExportFormat != "csv" && c.ExportFormat != "json" && c.ExportFormat != "dual" {
		return fmt.Errorf("export format must be csv, json, or dual")
	}
	return nil
}

// SinkDSN returns the configured DSN, defaulting SQLite to a file under the
// storage root.
func (c *Config) SinkDSN() string {
	if c.DBDSN != "" {
		return c.DBDSN
	}
	if c.DBDriver == "sqlite" {
		return filepath.Join(c.StorageRoot, "reviews.db")
	}
	return ""
}

// FetchConfig holds the settings of the review page fetcher.
type FetchConfig struct {
	BaseURL          string
	Timeout          time.Duration
	Delay            time.Duration
	RandomDelay      time.Duration
	MaxRetries       int
	RetryBackoff     time.Duration
	RetryBackoffMax  time.Duration
	ReviewsPerPage   int
	UserAgent        string
	RespectRobotsTxt bool
	Verbose          bool
}

// DefaultFetchConfig returns conservative defaults for the review fetcher.
// An empty BaseURL is derived from the marketplace domain at run time.
func DefaultFetchConfig() *FetchConfig {
	return &FetchConfig{
		BaseURL:          "",
		Timeout:          10 * time.Second,
		Delay:            time.Second,
		RandomDelay:      500 * time.Millisecond,
		MaxRetries:       2,
		RetryBackoff:     200 * time.Millisecond,
		RetryBackoffMax:  2 * time.Second,
		ReviewsPerPage:   10,
		UserAgent:        "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/117.0.0.0 Safari/537.36",
		Verbose:          false,
		RespectRobotsTxt: false,
	}
}

// MarketplaceURL returns BaseURL or the default storefront for domain.
func (c *FetchConfig) MarketplaceURL(domain string) string {
	if c.BaseURL != "" {
		return strings.TrimSuffix(c.BaseURL, "/")
	}
	return "https://www.amazon." + domain
}

// Validate ensures all fetcher settings are coherent.
func (c *FetchConfig) Validate() error {
	if c.BaseURL != "" {
		parsedURL, err := url.Parse(c.BaseURL)
		if err != nil {
			return fmt.Errorf("invalid base URL: %w", err)
		}
		if parsedURL.Host == "" {
			return fmt.Errorf("base URL must include a host")
		}
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.Delay < 0 {
		return fmt.Errorf("delay cannot be negative")
	}
	if c.RandomDelay < 0 {
		return fmt.Errorf("random delay cannot be negative")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if c.RetryBackoff < 0 {
		return fmt.Errorf("retry backoff cannot be negative")
	}
	if c.RetryBackoffMax < 0 {
		return fmt.Errorf("retry backoff max cannot be negative")
	}
	if c.RetryBackoffMax > 0 && c.RetryBackoff > c.RetryBackoffMax {
		return fmt.Errorf("retry backoff (%s) cannot exceed retry backoff max (%s)", c.RetryBackoff, c.RetryBackoffMax)
	}
	if c.ReviewsPerPage <= 0 {
		return fmt.Errorf("reviews per page must be positive")
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user agent cannot be empty")
	}
	return nil
}
