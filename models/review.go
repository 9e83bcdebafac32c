// Package models defines data structures shared by the scraper, the extraction
// pipeline and the storage sinks.
package models

import (
	"fmt"
	"time"
)

const (
	// DefaultAuthor is stored when a review carries no author node.
	DefaultAuthor = "Anonymous"
	// DefaultHeadline is stored when a review carries no headline node.
	DefaultHeadline = "No headline"
)

// ProductHandle identifies one product and accumulates the ratings and review
// texts of the last extraction run.
type ProductHandle struct {
	ASIN string
	Name string
	URL  string

	Ratings []int
	Reviews []string
}

// ProductSummary holds the fields read from the first review page.
type ProductSummary struct {
	Name            string
	AdvertisedTotal int
	HasName         bool
	HasTotal        bool
}

// DocumentPage references one fetched review page inside a partition.
type DocumentPage struct {
	ASIN string
	Page int
	Path string
}

// ReviewRecord represents one extracted review.
type ReviewRecord struct {
	ID       string `csv:"id" json:"id"`
	ASIN     string `csv:"asin" json:"asin"`
	Index    int    `csv:"review_idx" json:"review_idx"`
	Rating   int    `csv:"rating" json:"rating"`
	Review   string `csv:"review" json:"review"`
	Author   string `csv:"author" json:"author"`
	Headline string `csv:"headline" json:"headline"`
}

// RecordID returns the stable upsert key for the review at index.
func RecordID(asin string, index int) string {
	return fmt.Sprintf("%s_%d", asin, index)
}

// ScrapeResult summarises one convergence run.
type ScrapeResult struct {
	ASIN          string
	RunID         string
	Pages         int
	ExpectedPages int
	Attempts      int
	Resumed       bool
	StartTime     time.Time
	EndTime       time.Time
}

// ExtractResult holds the records of one extraction run.
type ExtractResult struct {
	ASIN         string
	Name         string
	Records      []*ReviewRecord
	PagesRead    int
	PagesSkipped int
	SkippedPages []string
}
