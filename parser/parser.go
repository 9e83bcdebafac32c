package parser

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/aluiziolira/go-scrape-reviews/models"
)

// Markup signatures of the review pages.
const (
	ReviewBlockSelector = "div.a-section.review"
	ratingSelector      = "i"
	reviewTextSelector  = "span.a-size-base.review-text"
	authorSelector      = "a.a-size-base.a-link-normal.author"
	headlineSelector    = "a.review-title"
	totalCountSelector  = "span.a-size-medium.totalReviewCount"
	productNameSelector = ".a-link-normal"
)

// ReviewBlocks returns the review containers of a page.
func ReviewBlocks(doc *goquery.Document) *goquery.Selection {
	return doc.Find(ReviewBlockSelector)
}

// ParseReview reads the fields of one review block. Rating and review text are
// mandatory; author and headline fall back to their defaults.
func ParseReview(block *goquery.Selection) (*models.ReviewRecord, error) {
	ratingNode := block.Find(ratingSelector).First()
	if ratingNode.Length() == 0 {
		return nil, ErrMissingField{Field: "rating", Err: errNodeNotFound}
	}
	rating, err := ParseRating(ratingNode.Text())
	if err != nil {
		return nil, ErrMissingField{Field: "rating", Err: err}
	}

	reviewNode := block.Find(reviewTextSelector).First()
	if reviewNode.Length() == 0 {
		return nil, ErrMissingField{Field: "review", Err: errNodeNotFound}
	}

	return &models.ReviewRecord{
		Rating:   rating,
		Review:   NormalizeText(reviewNode.Text()),
		Author:   optionalText(block, authorSelector, models.DefaultAuthor),
		Headline: optionalText(block, headlineSelector, models.DefaultHeadline),
	}, nil
}

func optionalText(block *goquery.Selection, selector, fallback string) string {
	node := block.Find(selector).First()
	if node.Length() == 0 {
		return fallback
	}
	if text := NormalizeText(node.Text()); text != "" {
		return text
	}
	return fallback
}

// ParseRating converts a rating glyph text such as "4.0 out of 5 stars" to its
// leading integer.
func ParseRating(text string) (int, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0, fmt.Errorf("empty rating text")
	}
	rating, err := strconv.Atoi(text[:1])
	if err != nil {
		return 0, fmt.Errorf("parse rating %q: %w", text, err)
	}
	if rating < 1 || rating > 5 {
		return 0, fmt.Errorf("rating %d out of range", rating)
	}
	return rating, nil
}

// ParseSummary reads the product name and the advertised review count from the
// first review page.
func ParseSummary(doc *goquery.Document) models.ProductSummary {
	var summary models.ProductSummary

	if node := doc.Find(productNameSelector).First(); node.Length() > 0 {
		if name := NormalizeText(node.Text()); name != "" {
			summary.Name = name
			summary.HasName = true
		}
	}

	if node := doc.Find(totalCountSelector).First(); node.Length() > 0 {
		if total, err := ParseCount(node.Text()); err == nil {
			summary.AdvertisedTotal = total
			summary.HasTotal = true
		}
	}

	return summary
}

// ParseCount parses a count with thousands separators, e.g. "1,204".
func ParseCount(text string) (int, error) {
	cleaned := strings.ReplaceAll(strings.TrimSpace(text), ",", "")
	count, err := strconv.Atoi(cleaned)
	if err != nil {
		return 0, fmt.Errorf("parse count %q: %w", text, err)
	}
	if count < 0 {
		return 0, fmt.Errorf("negative count %d", count)
	}
	return count, nil
}

// ValidateReview ensures the extractor captured the required fields.
func ValidateReview(r *models.ReviewRecord) error {
	if r == nil {
		return fmt.Errorf("review is nil")
	}
	if err := ValidateASIN(r.ASIN); err != nil {
		return fmt.Errorf("review %s: %w", r.ID, err)
	}
	if r.ID != models.RecordID(r.ASIN, r.Index) {
		return fmt.Errorf("review id %q does not match %s/%d", r.ID, r.ASIN, r.Index)
	}
	if r.Rating < 1 || r.Rating > 5 {
		return fmt.Errorf("review %s rating %d out of range", r.ID, r.Rating)
	}
	if strings.TrimSpace(r.Author) == "" {
		return fmt.Errorf("review %s missing author", r.ID)
	}
	if strings.TrimSpace(r.Headline) == "" {
		return fmt.Errorf("review %s missing headline", r.ID)
	}
	return nil
}

// NormalizeText trims surrounding whitespace from node text.
func NormalizeText(text string) string {
	return strings.TrimSpace(text)
}
