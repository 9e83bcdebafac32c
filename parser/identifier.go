package parser

import (
	"errors"
	"fmt"
	"strings"

	"github.com/aluiziolira/go-scrape-reviews/models"
)

// ASINLength is the length of every product identifier.
const ASINLength = 10

// DeriveASIN extracts the product identifier from a marketplace URL.
//
// Product URLs come in two shapes: .../dp/{ASIN}/ref=... where the identifier is
// the second-to-last path segment, and .../dp/{ASIN} (optionally followed by a
// query) where it is the head of the last segment.
func DeriveASIN(rawURL string) (string, error) {
	segments := strings.Split(strings.TrimSpace(rawURL), "/")[1:]
	if len(segments) == 0 {
		return "", ErrInvalidIdentifier{URL: rawURL, Err: errors.New("url has no path segments")}
	}

	candidate := ""
	if len(segments) >= 2 {
		candidate = segments[len(segments)-2]
	}
	if len(candidate) != ASINLength {
		candidate = segments[len(segments)-1]
		if len(candidate) > ASINLength {
			candidate = candidate[:ASINLength]
		}
	}

	if err := ValidateASIN(candidate); err != nil {
		return "", ErrInvalidIdentifier{URL: rawURL, Err: err}
	}
	return candidate, nil
}

// ValidateASIN checks that asin is exactly ten ASCII letters or digits.
func ValidateASIN(asin string) error {
	if len(asin) != ASINLength {
		return fmt.Errorf("identifier %q must be %d characters", asin, ASINLength)
	}
	for i := 0; i < len(asin); i++ {
		c := asin[i]
		if !(c >= '0' && c <= '9' || c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z') {
			return fmt.Errorf("identifier %q contains %q", asin, c)
		}
	}
	return nil
}

// NewProductHandle derives a handle from a marketplace URL.
func NewProductHandle(rawURL, name string) (*models.ProductHandle, error) {
	asin, err := DeriveASIN(rawURL)
	if err != nil {
		return nil, err
	}
	return &models.ProductHandle{
		ASIN: asin,
		Name: strings.TrimSpace(name),
		URL:  rawURL,
	}, nil
}

// NewProductHandleFromASIN builds a handle for a product that was fetched
// separately from extraction.
func NewProductHandleFromASIN(asin, name string) (*models.ProductHandle, error) {
	asin = strings.TrimSpace(asin)
	if err := ValidateASIN(asin); err != nil {
		return nil, ErrInvalidIdentifier{URL: asin, Err: err}
	}
	return &models.ProductHandle{
		ASIN: asin,
		Name: strings.TrimSpace(name),
	}, nil
}
