package parser

import (
	"errors"
	"fmt"
)

var (
	errNodeNotFound = errors.New("node not found")
	errNoPageOne    = errors.New("first review page not found")
)

// ErrInvalidIdentifier indicates that no product identifier could be derived
// from a source URL.
type ErrInvalidIdentifier struct {
	URL string
	Err error
}

func (e ErrInvalidIdentifier) Error() string {
	return fmt.Errorf("invalid_identifier: %q: %w", e.URL, e.Err).Error()
}

func (e ErrInvalidIdentifier) Unwrap() error {
	return e.Err
}

// ErrInvalidDocument indicates that the first page of a product could not be
// parsed for its name or its advertised review count.
type ErrInvalidDocument struct {
	ASIN string
	Page int
	Err  error
}

func (e ErrInvalidDocument) Error() string {
	return fmt.Errorf("invalid_document: %s page %d: %w", e.ASIN, e.Page, e.Err).Error()
}

func (e ErrInvalidDocument) Unwrap() error {
	return e.Err
}

// NewMissingPageOne reports a product whose first page is absent.
func NewMissingPageOne(asin string) error {
	return ErrInvalidDocument{ASIN: asin, Page: 1, Err: errNoPageOne}
}

// ErrMalformedPage indicates a page without review blocks. It is never fatal.
type ErrMalformedPage struct {
	ASIN string
	Page int
	Path string
}

func (e ErrMalformedPage) Error() string {
	return fmt.Sprintf("malformed_page: %s page %d (%s) has no review blocks", e.ASIN, e.Page, e.Path)
}

// ErrMissingField indicates a review block without one of its fields.
type ErrMissingField struct {
	Field string
	Err   error
}

func (e ErrMissingField) Error() string {
	return fmt.Errorf("missing_field %s: %w", e.Field, e.Err).Error()
}

func (e ErrMissingField) Unwrap() error {
	return e.Err
}
