// Package docstore keeps fetched review pages on the filesystem, one partition
// per product under {root}/{domain}/{asin}/.
package docstore

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/net/html/charset"

	"github.com/aluiziolira/go-scrape-reviews/models"
	"github.com/aluiziolira/go-scrape-reviews/parser"
)

const pageExt = ".html"

// Store is a filesystem DocumentStore.
type Store struct {
	root   string
	domain string
	cache  *lru.Cache[string, summaryEntry]
	logger *slog.Logger
}

type summaryEntry struct {
	size    int64
	modTime int64
	summary models.ProductSummary
}

// New returns a store rooted at root for the given marketplace domain.
func New(root, domain string, cacheSize int, logger *slog.Logger) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("docstore: storage root cannot be empty")
	}
	if strings.TrimSpace(domain) == "" {
		return nil, fmt.Errorf("docstore: domain cannot be empty")
	}
	if cacheSize <= 0 {
		cacheSize = 128
	}
	cache, err := lru.New[string, summaryEntry](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("docstore: create summary cache: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{root: root, domain: domain, cache: cache, logger: logger}, nil
}

// Root returns the storage root the fetcher writes below.
func (s *Store) Root() string {
	return s.root
}

// Domain returns the marketplace domain of the store.
func (s *Store) Domain() string {
	return s.domain
}

// PartitionDir returns the directory holding the pages of asin.
func (s *Store) PartitionDir(asin string) string {
	return filepath.Join(s.root, s.domain, asin)
}

// PagePath returns the path of page n of asin.
func (s *Store) PagePath(asin string, page int) string {
	return filepath.Join(s.PartitionDir(asin), PageFileName(asin, page))
}

// PageFileName returns the conventional file name {asin}_{page}.html.
func PageFileName(asin string, page int) string {
	return fmt.Sprintf("%s_%d%s", asin, page, pageExt)
}

// Pages lists the fetched pages of asin ordered by page number. A missing
// partition yields no pages.
func (s *Store) Pages(asin string) ([]models.DocumentPage, error) {
	dir := s.PartitionDir(asin)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list partition %s: %w", dir, err)
	}

	prefix := asin + "_"
	pages := make([]models.DocumentPage, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, pageExt) {
			continue
		}
		page := 0
		if strings.HasPrefix(name, prefix) {
			if n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, prefix), pageExt)); err == nil {
				page = n
			}
		}
		pages = append(pages, models.DocumentPage{
			ASIN: asin,
			Page: page,
			Path: filepath.Join(dir, name),
		})
	}

	sort.SliceStable(pages, func(i, j int) bool {
		if pages[i].Page != pages[j].Page {
			return pages[i].Page < pages[j].Page
		}
		return pages[i].Path < pages[j].Path
	})
	return pages, nil
}

// Count returns the number of fetched pages of asin.
func (s *Store) Count(asin string) (int, error) {
	pages, err := s.Pages(asin)
	if err != nil {
		return 0, err
	}
	return len(pages), nil
}

// HasPage reports whether page n of asin exists.
func (s *Store) HasPage(asin string, page int) bool {
	info, err := os.Stat(s.PagePath(asin, page))
	return err == nil && !info.IsDir()
}

// Open parses the page at path into a queryable document.
func (s *Store) Open(path string) (*goquery.Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open page %s: %w", path, err)
	}
	defer f.Close()

	reader, err := charset.NewReader(f, "text/html")
	if err != nil {
		return nil, fmt.Errorf("decode page %s: %w", path, err)
	}
	doc, err := goquery.NewDocumentFromReader(reader)
	if err != nil {
		return nil, fmt.Errorf("parse page %s: %w", path, err)
	}
	return doc, nil
}

// Summary parses page 1 of asin. Results are cached until the page changes on
// disk.
func (s *Store) Summary(asin string) (models.ProductSummary, error) {
	path := s.PagePath(asin, 1)
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return models.ProductSummary{}, parser.NewMissingPageOne(asin)
		}
		return models.ProductSummary{}, fmt.Errorf("stat page %s: %w", path, err)
	}

	if entry, ok := s.cache.Get(path); ok && entry.size == info.Size() && entry.modTime == info.ModTime().UnixNano() {
		return entry.summary, nil
	}

	doc, err := s.Open(path)
	if err != nil {
		return models.ProductSummary{}, parser.ErrInvalidDocument{ASIN: asin, Page: 1, Err: err}
	}
	summary := parser.ParseSummary(doc)
	s.cache.Add(path, summaryEntry{
		size:    info.Size(),
		modTime: info.ModTime().UnixNano(),
		summary: summary,
	})
	return summary, nil
}

// Purge removes every page of asin and the partition directory. Purging an
// absent partition is a no-op.
func (s *Store) Purge(asin string) error {
	dir := s.PartitionDir(asin)
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		s.logger.Debug("nothing to purge", slog.String("asin", asin), slog.String("dir", dir))
		return nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("purge partition %s: %w", dir, err)
	}
	s.cache.Remove(s.PagePath(asin, 1))
	s.logger.Debug("partition purged", slog.String("asin", asin), slog.String("dir", dir))
	return nil
}

// WritePage stores body as page n of asin. The page only becomes visible to
// Count once fully written.
func (s *Store) WritePage(asin string, page int, body []byte) error {
	if err := parser.ValidateASIN(asin); err != nil {
		return fmt.Errorf("write page: %w", err)
	}
	if page < 1 {
		return fmt.Errorf("write page: page number %d must be positive", page)
	}
	return atomicWriteFile(s.PagePath(asin, page), body, 0o644)
}

func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %q: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if tmp != nil {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	tmp = nil

	if err := os.Chmod(tmpPath, perm); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("set permissions: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
