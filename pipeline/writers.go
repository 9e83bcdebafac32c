package pipeline

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/aluiziolira/go-scrape-reviews/models"
)

// Export formats accepted by NewOutputWriter.
const (
	FormatCSV  = "csv"
	FormatJSON = "json"
	FormatDual = "dual"
)

var csvHeader = []string{"id", "asin", "review_idx", "rating", "review", "author", "headline"}

// recordEncoder appends review records to one export file.
type recordEncoder interface {
	encode(r *models.ReviewRecord) error
	flush() error
}

type csvEncoder struct {
	w *csv.Writer
}

func (e *csvEncoder) encode(r *models.ReviewRecord) error {
	return e.w.Write([]string{
		r.ID,
		r.ASIN,
		strconv.Itoa(r.Index),
		strconv.Itoa(r.Rating),
		r.Review,
		r.Author,
		r.Headline,
	})
}

func (e *csvEncoder) flush() error {
	e.w.Flush()
	return e.w.Error()
}

type jsonlEncoder struct {
	buf *bufio.Writer
	enc *json.Encoder
}

func (e *jsonlEncoder) encode(r *models.ReviewRecord) error {
	return e.enc.Encode(r)
}

func (e *jsonlEncoder) flush() error {
	return e.buf.Flush()
}

type exportFile struct {
	path string
	file *os.File
	enc  recordEncoder
}

// FileWriter exports review records as CSV, JSON lines, or both at once.
type FileWriter struct {
	mu      sync.Mutex
	files   []exportFile
	written int
}

// NewOutputWriter opens the export for format. The dual format writes filename
// as CSV next to a .jsonl file with the same base name.
func NewOutputWriter(filename, format string) (*FileWriter, error) {
	var paths []string
	base := strings.TrimSuffix(filename, filepath.Ext(filename))
	switch strings.ToLower(format) {
	case "", FormatCSV:
		paths = []string{filename}
	case FormatJSON, "jsonl":
		paths = []string{filename}
		format = FormatJSON
	case FormatDual:
		paths = []string{base + ".csv", base + ".jsonl"}
	default:
		return nil, fmt.Errorf("unsupported export format %q", format)
	}

	fw := &FileWriter{}
	for i, path := range paths {
		asJSON := format == FormatJSON || i == 1
		if err := fw.open(path, asJSON); err != nil {
			fw.Close()
			return nil, err
		}
	}
	return fw, nil
}

func (fw *FileWriter) open(path string, asJSON bool) error {
	if err := ensureDir(path); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create export file: %w", err)
	}

	var enc recordEncoder
	if asJSON {
		buf := bufio.NewWriter(f)
		enc = &jsonlEncoder{buf: buf, enc: json.NewEncoder(buf)}
	} else {
		w := csv.NewWriter(f)
		if err := w.Write(csvHeader); err != nil {
			f.Close()
			return fmt.Errorf("write csv header: %w", err)
		}
		enc = &csvEncoder{w: w}
	}
	fw.files = append(fw.files, exportFile{path: path, file: f, enc: enc})
	return nil
}

// Paths returns the files this writer produces.
func (fw *FileWriter) Paths() []string {
	out := make([]string, 0, len(fw.files))
	for _, f := range fw.files {
		out = append(out, f.path)
	}
	return out
}

// Write appends reviews to every export file.
func (fw *FileWriter) Write(reviews []*models.ReviewRecord) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	for _, f := range fw.files {
		for _, review := range reviews {
			if err := f.enc.encode(review); err != nil {
				return fmt.Errorf("encode %s into %s: %w", review.ID, f.path, err)
			}
		}
		if err := f.enc.flush(); err != nil {
			return fmt.Errorf("flush %s: %w", f.path, err)
		}
	}
	fw.written += len(reviews)
	return nil
}

// Close flushes and closes every file.
func (fw *FileWriter) Close() error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	var errs []error
	for _, f := range fw.files {
		if f.file == nil {
			continue
		}
		if err := f.enc.flush(); err != nil {
			errs = append(errs, fmt.Errorf("flush %s: %w", f.path, err))
		}
		if err := f.file.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", f.path, err))
		}
	}
	fw.files = fw.files[:0:0]
	return errors.Join(errs...)
}

// Validate reports an export that received no records.
func (fw *FileWriter) Validate() error {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if fw.written == 0 {
		return fmt.Errorf("export is empty")
	}
	return nil
}

// ProductSummary is the per-product sidecar written next to an export.
type ProductSummary struct {
	ASIN         string         `json:"asin"`
	Name         string         `json:"name"`
	Reviews      int            `json:"reviews"`
	PagesRead    int            `json:"pages_read"`
	PagesSkipped int            `json:"pages_skipped"`
	MeanRating   float64        `json:"mean_rating"`
	Ratings      map[string]int `json:"ratings"`
}

// Summarize aggregates the records of one extraction run.
func Summarize(result *models.ExtractResult) ProductSummary {
	s := ProductSummary{
		ASIN:         result.ASIN,
		Name:         result.Name,
		Reviews:      len(result.Records),
		PagesRead:    result.PagesRead,
		PagesSkipped: result.PagesSkipped,
		Ratings:      map[string]int{"1": 0, "2": 0, "3": 0, "4": 0, "5": 0},
	}
	sum := 0
	for _, r := range result.Records {
		sum += r.Rating
		s.Ratings[strconv.Itoa(r.Rating)]++
	}
	if len(result.Records) > 0 {
		s.MeanRating = float64(sum) / float64(len(result.Records))
	}
	return s
}

// SummaryPath returns the sidecar location for an export file.
func SummaryPath(exportFile string) string {
	return strings.TrimSuffix(exportFile, filepath.Ext(exportFile)) + ".summary.json"
}

// WriteSummary writes the sidecar for result to path.
func WriteSummary(path string, result *models.ExtractResult) error {
	if err := ensureDir(path); err != nil {
		return err
	}
	data, err := json.MarshalIndent(Summarize(result), "", "  ")
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	return nil
}

func ensureDir(filename string) error {
	dir := filepath.Dir(filename)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %q: %w", dir, err)
	}
	return nil
}
