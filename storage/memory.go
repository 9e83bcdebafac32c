package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/aluiziolira/go-scrape-reviews/models"
)

// MemorySink keeps records in a map. It is meant for dry runs and tests.
type MemorySink struct {
	mu      sync.RWMutex
	records map[string]models.ReviewRecord
}

// NewMemorySink returns an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{records: make(map[string]models.ReviewRecord)}
}

func (s *MemorySink) Upsert(ctx context.Context, record *models.ReviewRecord) error {
	if err := validateRecord(record); err != nil {
		return err
	}
	s.mu.Lock()
	s.records[record.ID] = *record
	s.mu.Unlock()
	return nil
}

func (s *MemorySink) Get(ctx context.Context, id string) (*models.ReviewRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

func (s *MemorySink) ListByASIN(ctx context.Context, asin string) ([]*models.ReviewRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.ReviewRecord
	for _, r := range s.records {
		if r.ASIN == asin {
			r := r
			out = append(out, &r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func (s *MemorySink) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records), nil
}

func (s *MemorySink) Close() error {
	return nil
}
