package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/catalog-relay/internal/crawler"
)

// RecordStore keeps catalog records keyed by code.
type RecordStore struct {
	mu     sync.RWMutex
	byCode map[string]*crawler.Record
	byID   map[int64]*crawler.Record
	nextID int64
	now    func() time.Time
}

// NewRecordStore constructs an empty RecordStore.
func NewRecordStore() *RecordStore {
	return &RecordStore{
		byCode: make(map[string]*crawler.Record),
		byID:   make(map[int64]*crawler.Record),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// InsertNew implements crawler.RecordStore. The whole batch is applied under
// one lock; codes already present are skipped.
func (s *RecordStore) InsertNew(_ context.Context, records []crawler.Record) ([]crawler.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inserted := make([]crawler.Record, 0, len(records))
	for _, rec := range records {
		code := crawler.NormalizeCode(rec.Code)
		if code == "" {
			return nil, fmt.Errorf("insert record: empty code")
		}
		if _, exists := s.byCode[code]; exists {
			continue
		}
		s.nextID++
		rec.ID = s.nextID
		rec.Code = code
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = s.now()
		}
		stored := rec
		s.byCode[code] = &stored
		s.byID[rec.ID] = &stored
		inserted = append(inserted, rec)
	}
	return inserted, nil
}

// ExistsByCode implements crawler.RecordStore.
func (s *RecordStore) ExistsByCode(_ context.Context, code string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byCode[crawler.NormalizeCode(code)]
	return ok, nil
}

// ExistingCodes implements crawler.RecordStore.
func (s *RecordStore) ExistingCodes(_ context.Context, codes []string) (map[string]struct{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]struct{})
	for _, code := range codes {
		code = crawler.NormalizeCode(code)
		if _, ok := s.byCode[code]; ok {
			out[code] = struct{}{}
		}
	}
	return out, nil
}

// ListUndelivered returns undelivered records, oldest first.
func (s *RecordStore) ListUndelivered(_ context.Context) ([]crawler.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []crawler.Record
	for _, rec := range s.byID {
		if !rec.Delivered {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// GetByCode implements crawler.RecordStore.
func (s *RecordStore) GetByCode(_ context.Context, code string) (crawler.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byCode[crawler.NormalizeCode(code)]
	if !ok {
		return crawler.Record{}, fmt.Errorf("record %s: %w", code, crawler.ErrNotFound)
	}
	return *rec, nil
}

// GetByID implements crawler.RecordStore.
func (s *RecordStore) GetByID(_ context.Context, id int64) (crawler.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byID[id]
	if !ok {
		return crawler.Record{}, fmt.Errorf("record %d: %w", id, crawler.ErrNotFound)
	}
	return *rec, nil
}

// MarkDelivered implements crawler.RecordStore.
func (s *RecordStore) MarkDelivered(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("record %d: %w", id, crawler.ErrNotFound)
	}
	rec.Delivered = true
	return nil
}
