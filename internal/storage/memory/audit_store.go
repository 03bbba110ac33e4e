package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/JakeFAU/catalog-relay/internal/crawler"
)

// AuditStore keeps delivery attempts in memory.
type AuditStore struct {
	mu      sync.RWMutex
	entries []crawler.DeliveryEntry
}

// NewAuditStore constructs an empty AuditStore.
func NewAuditStore() *AuditStore {
	return &AuditStore{}
}

// InsertDelivery implements crawler.AuditStore.
func (s *AuditStore) InsertDelivery(_ context.Context, entry crawler.DeliveryEntry) error {
	if entry.Destination == "" {
		return errors.New("audit entry needs a destination")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return nil
}

// HasSuccessfulDelivery implements crawler.AuditStore.
func (s *AuditStore) HasSuccessfulDelivery(_ context.Context, recordID int64, destination string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.entries {
		if e.RecordID == recordID && e.Destination == destination && e.Outcome == crawler.DeliverySuccess {
			return true, nil
		}
	}
	return false, nil
}

// SuccessfulDestinations implements crawler.AuditStore.
func (s *AuditStore) SuccessfulDestinations(
	_ context.Context,
	recordID int64,
	destinations []string,
) (map[string]struct{}, error) {
	wanted := make(map[string]struct{}, len(destinations))
	for _, d := range destinations {
		wanted[d] = struct{}{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]struct{})
	for _, e := range s.entries {
		if e.RecordID != recordID || e.Outcome != crawler.DeliverySuccess {
			continue
		}
		if _, ok := wanted[e.Destination]; ok {
			out[e.Destination] = struct{}{}
		}
	}
	return out, nil
}

// PruneDeliveries implements crawler.AuditStore.
func (s *AuditStore) PruneDeliveries(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.entries[:0]
	var pruned int64
	for _, e := range s.entries {
		if e.AttemptedAt.Before(before) {
			pruned++
			continue
		}
		kept = append(kept, e)
	}
	s.entries = kept
	return pruned, nil
}

// Entries returns a copy of every stored attempt in insertion order.
func (s *AuditStore) Entries() []crawler.DeliveryEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]crawler.DeliveryEntry(nil), s.entries...)
}
