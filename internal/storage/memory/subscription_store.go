package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/catalog-relay/internal/crawler"
)

type subscriptionKey struct {
	destination string
	kind        crawler.SubscriptionKind
	keyword     string
}

// SubscriptionStore keeps subscriptions in memory; rows are never deleted.
type SubscriptionStore struct {
	mu     sync.RWMutex
	rows   map[int64]crawler.Subscription
	byKey  map[subscriptionKey]int64
	nextID int64
	now    func() time.Time
}

// NewSubscriptionStore constructs an empty SubscriptionStore.
func NewSubscriptionStore() *SubscriptionStore {
	return &SubscriptionStore{
		rows:  make(map[int64]crawler.Subscription),
		byKey: make(map[subscriptionKey]int64),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func keyOf(sub crawler.Subscription) subscriptionKey {
	return subscriptionKey{destination: sub.Destination, kind: sub.Kind, keyword: sub.Keyword}
}

// FindSubscription implements crawler.SubscriptionStore.
func (s *SubscriptionStore) FindSubscription(
	_ context.Context,
	destination string,
	kind crawler.SubscriptionKind,
	keyword string,
) (crawler.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byKey[subscriptionKey{destination: destination, kind: kind, keyword: keyword}]
	if !ok {
		return crawler.Subscription{}, crawler.ErrNotFound
	}
	return s.rows[id], nil
}

// InsertSubscription implements crawler.SubscriptionStore.
func (s *SubscriptionStore) InsertSubscription(_ context.Context, sub crawler.Subscription) (crawler.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := keyOf(sub)
	if _, exists := s.byKey[key]; exists {
		return crawler.Subscription{}, fmt.Errorf("subscription %s/%s/%q already exists", sub.Destination, sub.Kind, sub.Keyword)
	}
	s.nextID++
	now := s.now()
	sub.ID = s.nextID
	sub.CreatedAt = now
	sub.UpdatedAt = now
	s.rows[sub.ID] = sub
	s.byKey[key] = sub.ID
	return sub, nil
}

// UpdateSubscription implements crawler.SubscriptionStore.
func (s *SubscriptionStore) UpdateSubscription(_ context.Context, sub crawler.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.rows[sub.ID]
	if !ok {
		return fmt.Errorf("subscription %d: %w", sub.ID, crawler.ErrNotFound)
	}
	current.Enabled = sub.Enabled
	current.DestinationKind = sub.DestinationKind
	current.UpdatedAt = s.now()
	s.rows[sub.ID] = current
	return nil
}

// ListEnabled implements crawler.SubscriptionStore.
func (s *SubscriptionStore) ListEnabled(_ context.Context) ([]crawler.Subscription, error) {
	return s.filter(func(crawler.Subscription) bool { return true }), nil
}

// ListEnabledByDestination implements crawler.SubscriptionStore.
func (s *SubscriptionStore) ListEnabledByDestination(_ context.Context, destination string) ([]crawler.Subscription, error) {
	return s.filter(func(sub crawler.Subscription) bool { return sub.Destination == destination }), nil
}

// ListEnabledByKind implements crawler.SubscriptionStore. An empty keyword
// matches every keyword of the kind.
func (s *SubscriptionStore) ListEnabledByKind(
	_ context.Context,
	kind crawler.SubscriptionKind,
	keyword string,
) ([]crawler.Subscription, error) {
	return s.filter(func(sub crawler.Subscription) bool {
		return sub.Kind == kind && (keyword == "" || sub.Keyword == keyword)
	}), nil
}

func (s *SubscriptionStore) filter(keep func(crawler.Subscription) bool) []crawler.Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []crawler.Subscription
	for _, sub := range s.rows {
		if sub.Enabled && keep(sub) {
			out = append(out, sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
