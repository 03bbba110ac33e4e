// Package subscription manages destination subscriptions and record matching.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-relay/internal/crawler"
)

// ErrInvalid is returned for malformed subscription requests.
var ErrInvalid = errors.New("invalid subscription")

// Service creates, lists and disables subscriptions. Rows are never deleted.
type Service struct {
	store  crawler.SubscriptionStore
	logger *zap.Logger

	// mu serializes find-then-insert so one process never races itself.
	mu sync.Mutex
}

// New constructs a Service.
func New(store crawler.SubscriptionStore, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, logger: logger.Named("subscription")}
}

// Normalize validates the triple and returns its canonical form.
func Normalize(destination string, kind crawler.SubscriptionKind, keyword string) (string, crawler.SubscriptionKind, string, error) {
	destination = strings.TrimSpace(destination)
	kind = crawler.SubscriptionKind(strings.ToUpper(strings.TrimSpace(string(kind))))
	keyword = strings.TrimSpace(keyword)
	switch {
	case destination == "":
		return "", "", "", fmt.Errorf("%w: destination is required", ErrInvalid)
	case !kind.Valid():
		return "", "", "", fmt.Errorf("%w: unknown kind %q", ErrInvalid, kind)
	case kind.NeedsKeyword() && keyword == "":
		return "", "", "", fmt.Errorf("%w: %s needs a keyword", ErrInvalid, kind)
	case !kind.NeedsKeyword():
		keyword = ""
	}
	return destination, kind, keyword, nil
}

// Subscribe returns the enabled subscription for the triple, creating it or
// re-enabling a disabled row as needed. The bool reports whether anything changed.
func (s *Service) Subscribe(
	ctx context.Context,
	destination string,
	destKind crawler.DestinationKind,
	kind crawler.SubscriptionKind,
	keyword string,
) (crawler.Subscription, bool, error) {
	destination, kind, keyword, err := Normalize(destination, kind, keyword)
	if err != nil {
		return crawler.Subscription{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.store.FindSubscription(ctx, destination, kind, keyword)
	switch {
	case err == nil && existing.Enabled:
		s.logger.Debug("subscription already exists", zap.String("destination", destination),
			zap.String("kind", string(kind)), zap.String("keyword", keyword))
		return existing, false, nil
	case err == nil:
		existing.Enabled = true
		if destKind != "" {
			existing.DestinationKind = destKind
		}
		if err := s.store.UpdateSubscription(ctx, existing); err != nil {
			return crawler.Subscription{}, false, fmt.Errorf("re-enable subscription: %w", err)
		}
		s.logger.Info("subscription re-enabled", zap.Int64("id", existing.ID), zap.String("destination", destination))
		return existing, true, nil
	case !errors.Is(err, crawler.ErrNotFound):
		return crawler.Subscription{}, false, fmt.Errorf("find subscription: %w", err)
	}

	created, err := s.store.InsertSubscription(ctx, crawler.Subscription{
		Destination:     destination,
		DestinationKind: destKind,
		Kind:            kind,
		Keyword:         keyword,
		Enabled:         true,
	})
	if err != nil {
		// Another process may have inserted the same triple first.
		if again, findErr := s.store.FindSubscription(ctx, destination, kind, keyword); findErr == nil && again.Enabled {
			return again, false, nil
		}
		return crawler.Subscription{}, false, fmt.Errorf("insert subscription: %w", err)
	}
	s.logger.Info("subscription added", zap.Int64("id", created.ID), zap.String("destination", destination),
		zap.String("kind", string(kind)), zap.String("keyword", keyword))
	return created, true, nil
}

// Unsubscribe disables the subscription for the triple. It reports whether an
// enabled row was found.
func (s *Service) Unsubscribe(ctx context.Context, destination string, kind crawler.SubscriptionKind, keyword string) (bool, error) {
	destination, kind, keyword, err := Normalize(destination, kind, keyword)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, err := s.store.FindSubscription(ctx, destination, kind, keyword)
	if errors.Is(err, crawler.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("find subscription: %w", err)
	}
	if !sub.Enabled {
		return false, nil
	}
	sub.Enabled = false
	if err := s.store.UpdateSubscription(ctx, sub); err != nil {
		return false, fmt.Errorf("disable subscription: %w", err)
	}
	s.logger.Info("subscription disabled", zap.Int64("id", sub.ID), zap.String("destination", destination))
	return true, nil
}

// UnsubscribeAll disables every enabled subscription of destination and
// returns how many were disabled.
func (s *Service) UnsubscribeAll(ctx context.Context, destination string) (int, error) {
	destination = strings.TrimSpace(destination)
	if destination == "" {
		return 0, fmt.Errorf("%w: destination is required", ErrInvalid)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	subs, err := s.store.ListEnabledByDestination(ctx, destination)
	if err != nil {
		return 0, fmt.Errorf("list subscriptions: %w", err)
	}
	for i, sub := range subs {
		sub.Enabled = false
		if err := s.store.UpdateSubscription(ctx, sub); err != nil {
			return i, fmt.Errorf("disable subscription %d: %w", sub.ID, err)
		}
	}
	s.logger.Info("all subscriptions disabled", zap.String("destination", destination), zap.Int("count", len(subs)))
	return len(subs), nil
}

// List returns the enabled subscriptions of destination.
func (s *Service) List(ctx context.Context, destination string) ([]crawler.Subscription, error) {
	subs, err := s.store.ListEnabledByDestination(ctx, strings.TrimSpace(destination))
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	return subs, nil
}

// Matches reports whether rec satisfies sub. ALL always matches; BY_AUTHOR and
// BY_TAG need an exact, case-sensitive token in the record's comma-separated list.
func Matches(sub crawler.Subscription, rec crawler.Record) bool {
	switch sub.Kind {
	case crawler.SubscriptionAll:
		return true
	case crawler.SubscriptionByAuthor:
		return containsToken(rec.AuthorList(), sub.Keyword)
	case crawler.SubscriptionByTag:
		return containsToken(rec.TagList(), sub.Keyword)
	default:
		return false
	}
}

func containsToken(tokens []string, keyword string) bool {
	keyword = strings.TrimSpace(keyword)
	if keyword == "" {
		return false
	}
	for _, t := range tokens {
		if t == keyword {
			return true
		}
	}
	return false
}
