package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/catalog-relay/internal/crawler"
)

const subscriptionColumns = `id, destination, destination_kind, kind, keyword, enabled, created_at, updated_at`

// FindSubscription implements crawler.SubscriptionStore.
func (s *Store) FindSubscription(
	ctx context.Context,
	destination string,
	kind crawler.SubscriptionKind,
	keyword string,
) (crawler.Subscription, error) {
	sub, err := scanSubscription(s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE destination = $1 AND kind = $2 AND keyword = $3`,
		destination, string(kind), keyword))
	if err != nil {
		return crawler.Subscription{}, notFound(err, "subscription")
	}
	return sub, nil
}

// InsertSubscription implements crawler.SubscriptionStore. A duplicate triple
// violates the unique constraint and is returned as an error.
func (s *Store) InsertSubscription(ctx context.Context, sub crawler.Subscription) (crawler.Subscription, error) {
	now := s.now()
	sub.CreatedAt, sub.UpdatedAt = now, now
	err := s.pool.QueryRow(ctx, `
INSERT INTO subscriptions (destination, destination_kind, kind, keyword, enabled, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
RETURNING id`,
		sub.Destination,
		string(sub.DestinationKind),
		string(sub.Kind),
		sub.Keyword,
		sub.Enabled,
		sub.CreatedAt,
		sub.UpdatedAt,
	).Scan(&sub.ID)
	if err != nil {
		return crawler.Subscription{}, fmt.Errorf("insert subscription: %w", err)
	}
	return sub, nil
}

// UpdateSubscription implements crawler.SubscriptionStore.
func (s *Store) UpdateSubscription(ctx context.Context, sub crawler.Subscription) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE subscriptions SET enabled = $1, destination_kind = $2, updated_at = $3 WHERE id = $4`,
		sub.Enabled, string(sub.DestinationKind), s.now(), sub.ID)
	if err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("subscription %d: %w", sub.ID, crawler.ErrNotFound)
	}
	return nil
}

// ListEnabled implements crawler.SubscriptionStore.
func (s *Store) ListEnabled(ctx context.Context) ([]crawler.Subscription, error) {
	return s.listSubscriptions(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE enabled ORDER BY id`)
}

// ListEnabledByDestination implements crawler.SubscriptionStore.
func (s *Store) ListEnabledByDestination(ctx context.Context, destination string) ([]crawler.Subscription, error) {
	return s.listSubscriptions(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE enabled AND destination = $1 ORDER BY id`,
		destination)
}

// ListEnabledByKind implements crawler.SubscriptionStore. An empty keyword
// matches every keyword of kind.
func (s *Store) ListEnabledByKind(
	ctx context.Context,
	kind crawler.SubscriptionKind,
	keyword string,
) ([]crawler.Subscription, error) {
	return s.listSubscriptions(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
WHERE enabled AND kind = $1 AND ($2 = '' OR keyword = $2) ORDER BY id`,
		string(kind), keyword)
}

func (s *Store) listSubscriptions(ctx context.Context, query string, args ...any) ([]crawler.Subscription, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer rows.Close()
	var out []crawler.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscriptions: %w", err)
	}
	return out, nil
}

func scanSubscription(row pgx.Row) (crawler.Subscription, error) {
	var (
		sub      crawler.Subscription
		destKind string
		kind     string
	)
	if err := row.Scan(
		&sub.ID,
		&sub.Destination,
		&destKind,
		&kind,
		&sub.Keyword,
		&sub.Enabled,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	); err != nil {
		return crawler.Subscription{}, err
	}
	sub.DestinationKind = crawler.DestinationKind(destKind)
	sub.Kind = crawler.SubscriptionKind(kind)
	return sub, nil
}
