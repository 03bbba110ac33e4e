package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/catalog-relay/internal/crawler"
)

// InsertDelivery implements crawler.AuditStore. A second SUCCESS for the same
// record and destination is dropped by the partial unique index.
func (s *Store) InsertDelivery(ctx context.Context, entry crawler.DeliveryEntry) error {
	if entry.ID == "" || entry.Destination == "" {
		return errors.New("audit entry needs an id and a destination")
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO delivery_audit (id, record_id, record_code, destination, outcome, failure_reason, attempted_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT DO NOTHING`,
		entry.ID,
		entry.RecordID,
		entry.RecordCode,
		entry.Destination,
		string(entry.Outcome),
		entry.FailureReason,
		entry.AttemptedAt,
	)
	if err != nil {
		return fmt.Errorf("insert delivery: %w", err)
	}
	return nil
}

// HasSuccessfulDelivery implements crawler.AuditStore.
func (s *Store) HasSuccessfulDelivery(ctx context.Context, recordID int64, destination string) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx, `
SELECT EXISTS (
	SELECT 1 FROM delivery_audit WHERE record_id = $1 AND destination = $2 AND outcome = 'SUCCESS'
)`, recordID, destination).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check delivery: %w", err)
	}
	return ok, nil
}

// SuccessfulDestinations implements crawler.AuditStore in one query.
func (s *Store) SuccessfulDestinations(
	ctx context.Context,
	recordID int64,
	destinations []string,
) (map[string]struct{}, error) {
	out := make(map[string]struct{}, len(destinations))
	if len(destinations) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx, `
SELECT DISTINCT destination FROM delivery_audit
WHERE record_id = $1 AND outcome = 'SUCCESS' AND destination = ANY($2)`, recordID, destinations)
	if err != nil {
		return nil, fmt.Errorf("query deliveries: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var dest string
		if err := rows.Scan(&dest); err != nil {
			return nil, fmt.Errorf("scan destination: %w", err)
		}
		out[dest] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deliveries: %w", err)
	}
	return out, nil
}

// PruneDeliveries implements crawler.AuditStore.
func (s *Store) PruneDeliveries(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM delivery_audit WHERE attempted_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("prune deliveries: %w", err)
	}
	return tag.RowsAffected(), nil
}
