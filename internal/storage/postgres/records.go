package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/catalog-relay/internal/crawler"
)

const recordColumns = `id, code, title, authors, tags, duration_minutes, cover_url, preview_url, detail_url, delivered, created_at`

const insertRecordSQL = `
INSERT INTO records (
	code, title, authors, tags, duration_minutes, cover_url, preview_url, detail_url, delivered, created_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,FALSE,$9
)
ON CONFLICT (code) DO NOTHING
RETURNING id`

// InsertNew implements crawler.RecordStore. The batch runs in one transaction;
// codes already present are skipped by the unique constraint.
func (s *Store) InsertNew(ctx context.Context, records []crawler.Record) ([]crawler.Record, error) {
	if len(records) == 0 {
		return nil, nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin insert: %w", err)
	}
	inserted, err := s.insertRecords(ctx, tx, records)
	if err != nil {
		_ = tx.Rollback(ctx)
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit insert: %w", err)
	}
	return inserted, nil
}

func (s *Store) insertRecords(ctx context.Context, tx pgx.Tx, records []crawler.Record) ([]crawler.Record, error) {
	inserted := make([]crawler.Record, 0, len(records))
	for _, rec := range records {
		rec.Code = crawler.NormalizeCode(rec.Code)
		if rec.Code == "" {
			return nil, errors.New("insert record: empty code")
		}
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = s.now()
		}
		rec.Delivered = false
		err := tx.QueryRow(ctx, insertRecordSQL,
			rec.Code,
			rec.Title,
			rec.Authors,
			rec.Tags,
			rec.DurationMinutes,
			rec.CoverURL,
			rec.PreviewURL,
			rec.DetailURL,
			rec.CreatedAt,
		).Scan(&rec.ID)
		if errors.Is(err, pgx.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("insert record %s: %w", rec.Code, err)
		}
		inserted = append(inserted, rec)
	}
	return inserted, nil
}

// ExistsByCode implements crawler.RecordStore.
func (s *Store) ExistsByCode(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM records WHERE code = $1)`,
		crawler.NormalizeCode(code)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check code: %w", err)
	}
	return exists, nil
}

// ExistingCodes implements crawler.RecordStore with a single ANY query.
func (s *Store) ExistingCodes(ctx context.Context, codes []string) (map[string]struct{}, error) {
	out := make(map[string]struct{}, len(codes))
	if len(codes) == 0 {
		return out, nil
	}
	normalized := make([]string, len(codes))
	for i, c := range codes {
		normalized[i] = crawler.NormalizeCode(c)
	}
	rows, err := s.pool.Query(ctx, `SELECT code FROM records WHERE code = ANY($1)`, normalized)
	if err != nil {
		return nil, fmt.Errorf("query existing codes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, fmt.Errorf("scan code: %w", err)
		}
		out[code] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate codes: %w", err)
	}
	return out, nil
}

// ListUndelivered implements crawler.RecordStore, oldest first.
func (s *Store) ListUndelivered(ctx context.Context) ([]crawler.Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+recordColumns+` FROM records WHERE NOT delivered ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("query undelivered: %w", err)
	}
	defer rows.Close()
	var out []crawler.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate undelivered: %w", err)
	}
	return out, nil
}

// GetByCode implements crawler.RecordStore.
func (s *Store) GetByCode(ctx context.Context, code string) (crawler.Record, error) {
	code = crawler.NormalizeCode(code)
	rec, err := scanRecord(s.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM records WHERE code = $1`, code))
	if err != nil {
		return crawler.Record{}, notFound(err, "record "+code)
	}
	return rec, nil
}

// GetByID implements crawler.RecordStore.
func (s *Store) GetByID(ctx context.Context, id int64) (crawler.Record, error) {
	rec, err := scanRecord(s.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM records WHERE id = $1`, id))
	if err != nil {
		return crawler.Record{}, notFound(err, fmt.Sprintf("record %d", id))
	}
	return rec, nil
}

// MarkDelivered implements crawler.RecordStore.
func (s *Store) MarkDelivered(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `UPDATE records SET delivered = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("record %d: %w", id, crawler.ErrNotFound)
	}
	return nil
}

func scanRecord(row pgx.Row) (crawler.Record, error) {
	var rec crawler.Record
	err := row.Scan(
		&rec.ID,
		&rec.Code,
		&rec.Title,
		&rec.Authors,
		&rec.Tags,
		&rec.DurationMinutes,
		&rec.CoverURL,
		&rec.PreviewURL,
		&rec.DetailURL,
		&rec.Delivered,
		&rec.CreatedAt,
	)
	if err != nil {
		return crawler.Record{}, err
	}
	return rec, nil
}
