// Package ingest classifies crawled candidates and persists the new ones.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-relay/internal/crawler"
	"github.com/JakeFAU/catalog-relay/internal/metrics"
)

// DetailFetcher loads detail pages for enrichment and single-code lookups.
type DetailFetcher interface {
	CrawlDetail(ctx context.Context, detailURL string) (crawler.Record, error)
	CrawlByCode(ctx context.Context, code string) (crawler.Record, error)
}

// Config controls ingestion.
type Config struct {
	// EnrichPause separates consecutive detail fetches.
	EnrichPause time.Duration
	// EventTopic receives one event per newly stored record. Empty disables events.
	EventTopic string
}

// Service dedups candidates against the record store.
type Service struct {
	cfg       Config
	records   crawler.RecordStore
	details   DetailFetcher
	clock     crawler.Clock
	publisher crawler.Publisher
	logger    *zap.Logger
}

// Option customizes a Service.
type Option func(*Service)

// WithPublisher emits record events through p.
func WithPublisher(p crawler.Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// New constructs a Service. details may be nil, which disables enrichment.
func New(cfg Config, records crawler.RecordStore, details DetailFetcher, clock crawler.Clock, opts ...Option) *Service {
	s := &Service{
		cfg:     cfg,
		records: records,
		details: details,
		clock:   clock,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("ingest")
	return s
}

// Ingest partitions candidates into invalid, duplicate and new, enriches the
// new ones and stores them undelivered. Total always equals New+Duplicates+Invalid.
func (s *Service) Ingest(ctx context.Context, candidates []crawler.Record) (crawler.IngestResult, error) {
	res := crawler.IngestResult{Total: len(candidates)}

	batch := make(map[string]struct{}, len(candidates))
	valid := make([]crawler.Record, 0, len(candidates))
	for _, rec := range candidates {
		rec.Code = crawler.NormalizeCode(rec.Code)
		if !rec.Valid() {
			res.Invalid++
			s.logger.Debug("dropping candidate without code", zap.String("title", rec.Title))
			continue
		}
		if _, dup := batch[rec.Code]; dup {
			res.Duplicates++
			continue
		}
		batch[rec.Code] = struct{}{}
		valid = append(valid, rec)
	}
	if len(valid) == 0 {
		s.finish(res)
		return res, nil
	}

	codes := make([]string, len(valid))
	for i, rec := range valid {
		codes[i] = rec.Code
	}
	existing, err := s.records.ExistingCodes(ctx, codes)
	if err != nil {
		return res, fmt.Errorf("check existing codes: %w", err)
	}
	fresh := make([]crawler.Record, 0, len(valid))
	for _, rec := range valid {
		if _, known := existing[rec.Code]; known {
			res.Duplicates++
			continue
		}
		rec.Delivered = false
		fresh = append(fresh, rec)
	}
	if len(fresh) == 0 {
		s.finish(res)
		return res, nil
	}

	s.enrich(ctx, fresh)

	// Records gathered so far are kept even when the caller gave up during enrichment.
	persistCtx := context.WithoutCancel(ctx)
	inserted, err := s.records.InsertNew(persistCtx, fresh)
	if err != nil {
		return res, fmt.Errorf("insert records: %w", err)
	}
	if lost := len(fresh) - len(inserted); lost > 0 {
		s.logger.Info("codes inserted concurrently by another run", zap.Int("count", lost))
		res.Duplicates += lost
	}
	res.New = inserted
	s.publish(persistCtx, inserted)
	s.finish(res)
	return res, nil
}

// IngestCode resolves one code, crawling and storing it when unknown. The
// bool result reports whether the record was newly stored.
func (s *Service) IngestCode(ctx context.Context, code string) (crawler.Record, bool, error) {
	code = crawler.NormalizeCode(code)
	if code == "" {
		return crawler.Record{}, false, errors.New("ingest code: empty code")
	}
	known, err := s.records.GetByCode(ctx, code)
	switch {
	case err == nil:
		return known, false, nil
	case !errors.Is(err, crawler.ErrNotFound):
		return crawler.Record{}, false, fmt.Errorf("look up %s: %w", code, err)
	}
	if s.details == nil {
		return crawler.Record{}, false, fmt.Errorf("record %s: %w", code, crawler.ErrNotFound)
	}

	rec, err := s.details.CrawlByCode(ctx, code)
	if err != nil {
		return crawler.Record{}, false, fmt.Errorf("crawl %s: %w", code, err)
	}
	// The detail page's own code wins; the requested one only fills a gap.
	rec.Code = crawler.NormalizeCode(rec.Code)
	if rec.Code == "" {
		rec.Code = code
	}
	inserted, err := s.records.InsertNew(context.WithoutCancel(ctx), []crawler.Record{rec})
	if err != nil {
		return crawler.Record{}, false, fmt.Errorf("insert %s: %w", rec.Code, err)
	}
	if len(inserted) == 0 {
		stored, err := s.records.GetByCode(ctx, rec.Code)
		return stored, false, err
	}
	s.publish(ctx, inserted)
	metrics.ObserveIngest(1, 0, 0)
	s.logger.Info("record stored",
		zap.String("requested", code),
		zap.String("code", rec.Code),
		zap.String("title", rec.Title),
	)
	return inserted[0], true, nil
}

// enrich fills authors and previews from detail pages. The first failure or
// cancellation stops enrichment for the rest of the batch.
func (s *Service) enrich(ctx context.Context, fresh []crawler.Record) {
	if s.details == nil {
		return
	}
	fetched := 0
	for i := range fresh {
		if !fresh[i].NeedsEnrichment() {
			continue
		}
		if fetched > 0 {
			if err := s.clock.Sleep(ctx, s.cfg.EnrichPause); err != nil {
				s.logger.Info("enrichment canceled", zap.Int("enriched", fetched))
				return
			}
		}
		detail, err := s.details.CrawlDetail(ctx, fresh[i].DetailURL)
		fetched++
		if err != nil {
			s.logger.Warn("enrichment failed; storing remaining records as-is",
				zap.String("code", fresh[i].Code), zap.Error(err))
			return
		}
		fresh[i].MergeMissing(detail)
	}
}

func (s *Service) publish(ctx context.Context, records []crawler.Record) {
	if s.publisher == nil || s.cfg.EventTopic == "" {
		return
	}
	for _, rec := range records {
		payload := map[string]any{
			"id":         rec.ID,
			"code":       rec.Code,
			"title":      rec.Title,
			"authors":    rec.AuthorList(),
			"tags":       rec.TagList(),
			"detail_url": rec.DetailURL,
			"created_at": rec.CreatedAt.Format(time.RFC3339),
		}
		if _, err := s.publisher.Publish(ctx, s.cfg.EventTopic, payload); err != nil {
			s.logger.Warn("publish record event", zap.String("code", rec.Code), zap.Error(err))
		}
	}
}

func (s *Service) finish(res crawler.IngestResult) {
	metrics.ObserveIngest(res.NewCount(), res.Duplicates, res.Invalid)
	s.logger.Info("ingest finished",
		zap.Int("total", res.Total),
		zap.Int("new", res.NewCount()),
		zap.Int("duplicates", res.Duplicates),
		zap.Int("invalid", res.Invalid),
	)
}
