// Package orchestrator drives paginated listing crawls over the catalog site.
package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-relay/internal/crawler"
	"github.com/JakeFAU/catalog-relay/internal/extract"
	"github.com/JakeFAU/catalog-relay/internal/hash/sha256"
)

// Session keeps the site's session tokens fresh.
type Session interface {
	EnsureValid(ctx context.Context) error
}

// Extractor turns fetched pages into records.
type Extractor interface {
	ExtractListing(ctx context.Context, page crawler.Page, firstPage bool) extract.Result
	ExtractDetail(page crawler.Page) (crawler.Record, error)
}

// Config controls pagination.
type Config struct {
	BaseURL string
	// PageSize is the assumed number of records per listing page.
	PageSize int
	// MaxPages caps unbounded crawls.
	MaxPages  int
	PageDelay time.Duration
	// SnapshotPrefix is the blob path prefix for pages that yielded nothing.
	SnapshotPrefix string
}

// Orchestrator runs the three listing crawls plus single-record lookups.
type Orchestrator struct {
	cfg       Config
	base      *url.URL
	fetcher   crawler.Fetcher
	session   Session
	extractor Extractor
	clock     crawler.Clock
	blobs     crawler.BlobStore
	hasher    crawler.Hasher
	logger    *zap.Logger
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithSnapshots writes the raw markup of zero-record pages to blobs.
func WithSnapshots(blobs crawler.BlobStore, hasher crawler.Hasher) Option {
	return func(o *Orchestrator) {
		o.blobs = blobs
		o.hasher = hasher
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// New constructs an Orchestrator.
func New(
	cfg Config,
	fetcher crawler.Fetcher,
	session Session,
	extractor Extractor,
	clock crawler.Clock,
	opts ...Option,
) (*Orchestrator, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("orchestrator: base url %q must be absolute", cfg.BaseURL)
	}
	if fetcher == nil || extractor == nil || clock == nil {
		return nil, errors.New("orchestrator: fetcher, extractor and clock are required")
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 12
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 10
	}
	o := &Orchestrator{
		cfg:       cfg,
		base:      base,
		fetcher:   fetcher,
		session:   session,
		extractor: extractor,
		clock:     clock,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.Named("crawl")
	return o, nil
}

// CrawlNew walks the newest-first listing for the given number of pages.
func (o *Orchestrator) CrawlNew(ctx context.Context, pages int) []crawler.Record {
	if pages <= 0 {
		pages = 1
	}
	return o.paginate(ctx, "new", o.base.JoinPath("new"), 0, pages)
}

// CrawlByAuthor walks an author's listing until limit records are collected.
// A non-positive limit crawls up to the configured page cap.
func (o *Orchestrator) CrawlByAuthor(ctx context.Context, name string, limit int) []crawler.Record {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil
	}
	return o.paginate(ctx, "author", o.segmentURL("actresses", name), limit, o.ceiling(limit))
}

// CrawlByKeyword walks the search results for query.
func (o *Orchestrator) CrawlByKeyword(ctx context.Context, query string, limit int) []crawler.Record {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil
	}
	return o.paginate(ctx, "keyword", o.segmentURL("search", query), limit, o.ceiling(limit))
}

// CrawlByCode fetches the detail page for code. The code argument fills in a
// code the page itself does not expose.
func (o *Orchestrator) CrawlByCode(ctx context.Context, code string) (crawler.Record, error) {
	code = crawler.NormalizeCode(code)
	if code == "" {
		return crawler.Record{}, errors.New("crawl by code: empty code")
	}
	o.ensureSession(ctx)
	rec, err := o.CrawlDetail(ctx, o.base.JoinPath(strings.ToLower(code)).String())
	if err != nil {
		return crawler.Record{}, err
	}
	if rec.Code == "" {
		rec.Code = code
	}
	return rec, nil
}

// CrawlDetail fetches and parses a single detail page.
func (o *Orchestrator) CrawlDetail(ctx context.Context, detailURL string) (crawler.Record, error) {
	page, err := o.fetcher.Fetch(ctx, detailURL)
	if err != nil {
		return crawler.Record{}, fmt.Errorf("fetch detail %s: %w", detailURL, err)
	}
	rec, err := o.extractor.ExtractDetail(page)
	if err != nil {
		return crawler.Record{}, fmt.Errorf("parse detail %s: %w", detailURL, err)
	}
	if rec.DetailURL == "" {
		rec.DetailURL = detailURL
	}
	return rec, nil
}

// ceiling is the page cap implied by limit: enough pages at PageSize plus one spare.
func (o *Orchestrator) ceiling(limit int) int {
	if limit <= 0 {
		return o.cfg.MaxPages
	}
	return (limit+o.cfg.PageSize-1)/o.cfg.PageSize + 1
}

func (o *Orchestrator) segmentURL(section, value string) *url.URL {
	u, err := url.Parse(o.base.JoinPath(section).String() + "/" + url.PathEscape(value))
	if err != nil {
		return o.base.JoinPath(section, value)
	}
	return u
}

func pageURL(first *url.URL, page int) string {
	if page <= 1 {
		return first.String()
	}
	u := *first
	q := u.Query()
	q.Set("page", strconv.Itoa(page))
	u.RawQuery = q.Encode()
	return u.String()
}

func (o *Orchestrator) ensureSession(ctx context.Context) {
	if o.session == nil {
		return
	}
	if err := o.session.EnsureValid(ctx); err != nil {
		o.logger.Warn("session warm-up incomplete", zap.Error(err))
	}
}

func (o *Orchestrator) paginate(ctx context.Context, mode string, first *url.URL, limit, maxPages int) []crawler.Record {
	logger := o.logger.With(zap.String("mode", mode), zap.String("start", first.String()))
	o.ensureSession(ctx)

	var records []crawler.Record
	for page := 1; page <= maxPages; page++ {
		if page > 1 {
			if err := o.clock.Sleep(ctx, o.cfg.PageDelay); err != nil {
				logger.Info("crawl canceled between pages", zap.Int("page", page))
				break
			}
		}

		target := pageURL(first, page)
		fetched, err := o.fetcher.Fetch(ctx, target)
		if err != nil {
			logger.Warn("page fetch failed; ending crawl", zap.Int("page", page), zap.Error(err))
			break
		}

		res := o.extractor.ExtractListing(ctx, fetched, page == 1)
		if len(res.Records) == 0 {
			logger.Info("page yielded no records; ending crawl", zap.Int("page", page), zap.String("url", target))
			o.snapshot(ctx, mode, fetched)
			break
		}
		records = append(records, res.Records...)
		logger.Info("page crawled",
			zap.Int("page", page),
			zap.String("strategy", res.Strategy),
			zap.Int("records", len(res.Records)),
			zap.Int("total", len(records)),
		)

		if limit > 0 && len(records) >= limit {
			records = records[:limit]
			logger.Info("limit reached", zap.Int("limit", limit))
			break
		}
	}
	logger.Info("crawl finished", zap.Int("records", len(records)))
	return records
}

func (o *Orchestrator) snapshot(ctx context.Context, mode string, page crawler.Page) {
	if o.blobs == nil || o.hasher == nil || len(page.Body) == 0 {
		return
	}
	digest, err := o.hasher.Hash(page.Body)
	if err != nil {
		o.logger.Warn("hash snapshot", zap.Error(err))
		return
	}
	path := sha256.SnapshotKey(o.cfg.SnapshotPrefix, mode, digest)
	uri, err := o.blobs.PutObject(ctx, path, "text/html; charset=utf-8", bytes.NewReader(page.Body))
	if err != nil {
		o.logger.Warn("write snapshot", zap.String("path", path), zap.Error(err))
		return
	}
	o.logger.Info("snapshot saved", zap.String("url", page.URL), zap.String("uri", uri))
}
