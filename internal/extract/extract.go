// Package extract turns fetched pages into catalog records.
//
// Listing pages go through an ordered cascade of strategies; the first one that
// yields records wins. A headless render strategy can be attached as a last
// resort for the first page of a crawl.
package extract

import (
	"context"
	"fmt"
	"net/url"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-relay/internal/crawler"
	"github.com/JakeFAU/catalog-relay/internal/metrics"
)

// Strategy extracts records from a listing page. Implementations never fail;
// a miss is an empty slice.
type Strategy interface {
	Name() string
	Extract(ctx context.Context, page crawler.Page) []crawler.Record
}

// Config controls extraction.
type Config struct {
	// BaseURL is the site origin used for detail links and relative URL resolution.
	BaseURL string
	// AllowPathCodes lets the last URL path segment stand in for a missing code.
	AllowPathCodes bool
	// CardSelectors are tried in order; nil uses DefaultCardSelectors.
	CardSelectors []string
	// RenderContainer is the card selector used on headless-rendered markup.
	RenderContainer string
}

// DefaultCardSelectors lists card container selectors from most to least specific.
// The last group is matched against anchors whose href carries a code.
var DefaultCardSelectors = []string{
	"div.video-card, article.video, div[class*=thumbnail]",
	"div.group",
	"a[href]",
}

// Result is the outcome of a listing extraction.
type Result struct {
	Records   []crawler.Record
	Strategy  string
	Diagnosis *Diagnosis
}

// Engine runs the strategy cascade.
type Engine struct {
	cfg        Config
	base       *url.URL
	strategies []Strategy
	fallback   Strategy
	logger     *zap.Logger
}

// NewEngine builds the structured-data then DOM-heuristic cascade. When renderer
// is non-nil it is used for the first-page headless fallback.
func NewEngine(cfg Config, renderer crawler.Renderer, logger *zap.Logger) (*Engine, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("extract: base url %q must be absolute", cfg.BaseURL)
	}
	if len(cfg.CardSelectors) == 0 {
		cfg.CardSelectors = DefaultCardSelectors
	}
	if cfg.RenderContainer == "" {
		cfg.RenderContainer = "div.group"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("extract")

	e := &Engine{
		cfg:    cfg,
		base:   base,
		logger: logger,
		strategies: []Strategy{
			&ScriptStrategy{base: base, allowPath: cfg.AllowPathCodes, logger: logger},
			&CardStrategy{base: base, selectors: cfg.CardSelectors, allowPath: cfg.AllowPathCodes, logger: logger},
		},
	}
	if renderer != nil {
		e.fallback = &RenderStrategy{
			renderer:  renderer,
			container: cfg.RenderContainer,
			allowPath: cfg.AllowPathCodes,
			logger:    logger,
		}
	}
	return e, nil
}

// ExtractListing runs the cascade over a listing page. The headless fallback
// only runs when firstPage is set and every cheap strategy missed.
func (e *Engine) ExtractListing(ctx context.Context, page crawler.Page, firstPage bool) Result {
	for _, s := range e.strategies {
		if records := s.Extract(ctx, page); len(records) > 0 {
			e.logger.Debug("listing extracted", zap.String("strategy", s.Name()),
				zap.String("url", page.URL), zap.Int("records", len(records)))
			metrics.ObserveExtraction(s.Name())
			return Result{Records: records, Strategy: s.Name()}
		}
	}

	diag := Diagnose(page.Body)
	e.logger.Warn("no records from static markup", zap.String("url", page.URL), zap.Object("diagnosis", diag))

	if firstPage && e.fallback != nil && ctx.Err() == nil {
		if records := e.fallback.Extract(ctx, page); len(records) > 0 {
			metrics.ObserveExtraction(e.fallback.Name())
			return Result{Records: records, Strategy: e.fallback.Name(), Diagnosis: &diag}
		}
	}
	metrics.ObserveExtraction("")
	return Result{Diagnosis: &diag}
}

// Strategies returns the cheap strategies in cascade order.
func (e *Engine) Strategies() []Strategy {
	return append([]Strategy(nil), e.strategies...)
}

// BaseURL returns the parsed site origin.
func (e *Engine) BaseURL() *url.URL {
	u := *e.base
	return &u
}
