package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-relay/internal/crawler"
	"github.com/JakeFAU/catalog-relay/internal/metrics"
	"github.com/JakeFAU/catalog-relay/internal/push"
	"github.com/JakeFAU/catalog-relay/internal/telemetry"
)

// NewCrawler walks the newest-first listing.
type NewCrawler interface {
	CrawlNew(ctx context.Context, pages int) []crawler.Record
}

// Ingester stores new candidates.
type Ingester interface {
	Ingest(ctx context.Context, candidates []crawler.Record) (crawler.IngestResult, error)
}

// Distributor pushes undelivered records.
type Distributor interface {
	DistributeUndelivered(ctx context.Context) (push.Summary, error)
}

// RunResult summarizes one pipeline run.
type RunResult struct {
	Crawled  int                  `json:"crawled"`
	Ingest   crawler.IngestResult `json:"ingest"`
	Push     push.Summary         `json:"push"`
	Duration time.Duration        `json:"duration"`
}

// Pipeline chains crawl, ingest and push behind a Guard.
type Pipeline struct {
	crawl  NewCrawler
	ingest Ingester
	push   Distributor
	clock  crawler.Clock
	guard  *Guard
	logger *zap.Logger
}

// NewPipeline constructs a Pipeline.
func NewPipeline(crawl NewCrawler, ingest Ingester, pusher Distributor, clock crawler.Clock, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		crawl:  crawl,
		ingest: ingest,
		push:   pusher,
		clock:  clock,
		guard:  &Guard{},
		logger: logger.Named("pipeline"),
	}
}

// Run executes one guarded run over the given number of listing pages.
// An overlapping call returns ErrBusy immediately.
func (p *Pipeline) Run(ctx context.Context, pages int) (RunResult, error) {
	var res RunResult
	err := p.guard.TryRun(ctx, func(ctx context.Context) error {
		var err error
		res, err = p.run(ctx, pages)
		return err
	})
	if errors.Is(err, ErrBusy) {
		metrics.ObservePipelineRun("skipped", 0)
		p.logger.Info("previous run still in progress; skipping trigger")
	}
	return res, err
}

// Start claims the guard synchronously and runs in the background. It
// reports false when a run is already in progress.
func (p *Pipeline) Start(ctx context.Context, pages int) bool {
	release, ok := p.guard.TryAcquire()
	if !ok {
		metrics.ObservePipelineRun("skipped", 0)
		p.logger.Info("previous run still in progress; skipping trigger")
		return false
	}
	go func() {
		defer release()
		if _, err := p.run(ctx, pages); err != nil {
			p.logger.Warn("background run failed", zap.Error(err))
		}
	}()
	return true
}

// Running reports whether a run is in progress.
func (p *Pipeline) Running() bool {
	return p.guard.Running()
}

func (p *Pipeline) run(ctx context.Context, pages int) (RunResult, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "pipeline.run", trace.WithAttributes(attribute.Int("pages", pages)))
	defer span.End()

	started := p.clock.Now()
	var res RunResult
	finish := func(err error) (RunResult, error) {
		res.Duration = p.clock.Now().Sub(started)
		result := "ok"
		if err != nil {
			result = "failed"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(
			attribute.Int("crawled", res.Crawled),
			attribute.Int("new", res.Ingest.NewCount()),
			attribute.Int("sent", res.Push.Sent),
		)
		metrics.ObservePipelineRun(result, res.Duration)
		p.logger.Info("pipeline run finished",
			zap.String("result", result),
			zap.Int("crawled", res.Crawled),
			zap.Int("new", res.Ingest.NewCount()),
			zap.Int("sent", res.Push.Sent),
			zap.Int("failed_sends", res.Push.Failed),
			zap.Duration("duration", res.Duration),
		)
		return res, err
	}

	candidates := p.crawl.CrawlNew(ctx, pages)
	res.Crawled = len(candidates)

	// An ingest failure still sweeps: records stored by earlier runs may be waiting.
	var ingestErr error
	ingested, err := p.ingest.Ingest(ctx, candidates)
	res.Ingest = ingested
	if err != nil {
		ingestErr = fmt.Errorf("ingest: %w", err)
		p.logger.Warn("ingest failed, sweeping undelivered records anyway", zap.Error(err))
	}
	if err := ctx.Err(); err != nil {
		return finish(errors.Join(ingestErr, err))
	}

	sum, err := p.push.DistributeUndelivered(ctx)
	res.Push = sum
	if err != nil {
		return finish(errors.Join(ingestErr, fmt.Errorf("distribute: %w", err)))
	}
	return finish(ingestErr)
}
