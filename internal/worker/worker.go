// Package worker implements the ad hoc job execution loop.
package worker

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-relay/internal/crawler"
	"github.com/JakeFAU/catalog-relay/internal/metrics"
	"github.com/JakeFAU/catalog-relay/internal/telemetry"
)

// Crawler runs the listing crawls an ad hoc job can request.
type Crawler interface {
	CrawlNew(ctx context.Context, pages int) []crawler.Record
	CrawlByAuthor(ctx context.Context, name string, limit int) []crawler.Record
	CrawlByKeyword(ctx context.Context, query string, limit int) []crawler.Record
}

// Ingester persists crawled candidates.
type Ingester interface {
	Ingest(ctx context.Context, candidates []crawler.Record) (crawler.IngestResult, error)
	IngestCode(ctx context.Context, code string) (crawler.Record, bool, error)
}

// Sender delivers one record to one destination.
type Sender interface {
	SendTo(ctx context.Context, destination string, rec crawler.Record) (bool, error)
}

// Config controls Worker behavior.
type Config struct {
	DefaultLimit int
	DefaultPages int
}

// Worker consumes queue items and executes the requested crawl.
type Worker struct {
	queue    crawler.Queue
	jobStore crawler.JobStore
	crawl    Crawler
	ingest   Ingester
	sender   Sender
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Worker. sender may be nil when jobs never carry a
// destination.
func New(
	queue crawler.Queue,
	jobStore crawler.JobStore,
	crawl Crawler,
	ingest Ingester,
	sender Sender,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = 20
	}
	if cfg.DefaultPages <= 0 {
		cfg.DefaultPages = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:    queue,
		jobStore: jobStore,
		crawl:    crawl,
		ingest:   ingest,
		sender:   sender,
		cfg:      cfg,
		logger:   logger.Named("worker"),
	}
}

// Run blocks, consuming queue items until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, crawler.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued job", zap.String("job_id", item.JobID))
		w.processJob(ctx, item)
	}
}

func (w *Worker) processJob(ctx context.Context, item crawler.QueueItem) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()
	ctx, span := telemetry.Tracer().Start(ctx, "job.process", trace.WithAttributes(
		attribute.String("job_id", item.JobID),
		attribute.String("kind", string(item.Params.Kind)),
	))
	defer span.End()

	logger := w.logger.With(zap.String("job_id", item.JobID), zap.String("kind", string(item.Params.Kind)))
	if err := w.jobStore.UpdateJobStatus(ctx, item.JobID, crawler.JobStatusRunning, "", crawler.JobCounters{}); err != nil {
		logger.Error("update job status failed", zap.Error(err))
		return
	}

	counters, err := w.execute(ctx, item.Params)
	status, errText := deriveFinalStatus(ctx, err)
	if err != nil {
		span.RecordError(err)
		logger.Warn("job finished with error", zap.String("status", string(status)), zap.Error(err))
	} else {
		logger.Info("job finished",
			zap.Int("total", counters.Total),
			zap.Int("new", counters.New),
			zap.Int("sent", counters.Sent),
		)
	}

	// The terminal status is written even when the job context has ended.
	persistCtx := context.WithoutCancel(ctx)
	if err := w.jobStore.UpdateJobStatus(persistCtx, item.JobID, status, errText, counters); err != nil {
		logger.Error("final job status update failed", zap.Error(err))
	}
	metrics.ObserveJob(string(status))
}

func (w *Worker) execute(ctx context.Context, params crawler.JobParameters) (crawler.JobCounters, error) {
	var counters crawler.JobCounters
	limit := params.Limit
	if limit <= 0 {
		limit = w.cfg.DefaultLimit
	}

	if params.Kind == crawler.JobKindCode {
		rec, created, err := w.ingest.IngestCode(ctx, params.Value)
		if err != nil {
			return counters, err
		}
		counters.Total = 1
		if created {
			counters.New = 1
		} else {
			counters.Duplicates = 1
		}
		// A code lookup delivers the record even when it was already known.
		err = w.deliver(ctx, params.Destination, []crawler.Record{rec}, &counters)
		return counters, err
	}

	var candidates []crawler.Record
	switch params.Kind {
	case crawler.JobKindLatest:
		pages := params.Pages
		if pages <= 0 {
			pages = w.cfg.DefaultPages
		}
		candidates = w.crawl.CrawlNew(ctx, pages)
	case crawler.JobKindAuthor:
		candidates = w.crawl.CrawlByAuthor(ctx, params.Value, limit)
	case crawler.JobKindKeyword:
		candidates = w.crawl.CrawlByKeyword(ctx, params.Value, limit)
	default:
		return counters, fmt.Errorf("unsupported job kind %q", params.Kind)
	}
	if err := ctx.Err(); err != nil {
		return counters, err
	}

	res, err := w.ingest.Ingest(ctx, candidates)
	counters.Total = res.Total
	counters.Duplicates = res.Duplicates
	counters.Invalid = res.Invalid
	if err != nil {
		return counters, err
	}
	fresh := res.New
	if params.Kind != crawler.JobKindLatest && len(fresh) > limit {
		fresh = fresh[:limit]
	}
	counters.New = len(res.New)
	err = w.deliver(ctx, params.Destination, fresh, &counters)
	return counters, err
}

// deliver sends records to an explicit destination. Individual send failures
// are joined into the returned error; the remaining records are still sent.
func (w *Worker) deliver(
	ctx context.Context,
	destination string,
	records []crawler.Record,
	counters *crawler.JobCounters,
) error {
	if destination == "" || len(records) == 0 {
		return nil
	}
	if w.sender == nil {
		return errors.New("no sender configured for destination jobs")
	}
	var errs []error
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return errors.Join(append(errs, err)...)
		}
		sent, err := w.sender.SendTo(ctx, destination, rec)
		if err != nil {
			errs = append(errs, fmt.Errorf("send %s: %w", rec.Code, err))
			continue
		}
		if sent {
			counters.Sent++
		}
	}
	return errors.Join(errs...)
}

func deriveFinalStatus(ctx context.Context, err error) (crawler.JobStatus, string) {
	switch {
	case err == nil:
		return crawler.JobStatusSucceeded, ""
	case ctx.Err() != nil || errors.Is(err, context.Canceled):
		return crawler.JobStatusCanceled, err.Error()
	default:
		return crawler.JobStatusFailed, err.Error()
	}
}
