package dispatcher

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-relay/internal/crawler"
)

// DefaultEnqueueTimeout bounds how long Submit waits for room in the queue.
const DefaultEnqueueTimeout = 5 * time.Second

// Enqueuer accepts queue items.
type Enqueuer interface {
	Enqueue(ctx context.Context, item crawler.QueueItem) error
}

// Submitter records an ad hoc job and hands it to the worker pool. The API and
// the bot commands share it.
type Submitter struct {
	jobs    crawler.JobStore
	queue   Enqueuer
	ids     crawler.IDGenerator
	clock   crawler.Clock
	timeout time.Duration
	logger  *zap.Logger
}

// NewSubmitter creates a Submitter.
func NewSubmitter(
	jobs crawler.JobStore,
	queue Enqueuer,
	ids crawler.IDGenerator,
	clock crawler.Clock,
	logger *zap.Logger,
) *Submitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Submitter{
		jobs:    jobs,
		queue:   queue,
		ids:     ids,
		clock:   clock,
		timeout: DefaultEnqueueTimeout,
		logger:  logger.Named("submitter"),
	}
}

// Submit stores a queued job and enqueues it. A job the queue cannot take
// within the timeout is marked failed with "queue full".
func (s *Submitter) Submit(ctx context.Context, params crawler.JobParameters) (string, error) {
	jobID, err := s.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	now := s.clock.Now()
	job := crawler.Job{
		ID:         jobID,
		Status:     crawler.JobStatusQueued,
		Submitted:  now,
		Parameters: params,
	}
	if err := s.jobs.CreateJob(ctx, job); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}
	queueCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	item := crawler.QueueItem{
		JobID:     jobID,
		Params:    params,
		Attempt:   1,
		Submitted: now.Unix(),
	}
	if err := s.queue.Enqueue(queueCtx, item); err != nil {
		if updErr := s.jobs.UpdateJobStatus(
			context.WithoutCancel(ctx),
			jobID,
			crawler.JobStatusFailed,
			"queue full",
			crawler.JobCounters{},
		); updErr != nil {
			s.logger.Error("mark unqueued job failed", zap.String("job_id", jobID), zap.Error(updErr))
		}
		return "", fmt.Errorf("enqueue job: %w", err)
	}
	s.logger.Info("job queued",
		zap.String("job_id", jobID),
		zap.String("kind", string(params.Kind)),
		zap.String("value", params.Value),
		zap.String("destination", params.Destination),
	)
	return jobID, nil
}

// Job returns the stored job.
func (s *Submitter) Job(ctx context.Context, jobID string) (crawler.Job, error) {
	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return crawler.Job{}, fmt.Errorf("get job %s: %w", jobID, err)
	}
	return job, nil
}
