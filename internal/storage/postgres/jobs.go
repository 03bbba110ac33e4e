package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/JakeFAU/catalog-relay/internal/crawler"
)

// CreateJob implements crawler.JobStore.
func (s *Store) CreateJob(ctx context.Context, job crawler.Job) error {
	if job.ID == "" {
		return errors.New("job id is required")
	}
	params, err := json.Marshal(job.Parameters)
	if err != nil {
		return fmt.Errorf("marshal job parameters: %w", err)
	}
	counters, err := json.Marshal(job.Counters)
	if err != nil {
		return fmt.Errorf("marshal job counters: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO jobs (id, status, submitted_at, error_text, parameters, counters)
VALUES ($1,$2,$3,$4,$5,$6)`,
		job.ID, string(job.Status), job.Submitted, job.ErrorText, params, counters)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// UpdateJobStatus implements crawler.JobStore. started_at is set on the first
// transition to running; finished_at on any terminal status.
func (s *Store) UpdateJobStatus(
	ctx context.Context,
	jobID string,
	status crawler.JobStatus,
	errText string,
	counters crawler.JobCounters,
) error {
	payload, err := json.Marshal(counters)
	if err != nil {
		return fmt.Errorf("marshal job counters: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
UPDATE jobs SET
	status = $2,
	error_text = $3,
	counters = $4,
	started_at = CASE WHEN $2 = 'running' AND started_at IS NULL THEN $5 ELSE started_at END,
	finished_at = CASE WHEN $2 IN ('succeeded', 'failed', 'canceled') THEN $5 ELSE finished_at END
WHERE id = $1`,
		jobID, string(status), errText, payload, s.now())
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", jobID, crawler.ErrNotFound)
	}
	return nil
}

// GetJob implements crawler.JobStore.
func (s *Store) GetJob(ctx context.Context, jobID string) (crawler.Job, error) {
	var (
		job      crawler.Job
		status   string
		params   []byte
		counters []byte
	)
	err := s.pool.QueryRow(ctx, `
SELECT id, status, submitted_at, started_at, finished_at, error_text, parameters, counters
FROM jobs WHERE id = $1`, jobID).Scan(
		&job.ID,
		&status,
		&job.Submitted,
		&job.Started,
		&job.Finished,
		&job.ErrorText,
		&params,
		&counters,
	)
	if err != nil {
		return crawler.Job{}, notFound(err, "job "+jobID)
	}
	job.Status = crawler.JobStatus(status)
	if err := json.Unmarshal(params, &job.Parameters); err != nil {
		return crawler.Job{}, fmt.Errorf("decode job parameters: %w", err)
	}
	if len(counters) > 0 {
		if err := json.Unmarshal(counters, &job.Counters); err != nil {
			return crawler.Job{}, fmt.Errorf("decode job counters: %w", err)
		}
	}
	return job, nil
}
