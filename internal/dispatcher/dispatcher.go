// Package dispatcher fans ad hoc jobs out to the worker pool.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/catalog-relay/internal/crawler"
	"github.com/JakeFAU/catalog-relay/internal/worker"
)

// Dispatcher owns the worker pool and is the API's entry point for submitting
// jobs.
type Dispatcher struct {
	queue   crawler.Queue
	workers []*worker.Worker
}

// New creates a Dispatcher over queue.
func New(queue crawler.Queue, workers []*worker.Worker) *Dispatcher {
	return &Dispatcher{
		queue:   queue,
		workers: workers,
	}
}

// Size returns the number of workers in the pool.
func (d *Dispatcher) Size() int {
	return len(d.workers)
}

// Run starts every worker and blocks until ctx is done and all of them have
// returned from their current job.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Go(func() { w.Run(ctx) })
	}
	<-ctx.Done()
	wg.Wait()
}

// Enqueue submits a job. Items without a job ID are rejected; a zero attempt
// is counted as the first.
func (d *Dispatcher) Enqueue(ctx context.Context, item crawler.QueueItem) error {
	if item.JobID == "" {
		return errors.New("queue enqueue: job id is required")
	}
	if item.Attempt < 1 {
		item.Attempt = 1
	}
	if err := d.queue.Enqueue(ctx, item); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}
