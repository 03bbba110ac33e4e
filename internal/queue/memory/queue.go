// Package memory provides the bounded in-process job queue.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/catalog-relay/internal/crawler"
	"github.com/JakeFAU/catalog-relay/internal/metrics"
)

// Queue holds ad hoc jobs between the API and the worker pool. Enqueue blocks
// while the buffer is full; callers bound the wait with their context.
type Queue struct {
	items     chan crawler.QueueItem
	done      chan struct{}
	closeOnce sync.Once
}

// NewQueue constructs a queue holding at most capacity pending jobs.
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		items: make(chan crawler.QueueItem, capacity),
		done:  make(chan struct{}),
	}
}

// Enqueue adds a job. It fails with crawler.ErrQueueClosed after Close.
func (q *Queue) Enqueue(ctx context.Context, item crawler.QueueItem) error {
	select {
	case <-q.done:
		return crawler.ErrQueueClosed
	default:
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case <-q.done:
		return crawler.ErrQueueClosed
	case q.items <- item:
		metrics.SetQueueDepth(len(q.items))
		return nil
	}
}

// Dequeue pops the oldest job. Once the queue is closed, jobs still buffered are
// dropped and crawler.ErrQueueClosed is returned.
func (q *Queue) Dequeue(ctx context.Context) (crawler.QueueItem, error) {
	select {
	case <-q.done:
		return crawler.QueueItem{}, crawler.ErrQueueClosed
	default:
	}
	select {
	case <-ctx.Done():
		return crawler.QueueItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case <-q.done:
		return crawler.QueueItem{}, crawler.ErrQueueClosed
	case item := <-q.items:
		metrics.SetQueueDepth(len(q.items))
		return item, nil
	}
}

// Len reports the number of pending jobs.
func (q *Queue) Len() int {
	return len(q.items)
}

// Close stops the queue. It is safe to call more than once.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.done) })
}
