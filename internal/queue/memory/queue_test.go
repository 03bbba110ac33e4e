package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/JakeFAU/catalog-relay/internal/crawler"
)

func TestQueueEnqueueDequeue(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	result := make(chan crawler.QueueItem, 1)
	errCh := make(chan error, 1)

	go func() {
		item, err := q.Dequeue(context.Background())
		if err != nil {
			errCh <- err
			return
		}
		result <- item
	}()

	time.Sleep(10 * time.Millisecond) // allow goroutine to start
	job := crawler.QueueItem{JobID: "job-1"}
	if err := q.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	select {
	case err := <-errCh:
		t.Fatalf("Dequeue() error = %v", err)
	case got := <-result:
		if got.JobID != "job-1" {
			t.Fatalf("expected job-1, got %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("dequeue did not return job")
	}
}

func TestQueueCancelationErrors(t *testing.T) {
	t.Parallel()

	qDequeue := NewQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := qDequeue.Dequeue(ctx); err == nil ||
		err.Error() != "dequeue canceled: context canceled" {
		t.Fatalf("expected dequeue cancel error, got %v", err)
	}

	qEnqueue := NewQueue(1)
	if err := qEnqueue.Enqueue(context.Background(), crawler.QueueItem{JobID: "primed"}); err != nil {
		t.Fatalf("failed to prime enqueue queue: %v", err)
	}
	ctx, cancel = context.WithCancel(context.Background())
	cancel()
	if err := qEnqueue.Enqueue(ctx, crawler.QueueItem{}); err == nil ||
		err.Error() != "enqueue canceled: context canceled" {
		t.Fatalf("expected enqueue cancel error, got %v", err)
	}
}

func TestQueueClose(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	q.Close()
	if _, err := q.Dequeue(context.Background()); err == nil || err.Error() != "queue closed" {
		t.Fatalf("expected queue closed error, got %v", err)
	}
	// Closing twice should be safe.
	q.Close()
}

func TestQueueKeepsSubmissionOrder(t *testing.T) {
	t.Parallel()

	q := NewQueue(3)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		if err := q.Enqueue(ctx, crawler.QueueItem{JobID: id}); err != nil {
			t.Fatalf("Enqueue(%s) error = %v", id, err)
		}
	}
	for _, want := range []string{"a", "b", "c"} {
		got, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("Dequeue() error = %v", err)
		}
		if got.JobID != want {
			t.Fatalf("expected %s, got %s", want, got.JobID)
		}
	}
}

func TestQueueRejectsAfterClose(t *testing.T) {
	t.Parallel()

	q := NewQueue(2)
	if err := q.Enqueue(context.Background(), crawler.QueueItem{JobID: "pending"}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if q.Len() != 1 {
		t.Fatalf("expected one pending job, got %d", q.Len())
	}
	q.Close()
	if err := q.Enqueue(context.Background(), crawler.QueueItem{JobID: "late"}); !errors.Is(err, crawler.ErrQueueClosed) {
		t.Fatalf("expected ErrQueueClosed, got %v", err)
	}
	if _, err := q.Dequeue(context.Background()); !errors.Is(err, crawler.ErrQueueClosed) {
		t.Fatalf("expected ErrQueueClosed from Dequeue, got %v", err)
	}
}

func TestNewQueueClampsCapacity(t *testing.T) {
	t.Parallel()

	q := NewQueue(0)
	if err := q.Enqueue(context.Background(), crawler.QueueItem{JobID: "only"}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := q.Enqueue(ctx, crawler.QueueItem{JobID: "overflow"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected full queue to time out, got %v", err)
	}
}
