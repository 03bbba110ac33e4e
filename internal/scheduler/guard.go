// Package scheduler runs the periodic crawl, ingest and push pipeline and
// the audit retention job.
package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
)

// ErrBusy is returned when a guarded run is already in progress.
var ErrBusy = errors.New("pipeline run already in progress")

// Guard admits one run at a time. Overlapping triggers are dropped, not queued.
type Guard struct {
	running atomic.Bool
}

// TryAcquire claims the guard. The returned release must be called exactly once.
func (g *Guard) TryAcquire() (func(), bool) {
	if !g.running.CompareAndSwap(false, true) {
		return nil, false
	}
	var once atomic.Bool
	return func() {
		if once.CompareAndSwap(false, true) {
			g.running.Store(false)
		}
	}, true
}

// TryRun invokes fn unless another run holds the guard, in which case it
// returns ErrBusy without calling fn.
func (g *Guard) TryRun(ctx context.Context, fn func(context.Context) error) error {
	release, ok := g.TryAcquire()
	if !ok {
		return ErrBusy
	}
	defer release()
	return fn(ctx)
}

// Running reports whether a run currently holds the guard.
func (g *Guard) Running() bool {
	return g.running.Load()
}
