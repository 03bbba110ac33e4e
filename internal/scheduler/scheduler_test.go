package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalog-relay/internal/crawler"
	"github.com/JakeFAU/catalog-relay/internal/push"
	"github.com/JakeFAU/catalog-relay/internal/storage/memory"
	"github.com/JakeFAU/catalog-relay/internal/subscription"
)

type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	slept []time.Duration
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.slept = append(c.slept, d)
	c.mu.Unlock()
	return ctx.Err()
}

type fakeCrawl struct {
	mu    sync.Mutex
	pages []int
	out   []crawler.Record
	block chan struct{}
}

func (f *fakeCrawl) CrawlNew(_ context.Context, pages int) []crawler.Record {
	f.mu.Lock()
	f.pages = append(f.pages, pages)
	block := f.block
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	return f.out
}

func (f *fakeCrawl) calls() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.pages...)
}

type fakeIngest struct {
	err error
}

func (f *fakeIngest) Ingest(_ context.Context, candidates []crawler.Record) (crawler.IngestResult, error) {
	return crawler.IngestResult{Total: len(candidates), New: candidates}, f.err
}

type fakePush struct {
	calls atomic.Int32
}

func (f *fakePush) DistributeUndelivered(context.Context) (push.Summary, error) {
	f.calls.Add(1)
	return push.Summary{Records: 1, Sent: 2}, nil
}

func TestGuardAdmitsOneRun(t *testing.T) {
	t.Parallel()

	var g Guard
	entered := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_ = g.TryRun(context.Background(), func(context.Context) error {
			close(entered)
			<-done
			return nil
		})
	}()
	<-entered

	called := false
	err := g.TryRun(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, ErrBusy)
	require.False(t, called)
	require.True(t, g.Running())

	close(done)
	require.Eventually(t, func() bool { return !g.Running() }, time.Second, time.Millisecond)
	require.NoError(t, g.TryRun(context.Background(), func(context.Context) error { return nil }))
}

func TestGuardReleaseIsIdempotent(t *testing.T) {
	t.Parallel()

	var g Guard
	release, ok := g.TryAcquire()
	require.True(t, ok)
	release()
	second, ok := g.TryAcquire()
	require.True(t, ok)
	release()
	require.True(t, g.Running(), "stale release must not free a newer holder")
	second()
	require.False(t, g.Running())
}

func TestPipelineRunChainsStages(t *testing.T) {
	t.Parallel()

	crawl := &fakeCrawl{out: []crawler.Record{{Code: "A-1"}, {Code: "B-2"}}}
	pusher := &fakePush{}
	p := NewPipeline(crawl, &fakeIngest{}, pusher, &fakeClock{}, nil)

	res, err := p.Run(context.Background(), 2)
	require.NoError(t, err)
	require.Equal(t, 2, res.Crawled)
	require.Equal(t, 2, res.Ingest.NewCount())
	require.Equal(t, 2, res.Push.Sent)
	require.Equal(t, []int{2}, crawl.calls())
	require.EqualValues(t, 1, pusher.calls.Load())
}

func TestPipelineIngestFailureStillSweeps(t *testing.T) {
	t.Parallel()

	pusher := &fakePush{}
	p := NewPipeline(&fakeCrawl{}, &fakeIngest{err: errors.New("db down")}, pusher, &fakeClock{}, nil)
	res, err := p.Run(context.Background(), 1)
	require.ErrorContains(t, err, "db down")
	require.EqualValues(t, 1, pusher.calls.Load())
	require.Equal(t, 2, res.Push.Sent)
}

func TestPipelineSkipsOverlappingTriggers(t *testing.T) {
	t.Parallel()

	crawl := &fakeCrawl{block: make(chan struct{})}
	p := NewPipeline(crawl, &fakeIngest{}, &fakePush{}, &fakeClock{}, nil)

	require.True(t, p.Start(context.Background(), 1))
	require.Eventually(t, func() bool { return len(crawl.calls()) == 1 }, time.Second, time.Millisecond)
	require.False(t, p.Start(context.Background(), 1))
	_, err := p.Run(context.Background(), 1)
	require.ErrorIs(t, err, ErrBusy)

	close(crawl.block)
	require.Eventually(t, func() bool { return !p.Running() }, time.Second, time.Millisecond)
	require.Equal(t, []int{1}, crawl.calls())
}

type fakeRunner struct {
	mu    sync.Mutex
	pages []int
}

func (r *fakeRunner) Run(_ context.Context, pages int) (RunResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pages = append(r.pages, pages)
	return RunResult{}, nil
}

func (r *fakeRunner) calls() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.pages...)
}

func TestSchedulerRunsInitialThenSweeps(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{}
	clock := &fakeClock{}
	s, err := New(Config{
		Enabled:      true,
		StartupDelay: 5 * time.Second,
		Interval:     15 * time.Minute,
		InitialPages: 2,
		SweepPages:   1,
	}, runner, nil, nil, clock, nil)
	require.NoError(t, err)

	ticks := make(chan time.Time)
	var interval atomic.Int64
	s.tick = func(d time.Duration) (<-chan time.Time, func()) {
		interval.Store(int64(d))
		return ticks, func() {}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	ticks <- time.Time{}
	ticks <- time.Time{}
	require.Eventually(t, func() bool { return len(runner.calls()) == 3 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	require.Equal(t, []int{2, 1, 1}, runner.calls())
	require.Equal(t, []time.Duration{5 * time.Second}, clock.slept)
	require.Equal(t, int64(15*time.Minute), interval.Load())
}

func TestSchedulerDisabledSkipsRuns(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{}
	s, err := New(Config{Enabled: false}, runner, nil, nil, &fakeClock{}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.NoError(t, s.Run(ctx))
	require.Empty(t, runner.calls())
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Enabled: true}, &fakeRunner{}, nil, nil, &fakeClock{}, nil)
	require.Error(t, err)
	_, err = New(Config{PruneSchedule: "every day"}, &fakeRunner{}, nil, nil, &fakeClock{}, nil)
	require.Error(t, err)
	_, err = New(Config{}, nil, nil, nil, &fakeClock{}, nil)
	require.Error(t, err)
}

func TestAutoSubscribeDefaultDestinations(t *testing.T) {
	t.Parallel()

	store := memory.NewSubscriptionStore()
	svc := subscription.New(store, nil)
	s, err := New(Config{
		DefaultDestinations:    []string{"-1001", "-1002", " "},
		DefaultDestinationKind: crawler.DestinationSupergroup,
	}, &fakeRunner{}, svc, nil, &fakeClock{}, nil)
	require.NoError(t, err)

	s.AutoSubscribe(context.Background())
	s.AutoSubscribe(context.Background())

	subs, err := store.ListEnabled(context.Background())
	require.NoError(t, err)
	require.Len(t, subs, 2)
	for _, sub := range subs {
		require.Equal(t, crawler.SubscriptionAll, sub.Kind)
		require.Equal(t, crawler.DestinationSupergroup, sub.DestinationKind)
	}
}

func TestPruneUsesRetentionWindow(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 6, 30, 3, 0, 0, 0, time.UTC)
	audit := memory.NewAuditStore()
	ctx := context.Background()
	require.NoError(t, audit.InsertDelivery(ctx, crawler.DeliveryEntry{
		ID: "old", RecordID: 1, Destination: "d", Outcome: crawler.DeliverySuccess, AttemptedAt: now.Add(-31 * 24 * time.Hour),
	}))
	require.NoError(t, audit.InsertDelivery(ctx, crawler.DeliveryEntry{
		ID: "new", RecordID: 2, Destination: "d", Outcome: crawler.DeliverySuccess, AttemptedAt: now.Add(-time.Hour),
	}))

	s, err := New(Config{PruneSchedule: "0 3 * * *", Retention: 30 * 24 * time.Hour},
		&fakeRunner{}, nil, audit, &fakeClock{now: now}, nil)
	require.NoError(t, err)

	n, err := s.Prune(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
	require.Len(t, audit.Entries(), 1)
	require.Equal(t, "new", audit.Entries()[0].ID)
}
