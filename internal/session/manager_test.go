package session

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalog-relay/internal/crawler"
)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	slept  []time.Duration
	cancel bool
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel {
		return context.Canceled
	}
	c.slept = append(c.slept, d)
	c.now = c.now.Add(d)
	return ctx.Err()
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// cookieFetcher behaves like the real fetcher: responses drop cookies into the jar.
type cookieFetcher struct {
	mu     sync.Mutex
	store  *Store
	calls  []string
	errs   []error
	cookie bool
}

func (f *cookieFetcher) Fetch(_ context.Context, raw string) (crawler.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := len(f.calls)
	f.calls = append(f.calls, raw)
	if idx < len(f.errs) && f.errs[idx] != nil {
		return crawler.Page{}, f.errs[idx]
	}
	if f.cookie {
		u, _ := url.Parse(raw)
		f.store.SetCookies(u, []*http.Cookie{{Name: "sid", Value: "fresh"}})
	}
	return crawler.Page{URL: raw, StatusCode: http.StatusOK}, nil
}

func (f *cookieFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestManager(fetchErrs []error, cookie bool) (*Manager, *Store, *cookieFetcher, *fakeClock) {
	store := NewStore()
	fetcher := &cookieFetcher{store: store, errs: fetchErrs, cookie: cookie}
	clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	mgr := NewManager(Config{
		TTL:            10 * time.Minute,
		WarmupRequests: 3,
		WarmupURL:      "https://catalog.example/new?page=2",
		WarmupPause:    time.Second,
	}, store, fetcher, clock, nil)
	return mgr, store, fetcher, clock
}

func TestEnsureValidWarmsUpWhenEmpty(t *testing.T) {
	t.Parallel()

	mgr, store, fetcher, clock := newTestManager(nil, true)
	require.False(t, mgr.IsValid())

	require.NoError(t, mgr.EnsureValid(context.Background()))
	require.Equal(t, 3, fetcher.callCount())
	require.Equal(t, []time.Duration{time.Second, time.Second}, clock.slept)
	require.True(t, mgr.IsValid())
	require.Equal(t, clock.Now(), store.AcquiredAt())

	require.NoError(t, mgr.EnsureValid(context.Background()))
	require.Equal(t, 3, fetcher.callCount(), "valid session must not warm up again")
}

func TestEnsureValidRefreshesAfterTTL(t *testing.T) {
	t.Parallel()

	mgr, _, fetcher, clock := newTestManager(nil, true)
	require.NoError(t, mgr.EnsureValid(context.Background()))

	clock.advance(9 * time.Minute)
	require.True(t, mgr.IsValid())

	clock.advance(2 * time.Minute)
	require.False(t, mgr.IsValid())
	require.NoError(t, mgr.EnsureValid(context.Background()))
	require.Equal(t, 6, fetcher.callCount())
}

func TestEnsureValidRefreshesAfterInvalidate(t *testing.T) {
	t.Parallel()

	mgr, store, fetcher, _ := newTestManager(nil, true)
	require.NoError(t, mgr.EnsureValid(context.Background()))
	store.Invalidate()
	require.False(t, mgr.IsValid())
	require.NoError(t, mgr.EnsureValid(context.Background()))
	require.Equal(t, 6, fetcher.callCount())
	require.True(t, mgr.IsValid())
}

func TestWarmupFailuresAreTolerated(t *testing.T) {
	t.Parallel()

	boom := errors.New("403 forbidden")
	mgr, store, fetcher, _ := newTestManager([]error{boom, boom, boom}, false)

	require.NoError(t, mgr.EnsureValid(context.Background()))
	require.Equal(t, 3, fetcher.callCount())
	require.Zero(t, store.Len())
	require.False(t, mgr.IsValid(), "no cookies means the session is still not valid")
	require.False(t, store.AcquiredAt().IsZero())
}

func TestWarmupStopsOnCancellation(t *testing.T) {
	t.Parallel()

	mgr, _, fetcher, clock := newTestManager(nil, true)
	clock.cancel = true

	err := mgr.EnsureValid(context.Background())
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, fetcher.callCount())
}

func TestRefreshIsSerialized(t *testing.T) {
	t.Parallel()

	mgr, _, fetcher, _ := newTestManager(nil, true)
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = mgr.EnsureValid(context.Background())
		}()
	}
	wg.Wait()
	require.Equal(t, 3, fetcher.callCount())
}
