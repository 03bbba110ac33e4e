package session

import (
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStoreMergesByNamePerHost(t *testing.T) {
	t.Parallel()

	s := NewStore()
	a := mustURL(t, "https://catalog.example/new")
	b := mustURL(t, "https://other.example/")

	s.SetCookies(a, []*http.Cookie{{Name: "cf", Value: "1"}, {Name: "sid", Value: "x"}})
	s.SetCookies(a, []*http.Cookie{{Name: "sid", Value: "y"}})
	s.SetCookies(b, []*http.Cookie{{Name: "sid", Value: "z"}})

	got := cookieMap(s.Cookies(mustURL(t, "https://CATALOG.example/other/path")))
	require.Equal(t, map[string]string{"cf": "1", "sid": "y"}, got)
	require.Equal(t, map[string]string{"sid": "z"}, cookieMap(s.Cookies(b)))
	require.Equal(t, 3, s.Len())
}

func TestStoreDropsExpiredCookies(t *testing.T) {
	t.Parallel()

	s := NewStore()
	u := mustURL(t, "https://catalog.example/")

	s.SetCookies(u, []*http.Cookie{
		{Name: "short", Value: "1", MaxAge: 60},
		{Name: "gone", Value: "1", Expires: time.Now().Add(-time.Minute)},
		{Name: "keep", Value: "1"},
	})
	require.Equal(t, 2, s.Len())

	s.SetCookies(u, []*http.Cookie{{Name: "keep", MaxAge: -1}})
	require.Equal(t, map[string]string{"short": "1"}, cookieMap(s.Cookies(u)))
	require.Equal(t, 1, s.Len())
}

func TestStoreSharesDomainCookiesWithApex(t *testing.T) {
	t.Parallel()

	s := NewStore()
	www := mustURL(t, "https://www.catalog.example/new")
	apex := mustURL(t, "https://catalog.example/")

	s.SetCookies(www, []*http.Cookie{
		{Name: "cf", Value: "1", Domain: "catalog.example"},
		{Name: "host_only", Value: "1"},
	})

	require.Equal(t, map[string]string{"cf": "1"}, cookieMap(s.Cookies(apex)))
	require.Equal(t, map[string]string{"cf": "1", "host_only": "1"}, cookieMap(s.Cookies(www)))
}

func TestStoreHonorsCookiePath(t *testing.T) {
	t.Parallel()

	s := NewStore()
	s.SetCookies(mustURL(t, "https://catalog.example/"), []*http.Cookie{
		{Name: "scoped", Value: "1", Path: "/actresses"},
	})

	require.Empty(t, s.Cookies(mustURL(t, "https://catalog.example/new")))
	require.Equal(t, map[string]string{"scoped": "1"},
		cookieMap(s.Cookies(mustURL(t, "https://catalog.example/actresses/someone"))))
}

func TestStoreAcquisitionLifecycle(t *testing.T) {
	t.Parallel()

	s := NewStore()
	require.True(t, s.AcquiredAt().IsZero())

	at := time.Unix(1700000000, 0)
	s.MarkAcquired(at)
	require.Equal(t, at, s.AcquiredAt())

	s.Invalidate()
	require.True(t, s.Invalidated())
	s.MarkAcquired(at.Add(time.Minute))
	require.False(t, s.Invalidated())

	s.SetCookies(mustURL(t, "https://catalog.example"), []*http.Cookie{{Name: "a", Value: "b"}})
	s.Clear()
	require.Zero(t, s.Len())
	require.True(t, s.AcquiredAt().IsZero())
}

func TestStoreConcurrentAccess(t *testing.T) {
	t.Parallel()

	s := NewStore()
	u := mustURL(t, "https://catalog.example/")
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.SetCookies(u, []*http.Cookie{{Name: "sid", Value: "v"}})
			_ = s.Cookies(u)
			_ = s.Len()
		}(i)
	}
	wg.Wait()
	require.Equal(t, 1, s.Len())
}

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func cookieMap(cookies []*http.Cookie) map[string]string {
	out := make(map[string]string, len(cookies))
	for _, c := range cookies {
		out[c.Name] = c.Value
	}
	return out
}
