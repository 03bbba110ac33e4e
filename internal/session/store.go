// Package session owns the cookie set the target site issues to a visitor.
//
// Store implements http.CookieJar so the fetcher's HTTP client captures and
// replays cookies automatically; Manager decides when the set is stale and
// re-acquires it through warm-up fetches.
package session

import (
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/publicsuffix"
)

// Store wraps a public-suffix aware cookie jar with the acquisition state the
// Manager needs. Domain, Path and expiry rules are the jar's.
type Store struct {
	mu          sync.Mutex
	jar         *cookiejar.Jar
	origins     map[string]*url.URL
	acquiredAt  time.Time
	invalidated bool
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{
		jar:     newJar(),
		origins: make(map[string]*url.URL),
	}
}

func newJar() *cookiejar.Jar {
	// The error from cookiejar.New is always nil.
	jar, _ := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	return jar
}

// SetCookies implements http.CookieJar.
func (s *Store) SetCookies(u *url.URL, cookies []*http.Cookie) {
	if u == nil || len(cookies) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jar.SetCookies(u, cookies)
	key := originKey(u)
	if _, ok := s.origins[key]; !ok {
		s.origins[key] = &url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/"}
	}
}

// Cookies implements http.CookieJar.
func (s *Store) Cookies(u *url.URL) []*http.Cookie {
	if u == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jar.Cookies(u)
}

// Len reports the live cookies visible at the root of each host that has set
// cookies, summed per host.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, origin := range s.origins {
		total += len(s.jar.Cookies(origin))
	}
	return total
}

// AcquiredAt returns when the current set was acquired, or zero if never.
func (s *Store) AcquiredAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acquiredAt
}

// Invalidated reports whether Invalidate was called since the last acquisition.
func (s *Store) Invalidated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.invalidated
}

// MarkAcquired stamps the acquisition time and clears the invalidated flag.
func (s *Store) MarkAcquired(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acquiredAt = at
	s.invalidated = false
}

// Invalidate forces the next validity check to fail, e.g. after the site answers 403.
func (s *Store) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidated = true
}

// Clear drops every cookie and the acquisition time.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jar = newJar()
	s.origins = make(map[string]*url.URL)
	s.acquiredAt = time.Time{}
}

func originKey(u *url.URL) string {
	return strings.ToLower(u.Scheme + "://" + u.Host)
}
