// Package collyfetcher implements crawler.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-relay/internal/crawler"
	"github.com/JakeFAU/catalog-relay/internal/metrics"
)

// Config controls collector behavior.
type Config struct {
	UserAgent      string
	Referer        string
	AcceptLanguage string
	Timeout        time.Duration
	// DelayMin and DelayMax bound the randomized pause taken before every request.
	DelayMin time.Duration
	DelayMax time.Duration
}

// Jar is the session cookie store the collector reads and writes.
type Jar interface {
	http.CookieJar
	Invalidate()
}

// Limiter throttles outbound requests per host.
type Limiter interface {
	Wait(ctx context.Context, url string) error
}

// StatusError is returned when the site answers with a non-2xx status.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.Code)
}

// Blocked reports whether the status suggests the site is refusing this client.
func (e *StatusError) Blocked() bool {
	return e.Code == http.StatusForbidden || e.Code == http.StatusTooManyRequests
}

// Fetcher implements crawler.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
	jar           Jar
	limiter       Limiter
	clock         crawler.Clock
	logger        *zap.Logger
	jitter        func(n int64) int64
}

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithLimiter shares an outbound rate limiter with the fetcher.
func WithLimiter(l Limiter) Option {
	return func(f *Fetcher) { f.limiter = l }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(f *Fetcher) { f.logger = logger }
}

// WithTransport replaces the HTTP transport, mainly for tests.
func WithTransport(rt http.RoundTripper) Option {
	return func(f *Fetcher) { f.baseCollector.WithTransport(rt) }
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher whose collector stores cookies in jar.
func New(cfg Config, jar Jar, clock crawler.Clock, opts ...Option) *Fetcher {
	c := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
	)
	c.WithTransport(newHTTPTransport())
	// Clones share the backend, so the jar must be attached before cloning.
	if jar != nil {
		c.SetCookieJar(jar)
	}

	f := &Fetcher{
		cfg:           cfg,
		baseCollector: c,
		jar:           jar,
		clock:         clock,
		logger:        zap.NewNop(),
		jitter:        rand.Int64N,
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.Named("fetcher")
	return f
}

// Fetch waits out the politeness delay and the shared limiter, then executes a GET.
func (f *Fetcher) Fetch(ctx context.Context, url string) (crawler.Page, error) {
	if err := f.clock.Sleep(ctx, f.randomDelay()); err != nil {
		return crawler.Page{}, fmt.Errorf("pre-request delay: %w", err)
	}
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx, url); err != nil {
			return crawler.Page{}, err
		}
	}

	var (
		page     crawler.Page
		fetchErr error
		status   int
	)
	start := time.Now()
	collector := f.buildCollector(ctx)
	f.configureCollectorHooks(collector, start, &page, &fetchErr, &status)

	err := f.runCollector(ctx, collector, url, &fetchErr)
	if status == 0 {
		status = page.StatusCode
	}
	metrics.ObserveFetch(url, status, len(page.Body))
	if err != nil {
		if status >= 300 {
			err = &StatusError{URL: url, Code: status}
		}
		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.Blocked() && f.jar != nil {
			f.logger.Warn("site refused request; invalidating session", zap.String("url", url), zap.Int("status", status))
			f.jar.Invalidate()
		}
		f.logger.Warn("fetch failed", zap.String("url", url), zap.Int("status", status), zap.Error(err))
		return crawler.Page{}, err
	}
	page.FetchedAt = f.clock.Now()
	return page, nil
}

func (f *Fetcher) randomDelay() time.Duration {
	lo, hi := f.cfg.DelayMin, f.cfg.DelayMax
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(f.jitter(int64(hi-lo)+1))
}

func (f *Fetcher) buildCollector(ctx context.Context) *colly.Collector {
	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	timeout := f.cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	collector.SetRequestTimeout(timeout)
	colly.StdlibContext(ctx)(collector)
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	start time.Time,
	page *crawler.Page,
	fetchErr *error,
	status *int,
) {
	hooks.OnRequest(func(r *colly.Request) {
		f.setBrowserHeaders(r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		*page = crawler.Page{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil {
			*status = r.StatusCode
		}
		*fetchErr = err
	})
}

func (f *Fetcher) setBrowserHeaders(r *colly.Request) {
	r.Headers.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8")
	if f.cfg.AcceptLanguage != "" {
		r.Headers.Set("Accept-Language", f.cfg.AcceptLanguage)
	}
	if f.cfg.Referer != "" {
		r.Headers.Set("Referer", f.cfg.Referer)
	}
	r.Headers.Set("Connection", "keep-alive")
	r.Headers.Set("Cache-Control", "max-age=0")
	r.Headers.Set("Upgrade-Insecure-Requests", "1")
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		// The collector shares ctx, so Visit returns promptly; wait so the hooks stop writing.
		<-done
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
