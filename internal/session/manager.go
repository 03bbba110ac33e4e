package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-relay/internal/crawler"
	"github.com/JakeFAU/catalog-relay/internal/metrics"
)

// Config controls warm-up behavior.
type Config struct {
	TTL            time.Duration
	WarmupRequests int
	// WarmupURL must be a page the site serves to fresh clients; page 1 of the
	// listing is known to reject them.
	WarmupURL   string
	WarmupPause time.Duration
}

// Manager keeps the Store's cookie set fresh.
type Manager struct {
	cfg    Config
	store  *Store
	warmer crawler.Fetcher
	clock  crawler.Clock
	logger *zap.Logger

	refreshMu sync.Mutex
}

// NewManager wires a Manager. The warmer is normally the same fetcher that
// uses store as its cookie jar.
func NewManager(cfg Config, store *Store, warmer crawler.Fetcher, clock crawler.Clock, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:    cfg,
		store:  store,
		warmer: warmer,
		clock:  clock,
		logger: logger.Named("session"),
	}
}

// IsValid reports whether cookies exist and were acquired within the TTL.
func (m *Manager) IsValid() bool {
	if m.store.Len() == 0 || m.store.Invalidated() {
		return false
	}
	acquired := m.store.AcquiredAt()
	if acquired.IsZero() {
		return false
	}
	return m.clock.Now().Sub(acquired) <= m.cfg.TTL
}

// EnsureValid refreshes the session when it is missing, expired, or invalidated.
// Warm-up failures are tolerated; only context cancellation is returned.
func (m *Manager) EnsureValid(ctx context.Context) error {
	if m.IsValid() {
		return nil
	}
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()
	if m.IsValid() {
		return nil
	}
	return m.refresh(ctx)
}

// Refresh discards the current cookies and warms up a new set unconditionally.
func (m *Manager) Refresh(ctx context.Context) error {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()
	return m.refresh(ctx)
}

func (m *Manager) refresh(ctx context.Context) error {
	m.store.Clear()
	m.logger.Info("warming up session", zap.String("url", m.cfg.WarmupURL), zap.Int("requests", m.cfg.WarmupRequests))

	failures := 0
	for i := 0; i < m.cfg.WarmupRequests; i++ {
		if i > 0 {
			if err := m.clock.Sleep(ctx, m.cfg.WarmupPause); err != nil {
				return err
			}
		}
		if _, err := m.warmer.Fetch(ctx, m.cfg.WarmupURL); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			failures++
			m.logger.Warn("session warm-up request failed", zap.Int("attempt", i+1), zap.Error(err))
		}
	}

	m.store.MarkAcquired(m.clock.Now())
	cookies := m.store.Len()
	result := "ok"
	switch {
	case cookies == 0:
		result = "empty"
		m.logger.Warn("session warm-up produced no cookies; continuing without them", zap.Int("failures", failures))
	case failures > 0:
		result = "partial"
	}
	metrics.ObserveSessionRefresh(result)
	m.logger.Info("session ready", zap.Int("cookies", cookies), zap.Int("failures", failures))
	return nil
}
