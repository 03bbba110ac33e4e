// Package logsink is a dry-run deliverer that logs records instead of sending them.
package logsink

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-relay/internal/crawler"
)

// Deliverer logs every send and always succeeds.
type Deliverer struct {
	logger *zap.Logger

	mu   sync.Mutex
	sent map[string][]string
}

// New constructs a Deliverer.
func New(logger *zap.Logger) *Deliverer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Deliverer{logger: logger.Named("logsink"), sent: make(map[string][]string)}
}

// Send implements crawler.Deliverer.
func (d *Deliverer) Send(_ context.Context, destination string, rec crawler.Record) error {
	d.mu.Lock()
	d.sent[destination] = append(d.sent[destination], rec.Code)
	d.mu.Unlock()
	d.logger.Info("dry-run delivery",
		zap.String("destination", destination),
		zap.String("code", rec.Code),
		zap.String("title", rec.Title),
		zap.Strings("authors", rec.AuthorList()),
	)
	return nil
}

// Sent returns the codes delivered to destination, in order.
func (d *Deliverer) Sent(destination string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.sent[destination]...)
}
