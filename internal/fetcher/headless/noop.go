package headless

import (
	"context"
	"errors"

	"github.com/JakeFAU/catalog-relay/internal/crawler"
)

// ErrDisabled is returned when headless rendering is switched off.
var ErrDisabled = errors.New("headless renderer disabled")

// Noop implements crawler.Renderer for environments without a browser.
type Noop struct{}

// NewNoop creates a new Noop renderer.
func NewNoop() *Noop {
	return &Noop{}
}

// Render always fails with ErrDisabled.
func (Noop) Render(_ context.Context, _ string) (crawler.Page, error) {
	return crawler.Page{}, ErrDisabled
}
