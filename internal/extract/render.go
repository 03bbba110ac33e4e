package extract

import (
	"context"
	"net/url"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-relay/internal/crawler"
)

// RenderStrategy re-fetches the page through a headless browser and runs a
// reduced card parse over the rendered markup.
type RenderStrategy struct {
	renderer  crawler.Renderer
	container string
	allowPath bool
	logger    *zap.Logger
}

// Name implements Strategy.
func (s *RenderStrategy) Name() string { return "headless" }

// Extract implements Strategy.
func (s *RenderStrategy) Extract(ctx context.Context, page crawler.Page) []crawler.Record {
	s.logger.Info("falling back to headless render", zap.String("url", page.URL))
	rendered, err := s.renderer.Render(ctx, page.URL)
	if err != nil {
		s.logger.Warn("headless render failed", zap.String("url", page.URL), zap.Error(err))
		return nil
	}
	doc, err := newDocument(rendered.Body)
	if err != nil {
		s.logger.Warn("parse rendered page", zap.Error(err))
		return nil
	}
	base, _ := url.Parse(rendered.URL)
	if base == nil || base.Host == "" {
		base, _ = url.Parse(page.URL)
	}

	seen := make(map[string]struct{})
	var out []crawler.Record
	doc.Find(s.container).Each(func(_ int, card *goquery.Selection) {
		var link string
		card.Find("a[href]").EachWithBreak(func(_ int, a *goquery.Selection) bool {
			link = resolveURL(base, a.AttrOr("href", ""))
			return link == ""
		})
		if link == "" {
			return
		}
		code, pathDerived := resolveCode("", link, s.allowPath)
		if code == "" {
			return
		}
		if _, dup := seen[code]; dup {
			return
		}
		seen[code] = struct{}{}
		rec := crawler.Record{Code: code, DetailURL: link, PathDerived: pathDerived}
		if img := card.Find("img[src], img[data-src]").First(); img.Length() > 0 {
			rec.CoverURL = pickImage(base, img)
		}
		out = append(out, rec)
	})
	s.logger.Info("headless render extracted", zap.String("url", page.URL), zap.Int("records", len(out)))
	return out
}
