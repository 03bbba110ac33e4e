package extract

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-relay/internal/crawler"
)

const (
	titleSelector    = "h3, h4, .title, [class*=title]"
	durationSelector = `.duration, [class*=duration], span:contains("分")`
)

// CardStrategy walks card-like DOM containers.
type CardStrategy struct {
	base      *url.URL
	selectors []string
	allowPath bool
	logger    *zap.Logger
}

// Name implements Strategy.
func (s *CardStrategy) Name() string { return "cards" }

// Extract implements Strategy. Selector groups are tried in order and the first
// group that yields records wins.
func (s *CardStrategy) Extract(_ context.Context, page crawler.Page) []crawler.Record {
	doc, err := newDocument(page.Body)
	if err != nil {
		s.logger.Debug("parse listing", zap.Error(err))
		return nil
	}
	base := s.pageBase(page)

	for _, group := range s.selectors {
		cards := doc.Find(group)
		if isAnchorGroup(group) {
			cards = cards.FilterFunction(func(_ int, a *goquery.Selection) bool {
				href, _ := a.Attr("href")
				return crawler.MatchesCode(href)
			})
		}
		if cards.Length() == 0 {
			continue
		}
		records := s.parseCards(base, cards)
		if len(records) > 0 {
			s.logger.Debug("card selector matched", zap.String("selector", group),
				zap.Int("cards", cards.Length()), zap.Int("records", len(records)))
			return records
		}
	}
	return nil
}

func (s *CardStrategy) parseCards(base *url.URL, cards *goquery.Selection) []crawler.Record {
	index := make(map[string]int)
	var out []crawler.Record
	cards.Each(func(_ int, card *goquery.Selection) {
		rec, ok := s.parseCard(base, card)
		if !ok {
			return
		}
		if i, dup := index[rec.Code]; dup {
			out[i].MergeMissing(rec)
			return
		}
		index[rec.Code] = len(out)
		out = append(out, rec)
	})
	return out
}

func (s *CardStrategy) parseCard(base *url.URL, card *goquery.Selection) (crawler.Record, bool) {
	link := s.cardLink(base, card)
	title := firstText(card.Find(titleSelector))
	if title == "" {
		title = strings.TrimSpace(card.Find("a[title]").First().AttrOr("title", card.AttrOr("title", "")))
	}

	code, pathDerived := resolveCode(title, link, s.allowPath)
	if code == "" {
		s.logger.Debug("card without code dropped", zap.String("link", link), zap.String("title", title))
		return crawler.Record{}, false
	}
	if pathDerived {
		s.logger.Warn("using path-derived code", zap.String("code", code), zap.String("link", link))
	}

	rec := crawler.Record{
		Code:        code,
		Title:       title,
		DetailURL:   link,
		PathDerived: pathDerived,
	}
	card.Find("img").EachWithBreak(func(_ int, img *goquery.Selection) bool {
		rec.CoverURL = pickImage(base, img)
		return rec.CoverURL == ""
	})
	rec.DurationMinutes = parseDuration(firstText(card.Find(durationSelector)))
	return rec, true
}

// cardLink prefers an anchor pointing back at the site, then any anchor.
func (s *CardStrategy) cardLink(base *url.URL, card *goquery.Selection) string {
	if goquery.NodeName(card) == "a" {
		return resolveURL(base, card.AttrOr("href", ""))
	}
	if marker := domainMarker(s.base); marker != "" {
		if href, ok := card.Find(fmt.Sprintf(`a[href*=%q]`, marker)).First().Attr("href"); ok {
			if link := resolveURL(base, href); link != "" {
				return link
			}
		}
	}
	var link string
	card.Find("a[href]").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		link = resolveURL(base, a.AttrOr("href", ""))
		return link == ""
	})
	return link
}

func (s *CardStrategy) pageBase(page crawler.Page) *url.URL {
	if u, err := url.Parse(page.URL); err == nil && u.Host != "" {
		return u
	}
	return s.base
}

func isAnchorGroup(selector string) bool {
	return strings.HasPrefix(strings.TrimSpace(selector), "a[")
}
