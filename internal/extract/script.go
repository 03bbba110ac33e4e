package extract

import (
	"context"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-relay/internal/crawler"
)

var (
	windowAssignment = regexp.MustCompile(`(?s)window\.[\w$]+\s*=\s*(\{.*?\});?\s*$`)
	dvdIDField       = regexp.MustCompile(`"dvd_id"\s*:\s*"([^"]+)"`)
	uuidField        = regexp.MustCompile(`"uuid"\s*:\s*"([^"]+)"`)
)

// ScriptStrategy reads identifiers embedded in inline script payloads.
type ScriptStrategy struct {
	base      *url.URL
	allowPath bool
	logger    *zap.Logger
}

// Name implements Strategy.
func (s *ScriptStrategy) Name() string { return "script" }

// Extract implements Strategy.
func (s *ScriptStrategy) Extract(_ context.Context, page crawler.Page) []crawler.Record {
	doc, err := newDocument(page.Body)
	if err != nil {
		s.logger.Debug("parse listing", zap.Error(err))
		return nil
	}

	seen := make(map[string]struct{})
	var out []crawler.Record
	doc.Find("script").Each(func(_ int, sel *goquery.Selection) {
		text := sel.Text()
		if !strings.Contains(text, "dvd_id") && !strings.Contains(text, "uuid") {
			return
		}
		payload := text
		if m := windowAssignment.FindStringSubmatch(text); len(m) == 2 {
			payload = m[1]
		}
		for _, rec := range s.recordsFrom(payload) {
			if _, dup := seen[rec.Code]; dup {
				continue
			}
			seen[rec.Code] = struct{}{}
			out = append(out, rec)
		}
	})
	return out
}

func (s *ScriptStrategy) recordsFrom(payload string) []crawler.Record {
	if ids := submatches(dvdIDField, payload); len(ids) > 0 {
		out := make([]crawler.Record, 0, len(ids))
		for _, id := range ids {
			rec := crawler.Record{DetailURL: s.base.JoinPath(id).String()}
			if code, ok := crawler.ExtractCode(id); ok {
				rec.Code = code
			} else {
				rec.Code = strings.ToUpper(id)
			}
			out = append(out, rec)
		}
		return out
	}
	// A uuid is an opaque key: the whole value is the code, never a fragment of it.
	if !s.allowPath {
		return nil
	}
	ids := submatches(uuidField, payload)
	out := make([]crawler.Record, 0, len(ids))
	for _, id := range ids {
		out = append(out, crawler.Record{
			Code:        strings.ToUpper(id),
			DetailURL:   s.base.JoinPath(id).String(),
			PathDerived: true,
		})
	}
	return out
}

func submatches(re *regexp.Regexp, text string) []string {
	matches := re.FindAllStringSubmatch(text, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		if v := strings.TrimSpace(m[1]); v != "" {
			out = append(out, v)
		}
	}
	return out
}
