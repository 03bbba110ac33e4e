package extract

import (
	"bytes"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/catalog-relay/internal/crawler"
)

var (
	minutesPattern = regexp.MustCompile(`(\d+)\s*分`)
	clockPattern   = regexp.MustCompile(`^(\d{1,2}):(\d{2})(?::(\d{2}))?$`)
	nonDigits      = regexp.MustCompile(`\D+`)
)

// imageAttrs is the priority order for lazily loaded cover images.
var imageAttrs = []string{"data-original", "data-lazy-src", "data-src", "srcset", "src"}

func newDocument(body []byte) (*goquery.Document, error) {
	return goquery.NewDocumentFromReader(bytes.NewReader(body))
}

// resolveURL makes href absolute against base. Empty, fragment-only, and
// javascript: links resolve to "".
func resolveURL(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(strings.ToLower(href), "javascript:") {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if base == nil {
		return ref.String()
	}
	return base.ResolveReference(ref).String()
}

// pickImage returns the first usable image URL on sel, walking imageAttrs in order.
func pickImage(base *url.URL, sel *goquery.Selection) string {
	for _, attr := range imageAttrs {
		raw, ok := sel.Attr(attr)
		if !ok {
			continue
		}
		raw = strings.TrimSpace(raw)
		if attr == "srcset" {
			raw = firstSrcsetURL(raw)
		}
		if !usableImage(raw) {
			continue
		}
		return resolveURL(base, raw)
	}
	return ""
}

func usableImage(raw string) bool {
	if raw == "" || strings.HasPrefix(raw, "data:") {
		return false
	}
	return strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") || strings.HasPrefix(raw, "/")
}

func firstSrcsetURL(srcset string) string {
	first, _, _ := strings.Cut(srcset, ",")
	fields := strings.Fields(first)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// pathCode derives an uppercased pseudo-code from the last non-empty path segment.
func pathCode(link string) string {
	u, err := url.Parse(link)
	if err != nil {
		return ""
	}
	segments := strings.Split(strings.TrimRight(u.Path, "/"), "/")
	for i := len(segments) - 1; i >= 0; i-- {
		if seg := strings.TrimSpace(segments[i]); seg != "" {
			if unescaped, err := url.PathUnescape(seg); err == nil {
				seg = unescaped
			}
			return strings.ToUpper(seg)
		}
	}
	return ""
}

// parseDuration reads "120分", "120 分钟", "2:05:00", or falls back to the digits in text.
func parseDuration(text string) *int {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if m := minutesPattern.FindStringSubmatch(text); len(m) == 2 {
		return atoiPtr(m[1])
	}
	if m := clockPattern.FindStringSubmatch(text); len(m) >= 3 {
		first, _ := strconv.Atoi(m[1])
		second, _ := strconv.Atoi(m[2])
		minutes := first
		if m[3] != "" {
			minutes = first*60 + second
		}
		return &minutes
	}
	return atoiPtr(nonDigits.ReplaceAllString(text, ""))
}

func atoiPtr(digits string) *int {
	if digits == "" {
		return nil
	}
	n, err := strconv.Atoi(digits)
	if err != nil {
		return nil
	}
	return &n
}

func firstText(sel *goquery.Selection) string {
	var out string
	sel.EachWithBreak(func(_ int, s *goquery.Selection) bool {
		out = strings.Join(strings.Fields(s.Text()), " ")
		return out == ""
	})
	return out
}

func texts(sel *goquery.Selection) []string {
	out := make([]string, 0, sel.Length())
	sel.Each(func(_ int, s *goquery.Selection) {
		if t := strings.Join(strings.Fields(s.Text()), " "); t != "" {
			out = append(out, t)
		}
	})
	return out
}

// resolveCode applies the code cascade: title, then link, then the link's path.
func resolveCode(title, link string, allowPath bool) (code string, pathDerived bool) {
	if c, ok := crawler.ExtractCode(title); ok {
		return c, false
	}
	if c, ok := crawler.ExtractCode(link); ok {
		return c, false
	}
	if !allowPath {
		return "", false
	}
	if c := pathCode(link); c != "" {
		return c, true
	}
	return "", false
}

// domainMarker is the label anchors pointing back at the site are expected to contain.
func domainMarker(base *url.URL) string {
	if base == nil {
		return ""
	}
	host := strings.TrimPrefix(strings.ToLower(base.Hostname()), "www.")
	label, _, _ := strings.Cut(host, ".")
	return label
}
