package extract

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/catalog-relay/internal/crawler"
)

const (
	detailTitleSelector    = "h1, .video-title, [class*=title]"
	detailAuthorSelector   = "a[href*=actress], a[href*=actor], .actress"
	detailTagSelector      = "a[href*=tag], a[href*=genre], .tag"
	detailCoverSelector    = "img.cover, .video-cover img"
	detailDurationSelector = `.duration, [class*=duration], span:contains("分钟")`
)

var (
	videoURLPattern  = regexp.MustCompile(`https://[^\s"'<>\\]+?\.(?:mp4|m3u8|webm)`)
	videoScriptHints = []string{".mp4", ".m3u8", ".webm", "preview"}
)

// ExtractDetail parses a record detail page. The returned record may lack a
// code; callers that know the code set it themselves.
func (e *Engine) ExtractDetail(page crawler.Page) (crawler.Record, error) {
	doc, err := newDocument(page.Body)
	if err != nil {
		return crawler.Record{}, err
	}
	base, _ := url.Parse(page.URL)
	if base == nil || base.Host == "" {
		base = e.base
	}

	rec := crawler.Record{
		DetailURL:  page.URL,
		Title:      firstText(doc.Find(detailTitleSelector)),
		Authors:    crawler.JoinList(texts(doc.Find(detailAuthorSelector))),
		Tags:       crawler.JoinList(texts(doc.Find(detailTagSelector))),
		CoverURL:   detailCover(base, doc),
		PreviewURL: detailPreview(base, doc),
	}
	if code, ok := crawler.ExtractCode(rec.Title); ok {
		rec.Code = code
	} else if code, ok := crawler.ExtractCode(page.URL); ok {
		rec.Code = code
	}
	rec.DurationMinutes = parseDuration(firstText(doc.Find(detailDurationSelector)))
	return rec, nil
}

func detailCover(base *url.URL, doc *goquery.Document) string {
	if content, ok := doc.Find(`meta[property="og:image"]`).First().Attr("content"); ok && usableImage(strings.TrimSpace(content)) {
		return resolveURL(base, content)
	}
	var cover string
	doc.Find(detailCoverSelector).EachWithBreak(func(_ int, img *goquery.Selection) bool {
		cover = pickImage(base, img)
		return cover == ""
	})
	return cover
}

func detailPreview(base *url.URL, doc *goquery.Document) string {
	var preview string
	doc.Find("video").EachWithBreak(func(_ int, video *goquery.Selection) bool {
		for _, attr := range []string{"data-src", "src"} {
			if v := resolveURL(base, video.AttrOr(attr, "")); v != "" {
				preview = v
				return false
			}
		}
		video.Find("source").EachWithBreak(func(_ int, source *goquery.Selection) bool {
			for _, attr := range []string{"src", "data-src"} {
				if v := resolveURL(base, source.AttrOr(attr, "")); v != "" {
					preview = v
					return false
				}
			}
			return true
		})
		return preview == ""
	})
	if preview != "" {
		return preview
	}

	doc.Find("script").EachWithBreak(func(_ int, script *goquery.Selection) bool {
		text := script.Text()
		if !containsAny(text, videoScriptHints) {
			return true
		}
		preview = videoURLPattern.FindString(text)
		return preview == ""
	})
	return preview
}

func containsAny(text string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(text, n) {
			return true
		}
	}
	return false
}
