package extract

import (
	"net/url"
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/require"
)

func TestParseDuration(t *testing.T) {
	t.Parallel()

	cases := map[string]*int{
		"120分":    intPtr(120),
		"120 分钟":  intPtr(120),
		"时长 95分钟": intPtr(95),
		"2:05:00":  intPtr(125),
		"45:30":    intPtr(45),
		"约 90 min": intPtr(90),
		"":         nil,
		"n/a":      nil,
	}
	for in, want := range cases {
		got := parseDuration(in)
		if want == nil {
			require.Nil(t, got, in)
			continue
		}
		require.NotNil(t, got, in)
		require.Equal(t, *want, *got, in)
	}
}

func TestPathCode(t *testing.T) {
	t.Parallel()

	require.Equal(t, "WEEKLY-PICK", pathCode("https://catalog.example/a/weekly-pick/"))
	require.Equal(t, "SSIS-123", pathCode("/ssis-123?ref=x"))
	require.Empty(t, pathCode("https://catalog.example/"))
	require.Empty(t, pathCode(""))
}

func TestResolveURL(t *testing.T) {
	t.Parallel()

	base, err := url.Parse("https://catalog.example/new?page=2")
	require.NoError(t, err)

	require.Equal(t, "https://catalog.example/ssis-123", resolveURL(base, " /ssis-123 "))
	require.Equal(t, "https://other.example/x", resolveURL(base, "https://other.example/x"))
	require.Empty(t, resolveURL(base, "#top"))
	require.Empty(t, resolveURL(base, "JavaScript:void(0)"))
	require.Empty(t, resolveURL(base, ""))
}

func TestPickImagePriority(t *testing.T) {
	t.Parallel()

	base, err := url.Parse("https://catalog.example/")
	require.NoError(t, err)

	cases := map[string]string{
		`<img src="/a.jpg" data-original="/b.jpg">`:                     "https://catalog.example/b.jpg",
		`<img src="data:image/gif;base64,AA" data-lazy-src="/lazy.jpg">`: "https://catalog.example/lazy.jpg",
		`<img srcset="https://cdn.example/s.webp 1x, /big.webp 2x">`:     "https://cdn.example/s.webp",
		`<img src="data:image/gif;base64,AA">`:                           "",
		`<img src="placeholder.png">`:                                    "",
	}
	for markup, want := range cases {
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
		require.NoError(t, err)
		require.Equal(t, want, pickImage(base, doc.Find("img").First()), markup)
	}
}

func TestDomainMarker(t *testing.T) {
	t.Parallel()

	u, err := url.Parse("https://www.Catalog.example")
	require.NoError(t, err)
	require.Equal(t, "catalog", domainMarker(u))
	require.Empty(t, domainMarker(nil))
}

func TestDiagnose(t *testing.T) {
	t.Parallel()

	body := []byte(`<div v-if="ready"></div><script>
eval(function(p,a,c,k,e,d){return p});
window.__state = {}; window.__state = {}; window.config = {};
fetch('/api/list?page=1'); axios.get("/api/tags");
</script>`)

	d := Diagnose(body)
	require.True(t, d.Packed)
	require.Equal(t, []string{"vue"}, d.Frameworks)
	require.Equal(t, []string{"__state", "config"}, d.WindowVars)
	require.Equal(t, []string{"/api/list?page=1", "/api/tags"}, d.APICalls)
	require.True(t, d.ClientRendered())

	plain := Diagnose([]byte("<p>hello</p>"))
	require.False(t, plain.ClientRendered())
	require.Equal(t, 12, plain.Bytes)
}

func intPtr(v int) *int { return &v }
