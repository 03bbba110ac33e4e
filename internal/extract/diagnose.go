package extract

import (
	"bytes"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap/zapcore"
)

var (
	packerPattern    = regexp.MustCompile(`eval\(function\(p,a,c,k,e,d\)`)
	windowVarPattern = regexp.MustCompile(`window\.([A-Za-z_$][\w$]*)\s*=`)
	apiCallPattern   = regexp.MustCompile(`(?:fetch|axios(?:\.(?:get|post))?|\$\.ajax)\(\s*['"]([^'"]+)['"]`)
	frameworkMarkers = map[string][][]byte{
		"alpine": {[]byte("x-data"), []byte("Alpine")},
		"vue":    {[]byte("v-if"), []byte("Vue")},
		"next":   {[]byte("__NEXT_DATA__")},
	}
)

// Diagnosis describes why a listing page may have produced no records.
type Diagnosis struct {
	Bytes      int
	Packed     bool
	Frameworks []string
	WindowVars []string
	APICalls   []string
}

// Diagnose scans raw markup for signs of client-side rendering or obfuscation.
func Diagnose(body []byte) Diagnosis {
	d := Diagnosis{
		Bytes:  len(body),
		Packed: packerPattern.Match(body),
	}
	for name, markers := range frameworkMarkers {
		for _, m := range markers {
			if bytes.Contains(body, m) {
				d.Frameworks = append(d.Frameworks, name)
				break
			}
		}
	}
	sort.Strings(d.Frameworks)
	d.WindowVars = uniqueSubmatches(windowVarPattern, body, 10)
	d.APICalls = uniqueSubmatches(apiCallPattern, body, 10)
	return d
}

// ClientRendered reports whether the page looks like it needs a browser.
func (d Diagnosis) ClientRendered() bool {
	return d.Packed || len(d.Frameworks) > 0 || len(d.APICalls) > 0
}

// MarshalLogObject implements zapcore.ObjectMarshaler.
func (d Diagnosis) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddInt("bytes", d.Bytes)
	enc.AddBool("packed", d.Packed)
	enc.AddString("frameworks", strings.Join(d.Frameworks, ","))
	enc.AddString("window_vars", strings.Join(d.WindowVars, ","))
	enc.AddString("api_calls", strings.Join(d.APICalls, ","))
	return nil
}

func uniqueSubmatches(re *regexp.Regexp, body []byte, limit int) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, m := range re.FindAllSubmatch(body, -1) {
		v := string(m[1])
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
		if len(out) == limit {
			break
		}
	}
	return out
}

