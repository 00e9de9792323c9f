package hls

import (
	"strconv"
	"strings"
	"time"
)

// TemplateVars carries the values substitutable into a segment/key path
// template (spec.md §6: "[vhost]", "[app]", "[stream]", "[seq]",
// "[timestamp]", plus date/hour placeholders").
type TemplateVars struct {
	Vhost     string
	App       string
	Stream    string
	Seq       int64
	Timestamp int64 // floor value or wall-clock ms, per §4.E's open policy
	Now       time.Time
}

// substitutePath expands a filename/URI template. Date/hour tokens use Go's
// reference-time layout wrapped in brackets (e.g. "[2006-01-02]", "[15]")
// rather than strftime's "%Y-%m-%d" — the spec leaves the exact token
// syntax unspecified ("strftime-like"), and reference-time layouts are the
// idiomatic Go way to express the same substitution without a C strftime
// binding.
func substitutePath(tmpl string, v TemplateVars) string {
	r := strings.NewReplacer(
		"[vhost]", v.Vhost,
		"[app]", v.App,
		"[stream]", v.Stream,
		"[seq]", strconv.FormatInt(v.Seq, 10),
		"[timestamp]", strconv.FormatInt(v.Timestamp, 10),
	)
	out := r.Replace(tmpl)
	out = expandDateTokens(out, v.Now)
	return out
}

// expandDateTokens replaces any "[<go-reference-layout>]" token with t
// formatted per that layout, e.g. "[2006/01/02]" -> "2024/03/07".
func expandDateTokens(s string, t time.Time) string {
	var b strings.Builder
	for {
		start := strings.IndexByte(s, '[')
		if start < 0 {
			b.WriteString(s)
			break
		}
		end := strings.IndexByte(s[start:], ']')
		if end < 0 {
			b.WriteString(s)
			break
		}
		end += start
		token := s[start+1 : end]
		b.WriteString(s[:start])
		if looksLikeTimeLayout(token) {
			b.WriteString(t.Format(token))
		} else {
			b.WriteString("[")
			b.WriteString(token)
			b.WriteString("]")
		}
		s = s[end+1:]
	}
	return b.String()
}

// looksLikeTimeLayout reports whether token contains a recognizable Go
// reference-time component, to avoid misinterpreting a leftover
// "[vhost]"-style token this function didn't already substitute.
func looksLikeTimeLayout(token string) bool {
	for _, ref := range []string{"2006", "01", "02", "15", "04", "05"} {
		if strings.Contains(token, ref) {
			return true
		}
	}
	return false
}
