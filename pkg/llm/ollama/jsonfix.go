package ollama

import (
	"io"
	"net/http"
	"regexp"
	"strings"
)

// JSONFixingRoundTripper drops illegal escapes such as `\$` that some local
// models emit inside streamed JSON, which would otherwise abort decoding.
type JSONFixingRoundTripper struct {
	Proxied http.RoundTripper
}

func (j *JSONFixingRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := j.Proxied.RoundTrip(req)
	if err != nil {
		return resp, err
	}

	ct := resp.Header.Get("Content-Type")
	if strings.Contains(ct, "application/json") || strings.Contains(ct, "application/x-ndjson") {
		resp.Body = &jsonFixingReadCloser{body: resp.Body}
	}
	return resp, nil
}

// escapeRegex matches an escaped backslash (kept) or a backslash followed by
// a character JSON does not allow to be escaped (dropped).
var escapeRegex = regexp.MustCompile(`\\(\\|[^/\\bfnrtu"])`)

func fixEscapes(s string) string {
	return escapeRegex.ReplaceAllStringFunc(s, func(m string) string {
		if m == `\\` {
			return m
		}
		return m[1:]
	})
}

type jsonFixingReadCloser struct {
	body io.ReadCloser
}

func (j *jsonFixingReadCloser) Read(p []byte) (int, error) {
	n, err := j.body.Read(p)
	if n > 0 {
		// Replacements only remove bytes, so the result always fits in p.
		fixed := fixEscapes(string(p[:n]))
		if len(fixed) != n {
			n = copy(p, fixed)
		}
	}
	return n, err
}

func (j *jsonFixingReadCloser) Close() error {
	return j.body.Close()
}
