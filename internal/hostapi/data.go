package hostapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// EndpointStatus is a hosting API outcome normalized across GitHub and
// GitLab, so callers never branch on raw HTTP codes.
type EndpointStatus string

const (
	EndpointStatusOK           EndpointStatus = "ok"
	EndpointStatusUnauthorized EndpointStatus = "unauthorized"
	EndpointStatusForbidden    EndpointStatus = "forbidden"
	// EndpointStatusNotFound also covers private repos the credential
	// cannot see; both platforms answer 404 for those.
	EndpointStatusNotFound      EndpointStatus = "not_found"
	EndpointStatusUnprocessable EndpointStatus = "unprocessable"
	// EndpointStatusUnavailable is a 5xx or a 429 that outlived retries.
	EndpointStatusUnavailable EndpointStatus = "unavailable"
	EndpointStatusUnknown     EndpointStatus = "unknown"
)

var statusByCode = map[int]EndpointStatus{
	http.StatusUnauthorized:        EndpointStatusUnauthorized,
	http.StatusForbidden:           EndpointStatusForbidden,
	http.StatusNotFound:            EndpointStatusNotFound,
	http.StatusUnprocessableEntity: EndpointStatusUnprocessable,
	http.StatusTooManyRequests:     EndpointStatusUnavailable,
}

func statusForCode(code int) EndpointStatus {
	if status, ok := statusByCode[code]; ok {
		return status
	}
	switch code / 100 {
	case 2:
		return EndpointStatusOK
	case 5:
		return EndpointStatusUnavailable
	}
	return EndpointStatusUnknown
}

// parseAPIBaseURL parses raw (or fallback when raw is blank) into a base URL
// whose path always ends in "/".
func parseAPIBaseURL(raw, fallback string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		raw = fallback
	}
	base, err := url.Parse(raw)
	switch {
	case err != nil:
		return nil, fmt.Errorf("parse api base url: %w", err)
	case base.Scheme == "" || base.Host == "":
		return nil, fmt.Errorf("parse api base url %q: missing scheme or host", raw)
	}
	base.Path = strings.TrimSuffix(base.Path, "/") + "/"
	return base, nil
}

// withSegments returns a copy of base with the given raw path segments
// appended. Segments are escaped individually so values containing "/"
// (GitLab group paths) survive as a single segment.
func withSegments(base *url.URL, segments ...string) *url.URL {
	cloned := *base
	rawPath := strings.TrimSuffix(base.EscapedPath(), "/")
	decoded := strings.TrimSuffix(base.Path, "/")
	for _, segment := range segments {
		rawPath += "/" + url.PathEscape(segment)
		decoded += "/" + segment
	}
	cloned.Path = decoded
	cloned.RawPath = rawPath
	cloned.RawQuery = ""
	return &cloned
}

// decodeBody decodes a JSON body into target and closes it.
func decodeBody(resp *http.Response, target any) error {
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(target)
}

// discardBody drains up to 64 KiB so the connection can be reused, then
// closes the body.
func discardBody(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.CopyN(io.Discard, resp.Body, 64<<10)
	_ = resp.Body.Close()
}

// nextLinkParam returns the named query parameter of the rel="next" target
// in an RFC 8288 Link header, or "" when there is no next page.
func nextLinkParam(linkHeader, param string) string {
	for _, part := range strings.Split(linkHeader, ",") {
		if !strings.Contains(part, `rel="next"`) {
			continue
		}
		start := strings.Index(part, "<")
		end := strings.Index(part, ">")
		if start < 0 || end <= start {
			return ""
		}
		target, err := url.Parse(strings.TrimSpace(part[start+1 : end]))
		if err != nil {
			return ""
		}
		return target.Query().Get(param)
	}
	return ""
}

// parseRFC3339 returns the zero time for malformed input.
func parseRFC3339(raw string) time.Time {
	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}
	}
	return parsed.UTC()
}
