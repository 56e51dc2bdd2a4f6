package monitor

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// NormalizeTarget normalizes a source target or item URL for comparison.
// For http/https URLs it lowercases scheme and host, removes the fragment,
// strips a trailing slash and sorts query parameters. Other schemes are
// returned as-is. http is never upgraded to https.
func NormalizeTarget(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: empty target", ErrInvalidInput)
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme == "" && strings.Contains(raw, " ") {
		return "", fmt.Errorf("%w: malformed target", ErrInvalidInput)
	}
	if scheme == "" && !strings.Contains(raw, "/") && !strings.Contains(raw, ".") {
		return "", fmt.Errorf("%w: malformed target", ErrInvalidInput)
	}
	if scheme != "http" && scheme != "https" {
		return raw, nil
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidInput)
	}

	parsed.Scheme = scheme
	parsed.Host = strings.ToLower(parsed.Host)
	parsed.Fragment = ""
	parsed.RawFragment = ""
	parsed.Path = strings.TrimRight(parsed.Path, "/")
	parsed.RawPath = ""

	if parsed.RawQuery != "" {
		params := parsed.Query()
		keys := make([]string, 0, len(params))
		for k := range params {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var buf strings.Builder
		for i, k := range keys {
			vals := params[k]
			sort.Strings(vals)
			for j, v := range vals {
				if i > 0 || j > 0 {
					buf.WriteByte('&')
				}
				buf.WriteString(url.QueryEscape(k))
				buf.WriteByte('=')
				buf.WriteString(url.QueryEscape(v))
			}
		}
		parsed.RawQuery = buf.String()
	}

	return parsed.String(), nil
}

// naturalKey is the identity of an item within its source: the adapter's
// explicit key when present, otherwise the normalized item URL.
func naturalKey(key, itemURL string) string {
	if k := strings.TrimSpace(key); k != "" {
		return k
	}
	if n, err := NormalizeTarget(itemURL); err == nil {
		return n
	}
	return strings.TrimSpace(itemURL)
}
