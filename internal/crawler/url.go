package crawler

import (
	"fmt"
	"net/url"
	"strings"
)

// NormalizeKey standardizes a URL into a VisitKey so the same location never
// appears under two spellings. It lowercases the scheme and host, strips
// default ports and fragments, sorts query parameters, and trims a trailing
// slash from non-root paths.
func NormalizeKey(rawURL string) (VisitKey, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("url %q is not absolute", rawURL)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	if u.Scheme == "http" {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	u.Fragment = ""

	// Encode re-emits parameters in sorted order.
	u.RawQuery = u.Query().Encode()

	if u.Path != "/" {
		u.Path = strings.TrimSuffix(u.Path, "/")
	}

	return VisitKey(u.String()), nil
}

// ProductKeyFor derives the product key from a detail-page location.
func ProductKeyFor(key VisitKey) ProductKey {
	return ProductKey(key)
}
