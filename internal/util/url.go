package util

import (
	"fmt"
	"net/url"
	"strings"
)

// NormaliseURL trims whitespace and ensures the URL carries an http(s) scheme.
// Returns an empty string when the input cannot be parsed into a usable URL.
func NormaliseURL(rawURL string) string {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return ""
	}

	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		rawURL = "https://" + rawURL
	}

	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return ""
	}

	return rawURL
}

// ValidateURL checks that a string parses into an absolute http(s) URL.
func ValidateURL(rawURL string) (*url.URL, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL %q: %w", rawURL, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q in URL %q", parsed.Scheme, rawURL)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("missing host in URL %q", rawURL)
	}
	return parsed, nil
}

// SameDomain reports whether host belongs to baseHost: either an exact match
// or a subdomain of it. Comparison is case-insensitive and ignores ports.
func SameDomain(host, baseHost string) bool {
	host = strings.ToLower(stripPort(host))
	baseHost = strings.ToLower(stripPort(baseHost))

	if host == "" || baseHost == "" {
		return false
	}
	return host == baseHost || strings.HasSuffix(host, "."+baseHost)
}

func stripPort(host string) string {
	if i := strings.LastIndex(host, ":"); i != -1 && !strings.Contains(host[i:], "]") {
		return host[:i]
	}
	return host
}

// FirstPathSegment returns the first non-empty segment of a URL path,
// or an empty string for root paths.
func FirstPathSegment(path string) string {
	for _, seg := range strings.Split(path, "/") {
		if seg != "" {
			return seg
		}
	}
	return ""
}

// ResolveRef resolves a possibly-relative href against a base page URL and
// returns the absolute form. Fragment-only, javascript: and mailto: refs
// resolve to an empty string.
func ResolveRef(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" || href == "#" ||
		strings.HasPrefix(href, "javascript:") ||
		strings.HasPrefix(href, "mailto:") ||
		strings.HasPrefix(href, "data:") {
		return ""
	}

	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}

	resolved := base.ResolveReference(ref)
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return ""
	}
	resolved.Fragment = ""
	return resolved.String()
}
