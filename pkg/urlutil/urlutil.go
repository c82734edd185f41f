// Package urlutil provides URL manipulation utilities that preserve original encoding.
package urlutil

import (
	"net/url"
	"path"
	"strings"

	"matchstream-go/pkg/types"
)

// Validation messages returned to proxy clients.
const (
	MsgURLRequired   = "Stream URL is required"
	MsgInvalidURL    = "Invalid URL format"
	MsgSchemeBlocked = "Only HTTP/HTTPS URLs are allowed"
)

// ResolveURL resolves a playlist reference against the URL of the playlist
// that contains it.
//
// String manipulation is used instead of url.ResolveReference because the
// latter re-encodes characters (parentheses, brackets) that some CDNs sign.
// When baseURL cannot be parsed the result degrades to plain concatenation;
// ResolveURL never fails.
func ResolveURL(ref string, baseURL string) string {
	ref = strings.TrimSpace(ref)
	if HasHTTPScheme(ref) {
		return ref
	}

	origin := Origin(baseURL)

	if strings.HasPrefix(ref, "//") {
		scheme := "https"
		if i := strings.Index(origin, "://"); i > 0 {
			scheme = origin[:i]
		}
		return scheme + ":" + ref
	}

	if strings.HasPrefix(ref, "/") {
		if origin == "" {
			return strings.TrimSuffix(Directory(baseURL), "/") + ref
		}
		return origin + ref
	}

	dir := Directory(baseURL)
	for {
		switch {
		case strings.HasPrefix(ref, "./"):
			ref = ref[2:]
		case strings.HasPrefix(ref, "../"):
			ref = ref[3:]
			dir = parentDirectory(dir, origin)
		default:
			return dir + ref
		}
	}
}

// parentDirectory walks one level up from dir without leaving origin.
func parentDirectory(dir, origin string) string {
	trimmed := strings.TrimSuffix(dir, "/")
	if len(trimmed) <= len(origin) {
		return dir
	}
	idx := strings.LastIndex(trimmed, "/")
	if idx < len(origin) {
		return dir
	}
	return trimmed[:idx+1]
}

// Directory returns the directory portion of a URL (without the filename,
// query or fragment). Preserves original encoding.
func Directory(urlStr string) string {
	urlStr = stripQuery(urlStr)

	origin := Origin(urlStr)
	if origin != "" && len(urlStr) <= len(origin) {
		return origin + "/"
	}
	if lastSlash := strings.LastIndex(urlStr, "/"); lastSlash >= 0 {
		return urlStr[:lastSlash+1]
	}
	return ""
}

// Origin extracts scheme://host from a URL. For input net/url rejects it
// falls back to splitting the string; it returns "" when no scheme and
// host can be found.
func Origin(urlStr string) string {
	if parsed, err := url.Parse(urlStr); err == nil {
		if parsed.Scheme == "" || parsed.Host == "" {
			return ""
		}
		return parsed.Scheme + "://" + parsed.Host
	}

	i := strings.Index(urlStr, "://")
	if i <= 0 {
		return ""
	}
	rest := urlStr[i+3:]
	if j := strings.IndexAny(rest, "/?#"); j >= 0 {
		rest = rest[:j]
	}
	if rest == "" {
		return ""
	}
	return urlStr[:i+3] + rest
}

// HasHTTPScheme reports whether s is an absolute http or https URL.
func HasHTTPScheme(s string) bool {
	lower := strings.ToLower(s)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// IsPlaylist reports whether the URL path names an M3U/M3U8 playlist.
func IsPlaylist(urlStr string) bool {
	ext := strings.ToLower(path.Ext(stripQuery(urlStr)))
	return ext == ".m3u8" || ext == ".m3u"
}

// Extension returns the lower-cased file extension of the URL path,
// without the dot.
func Extension(urlStr string) string {
	return strings.TrimPrefix(strings.ToLower(path.Ext(stripQuery(urlStr))), ".")
}

// ValidateTarget checks that raw is a well-formed http or https URL.
func ValidateTarget(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, &types.ValidationError{Message: MsgURLRequired}
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, &types.ValidationError{Message: MsgInvalidURL, URL: raw}
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "" && scheme != "http" && scheme != "https" {
		return nil, &types.ValidationError{Message: MsgSchemeBlocked, URL: raw}
	}
	if scheme == "" || parsed.Host == "" {
		return nil, &types.ValidationError{Message: MsgInvalidURL, URL: raw}
	}
	return parsed, nil
}

func stripQuery(urlStr string) string {
	if idx := strings.IndexAny(urlStr, "?#"); idx >= 0 {
		return urlStr[:idx]
	}
	return urlStr
}
