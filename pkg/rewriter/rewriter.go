// Package rewriter rewrites HLS playlists so that every referenced
// resource is fetched through this server's proxy endpoints.
package rewriter

import (
	"net/url"
	"regexp"
	"strings"

	"matchstream-go/pkg/types"
	"matchstream-go/pkg/urlutil"
)

// Tags whose URI attribute names a fetchable resource.
var uriTags = []string{
	"#EXT-X-KEY",
	"#EXT-X-SESSION-KEY",
	"#EXT-X-MAP",
	"#EXT-X-MEDIA",
	"#EXT-X-I-FRAME-STREAM-INF",
	"#EXT-X-PART",
	"#EXT-X-PRELOAD-HINT",
	"#EXT-X-RENDITION-REPORT",
}

var uriAttr = regexp.MustCompile(`URI="([^"]*)"`)

// Option configures a Rewriter.
type Option func(*Rewriter)

// WithTagURIs enables rewriting of URI="..." attributes inside tags.
// Disabled by default: tag lines are then emitted byte-for-byte.
func WithTagURIs(enabled bool) Option {
	return func(r *Rewriter) {
		r.tagURIs = enabled
	}
}

// Rewriter routes playlist references through a pair of proxy endpoints.
// It holds no mutable state and is safe for concurrent use.
type Rewriter struct {
	endpoints types.Endpoints
	tagURIs   bool
}

// New creates a Rewriter. If only one endpoint is set it serves both roles.
func New(endpoints types.Endpoints, opts ...Option) *Rewriter {
	if endpoints.Manifest == "" {
		endpoints.Manifest = endpoints.Segment
	}
	if endpoints.Segment == "" {
		endpoints.Segment = endpoints.Manifest
	}

	r := &Rewriter{endpoints: endpoints}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Rewrite rewrites manifest text fetched from originURL into a single
// proxyEndpoint. Running it again on its own output changes nothing.
func Rewrite(manifest, originURL, proxyEndpoint string) string {
	return New(types.Endpoints{Manifest: proxyEndpoint}).Rewrite(manifest, originURL)
}

// Rewrite rewrites every content line of manifest into a proxied absolute
// URL. Comments, blank lines and data: URIs are returned unchanged, as are
// lines that already point at one of the endpoints.
func (r *Rewriter) Rewrite(manifest, originURL string) string {
	lines := strings.Split(manifest, "\n")
	for i, line := range lines {
		kind := r.ClassifyLine(line)
		switch {
		case kind == types.LineComment && r.tagURIs:
			lines[i] = r.rewriteTag(line, originURL)
		case kind.Rewritable():
			lines[i] = r.ProxyURL(urlutil.ResolveURL(line, originURL))
		}
	}
	return strings.Join(lines, "\n")
}

// ClassifyLine reports how a single playlist line is treated.
func (r *Rewriter) ClassifyLine(line string) types.LineKind {
	trimmed := strings.TrimSpace(line)
	switch {
	case trimmed == "":
		return types.LineEmpty
	case strings.HasPrefix(trimmed, "#"):
		return types.LineComment
	case strings.HasPrefix(strings.ToLower(trimmed), "data:"):
		return types.LineDataURI
	case r.isProxied(trimmed):
		return types.LineAlreadyProxied
	case urlutil.HasHTTPScheme(trimmed):
		return types.LineAbsoluteURL
	case strings.HasPrefix(trimmed, "//"):
		return types.LineProtocolRelative
	case strings.HasPrefix(trimmed, "/"):
		return types.LineRootRelativePath
	}
	return types.LineRelativePath
}

// ProxyURL returns the proxied form of an absolute upstream URL.
// Playlists go to the manifest endpoint, everything else to the segment endpoint.
func (r *Rewriter) ProxyURL(absURL string) string {
	endpoint := r.endpoints.Segment
	if urlutil.IsPlaylist(absURL) {
		endpoint = r.endpoints.Manifest
	}

	sep := "?"
	if strings.Contains(endpoint, "?") {
		sep = "&"
	}
	return endpoint + sep + "url=" + url.QueryEscape(absURL)
}

func (r *Rewriter) isProxied(s string) bool {
	if r.endpoints.Manifest != "" && strings.Contains(s, r.endpoints.Manifest) {
		return true
	}
	return r.endpoints.Segment != "" && strings.Contains(s, r.endpoints.Segment)
}

func (r *Rewriter) rewriteTag(line, originURL string) string {
	trimmed := strings.TrimSpace(line)
	matched := false
	for _, tag := range uriTags {
		if strings.HasPrefix(trimmed, tag+":") {
			matched = true
			break
		}
	}
	if !matched {
		return line
	}

	return uriAttr.ReplaceAllStringFunc(line, func(attr string) string {
		uri := attr[len(`URI="`) : len(attr)-1]
		if uri == "" || r.isProxied(uri) || hasForeignScheme(uri) {
			return attr
		}
		return `URI="` + r.ProxyURL(urlutil.ResolveURL(uri, originURL)) + `"`
	})
}

// hasForeignScheme reports whether uri carries a scheme other than http(s),
// such as data: or skd:.
func hasForeignScheme(uri string) bool {
	idx := strings.Index(uri, ":")
	if idx <= 0 || strings.ContainsAny(uri[:idx], "/?#") {
		return false
	}
	return !urlutil.HasHTTPScheme(uri)
}
