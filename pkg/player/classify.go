// Package player implements the client playback fallback protocol: source
// classification, the pure attempt state machine and a Controller that
// drives player engines through it.
package player

import (
	"net/url"
	"strings"

	"matchstream-go/pkg/types"
	"matchstream-go/pkg/urlutil"

	"github.com/samber/lo"
)

var (
	youtubeHosts = []string{"youtube.com", "youtu.be", "youtube-nocookie.com"}
	vimeoHosts   = []string{"vimeo.com"}
)

// Classify decides how a source is played from its URL and declared type.
// Known embed hosts win over the declared type; unknown sources are
// treated as direct media.
func Classify(rawURL, declared string) types.SourceKind {
	host := hostOf(rawURL)
	switch {
	case matchesHost(host, youtubeHosts):
		return types.SourceKindYouTube
	case matchesHost(host, vimeoHosts):
		return types.SourceKindVimeo
	}

	kind, ok := types.ParseSourceKind(strings.ToLower(strings.TrimSpace(declared)))
	if ok && kind != types.SourceKindHLS && kind != types.SourceKindDirect {
		return kind
	}
	if urlutil.IsPlaylist(rawURL) || kind == types.SourceKindHLS {
		return types.SourceKindHLS
	}
	return types.SourceKindDirect
}

// ModeFor returns the playback mode for a source kind.
func ModeFor(kind types.SourceKind) types.PlaybackMode {
	switch kind {
	case types.SourceKindHLS:
		return types.PlaybackAdaptive
	case types.SourceKindIframe, types.SourceKindYouTube, types.SourceKindVimeo:
		return types.PlaybackEmbed
	}
	return types.PlaybackNative
}

// SourcesFromLinks classifies stored links into playable sources,
// keeping their order.
func SourcesFromLinks(links []types.StreamLink) []types.StreamSource {
	return lo.Map(links, func(l types.StreamLink, _ int) types.StreamSource {
		return types.StreamSource{
			URL:     l.URL,
			Kind:    Classify(l.URL, l.Type),
			Quality: l.Quality,
		}
	})
}

// EmbedURL returns the embeddable player URL for YouTube and Vimeo
// watch links. Other URLs are returned unchanged.
func EmbedURL(source types.StreamSource) string {
	u, err := url.Parse(source.URL)
	if err != nil {
		return source.URL
	}

	switch source.Kind {
	case types.SourceKindYouTube:
		if strings.HasPrefix(u.Path, "/embed/") {
			return source.URL
		}
		id := u.Query().Get("v")
		if id == "" && strings.HasSuffix(strings.ToLower(u.Hostname()), "youtu.be") {
			id = strings.Trim(u.Path, "/")
		}
		if id == "" {
			if live, ok := strings.CutPrefix(u.Path, "/live/"); ok {
				id = strings.Trim(live, "/")
			}
		}
		if id != "" {
			return "https://www.youtube.com/embed/" + id
		}
	case types.SourceKindVimeo:
		if strings.HasPrefix(strings.ToLower(u.Hostname()), "player.") {
			return source.URL
		}
		segments := lo.Filter(strings.Split(u.Path, "/"), func(s string, _ int) bool { return s != "" })
		if len(segments) > 0 {
			return "https://player.vimeo.com/video/" + segments[len(segments)-1]
		}
	}
	return source.URL
}

func hostOf(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

func matchesHost(host string, domains []string) bool {
	return lo.SomeBy(domains, func(d string) bool {
		return host == d || strings.HasSuffix(host, "."+d)
	})
}
