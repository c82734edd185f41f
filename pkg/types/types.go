// Package types defines core domain types used throughout the application.
package types

import (
	"errors"
	"fmt"
	"io"
	"time"
)

// SourceKind identifies how a stream source is played back.
type SourceKind string

const (
	SourceKindHLS     SourceKind = "hls"
	SourceKindDirect  SourceKind = "direct"
	SourceKindIframe  SourceKind = "iframe"
	SourceKindYouTube SourceKind = "youtube"
	SourceKindVimeo   SourceKind = "vimeo"
)

// ParseSourceKind maps a declared link type onto a SourceKind.
// Unknown or empty values return ok=false.
func ParseSourceKind(s string) (SourceKind, bool) {
	switch SourceKind(s) {
	case SourceKindHLS, SourceKindDirect, SourceKindIframe, SourceKindYouTube, SourceKindVimeo:
		return SourceKind(s), true
	case "m3u8":
		return SourceKindHLS, true
	case "embed":
		return SourceKindIframe, true
	}
	return "", false
}

// StreamSource is one playable source of a match.
type StreamSource struct {
	URL     string     `json:"url"`
	Kind    SourceKind `json:"kind"`
	Quality string     `json:"quality,omitempty"`
}

// StreamLink is a streaming link record as kept by the link store.
type StreamLink struct {
	ID      string `json:"id"`
	URL     string `json:"url"`
	Type    string `json:"type"`
	Quality string `json:"quality,omitempty"`
	Views   int64  `json:"views"`
	Active  bool   `json:"active"`
}

// MatchStatus is the lifecycle status of a match.
type MatchStatus string

const (
	MatchStatusScheduled MatchStatus = "scheduled"
	MatchStatusLive      MatchStatus = "live"
	MatchStatusEnded     MatchStatus = "ended"
)

// Match is a match record with its streaming links.
type Match struct {
	ID            string       `json:"id"`
	Title         string       `json:"title"`
	Status        MatchStatus  `json:"status"`
	StartsAt      time.Time    `json:"starts_at"`
	AccessOpensAt time.Time    `json:"access_opens_at,omitempty"`
	Links         []StreamLink `json:"links"`
}

// PlaybackAuthorized reports whether viewers may start playback at now.
func (m *Match) PlaybackAuthorized(now time.Time) bool {
	if m.Status == MatchStatusLive {
		return true
	}
	if m.Status == MatchStatusEnded {
		return false
	}
	return !m.AccessOpensAt.IsZero() && !now.Before(m.AccessOpensAt)
}

// LineKind classifies a single playlist line.
type LineKind int

const (
	LineComment LineKind = iota
	LineEmpty
	LineDataURI
	LineAlreadyProxied
	LineAbsoluteURL
	LineProtocolRelative
	LineRootRelativePath
	LineRelativePath
)

var lineKindNames = map[LineKind]string{
	LineComment:          "comment",
	LineEmpty:            "empty",
	LineDataURI:          "data_uri",
	LineAlreadyProxied:   "already_proxied",
	LineAbsoluteURL:      "absolute_url",
	LineProtocolRelative: "protocol_relative",
	LineRootRelativePath: "root_relative_path",
	LineRelativePath:     "relative_path",
}

func (k LineKind) String() string {
	if name, ok := lineKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("LineKind(%d)", int(k))
}

// Rewritable reports whether lines of this kind are routed through the proxy.
func (k LineKind) Rewritable() bool {
	return k >= LineAbsoluteURL
}

// ProxyKind identifies which proxy endpoint serves a request.
type ProxyKind string

const (
	ProxyKindManifest ProxyKind = "manifest"
	ProxyKindSegment  ProxyKind = "segment"
)

// ProxyRequest is an inbound request to a proxy endpoint.
type ProxyRequest struct {
	TargetURL string
	Kind      ProxyKind
	// Endpoints are the absolute URLs of this deployment's proxy routes,
	// used when rewriting manifests.
	Endpoints Endpoints
}

// Endpoints holds the absolute URLs of the manifest and segment proxy routes.
type Endpoints struct {
	Manifest string
	Segment  string
}

// FetchMode selects how the upstream body is handed back.
type FetchMode int

const (
	FetchText FetchMode = iota
	FetchBinary
)

func (m FetchMode) String() string {
	if m == FetchBinary {
		return "binary"
	}
	return "text"
}

// FetchStatus classifies the outcome of an upstream fetch.
type FetchStatus string

const (
	FetchSuccess      FetchStatus = "success"
	FetchTimeout      FetchStatus = "timeout"
	FetchHTTPError    FetchStatus = "http_error"
	FetchNetworkError FetchStatus = "network_error"
)

// FetchOutcome is a successful upstream response.
// In text mode Text holds the body and Body is nil; in binary mode Body
// must be closed by the caller.
type FetchOutcome struct {
	Status        FetchStatus
	StatusCode    int
	FinalURL      string
	ContentType   string
	ContentLength string
	CacheControl  string
	Text          string
	Body          io.ReadCloser
}

// ValidationError is returned for a missing, malformed or disallowed target URL.
type ValidationError struct {
	Message string
	URL     string
}

func (e *ValidationError) Error() string {
	if e.URL == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Message, e.URL)
}

// UpstreamError is returned when the upstream fetch did not succeed.
type UpstreamError struct {
	Status     FetchStatus
	StatusCode int
	URL        string
	Err        error
}

func (e *UpstreamError) Error() string {
	switch e.Status {
	case FetchHTTPError:
		return fmt.Sprintf("upstream returned status %d", e.StatusCode)
	case FetchTimeout:
		return fmt.Sprintf("upstream request timed out: %v", e.Err)
	}
	return fmt.Sprintf("upstream request failed: %v", e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// StatusOf returns the fetch status carried by err.
func StatusOf(err error) FetchStatus {
	if err == nil {
		return FetchSuccess
	}
	var upErr *UpstreamError
	if errors.As(err, &upErr) {
		return upErr.Status
	}
	return FetchNetworkError
}

// Principal is the authenticated caller of an API request.
type Principal struct {
	UserID  string
	IsAdmin bool
}

// ErrMatchNotFound is returned when a match ID is unknown.
var ErrMatchNotFound = errors.New("match not found")

// Event is a server event delivered to subscribers of the event stream.
type Event struct {
	Type string         `json:"type"`
	Time time.Time      `json:"time"`
	Data map[string]any `json:"data,omitempty"`
}

// Event types.
const (
	EventProxyError = "proxy.error"
)

// PlaybackMode is the kind of player a source needs.
type PlaybackMode string

const (
	PlaybackEmbed    PlaybackMode = "embed"
	PlaybackAdaptive PlaybackMode = "adaptive"
	PlaybackNative   PlaybackMode = "native"
)

// LoadRequest asks a player engine to load one source.
type LoadRequest struct {
	Source StreamSource
	// URL is the address actually loaded: the source URL, or its proxied
	// form when UsingProxy is set.
	URL        string
	UsingProxy bool
}

// EngineEventKind distinguishes engine readiness from failures.
type EngineEventKind int

const (
	EngineReady EngineEventKind = iota
	EngineError
)

// EngineErrorType is the broad class of a player error.
type EngineErrorType string

const (
	ErrorTypeNetwork EngineErrorType = "network"
	ErrorTypeMedia   EngineErrorType = "media"
	ErrorTypeOther   EngineErrorType = "other"
)

// EngineErrorDetail narrows a player error down to what failed.
type EngineErrorDetail string

const (
	DetailManifestLoadError   EngineErrorDetail = "manifest_load_error"
	DetailManifestLoadTimeout EngineErrorDetail = "manifest_load_timeout"
	DetailManifestParseError  EngineErrorDetail = "manifest_parsing_error"
	DetailLevelLoadError      EngineErrorDetail = "level_load_error"
	DetailFragmentLoadError   EngineErrorDetail = "fragment_load_error"
	DetailMediaDecodeError    EngineErrorDetail = "media_decode_error"
	DetailUnknown             EngineErrorDetail = "unknown"
)

// EngineEvent is reported by a player engine while it loads or plays.
type EngineEvent struct {
	Kind   EngineEventKind
	Fatal  bool
	Type   EngineErrorType
	Detail EngineErrorDetail
	Err    error
}

// IsManifestLoadFailure reports whether e is a failed or timed out
// manifest load.
func (e EngineEvent) IsManifestLoadFailure() bool {
	return e.Type == ErrorTypeNetwork &&
		(e.Detail == DetailManifestLoadError || e.Detail == DetailManifestLoadTimeout)
}
