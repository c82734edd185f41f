// Package services holds the request orchestration behind the HTTP handlers.
package services

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"matchstream-go/pkg/interfaces"
	"matchstream-go/pkg/logging"
	"matchstream-go/pkg/playlist"
	"matchstream-go/pkg/rewriter"
	"matchstream-go/pkg/types"
	"matchstream-go/pkg/urlutil"
)

// ManifestContentType is the content type of every rewritten playlist.
const ManifestContentType = "application/vnd.apple.mpegURL"

// ProxyService fetches upstream resources and rewrites manifests so that
// every follow-up request comes back through the proxy.
type ProxyService struct {
	log       *logging.Logger
	fetcher   interfaces.Fetcher
	events    interfaces.EventPublisher
	rewriteOp []rewriter.Option
	maxBytes  int64
}

// NewProxyService creates a new proxy service. events may be nil.
// maxManifestBytes bounds playlists detected on the segment route; zero
// means unbounded.
func NewProxyService(
	log *logging.Logger,
	fetcher interfaces.Fetcher,
	events interfaces.EventPublisher,
	rewriteTagURIs bool,
	maxManifestBytes int64,
) *ProxyService {
	return &ProxyService{
		log:       log.WithComponent("proxy-service"),
		fetcher:   fetcher,
		events:    events,
		rewriteOp: []rewriter.Option{rewriter.WithTagURIs(rewriteTagURIs)},
		maxBytes:  maxManifestBytes,
	}
}

// Manifest fetches the playlist at req.TargetURL and returns it rewritten
// against req.Endpoints.
func (s *ProxyService) Manifest(ctx context.Context, req types.ProxyRequest) (string, error) {
	target := DecodeTarget(req.TargetURL)
	log := s.log.WithURL(target)
	log.Debug("handling manifest request")

	outcome, err := s.fetcher.Fetch(ctx, target, types.FetchText)
	if err != nil {
		s.publishFailure(types.ProxyKindManifest, target, err)
		return "", err
	}

	// Relative references resolve against the URL that served the body.
	origin := target
	if outcome.FinalURL != "" {
		origin = outcome.FinalURL
	}

	if summary, err := playlist.Inspect(outcome.Text); err == nil {
		log.Debug("decoded playlist", "summary", summary.String(), "encrypted", summary.Encrypted)
	} else {
		log.Debug("upstream body did not decode as a playlist", "error", err, "content_type", outcome.ContentType)
	}

	return rewriter.New(req.Endpoints, s.rewriteOp...).Rewrite(playlist.TrimBOM(outcome.Text), origin), nil
}

// Segment opens a streaming fetch of req.TargetURL. The caller closes the
// returned body.
//
// Child playlists without a playlist extension land here too. When the
// upstream answers with a playlist content type or a body opening with
// #EXTM3U, the body is read and rewritten against req.Endpoints.
func (s *ProxyService) Segment(ctx context.Context, req types.ProxyRequest) (*types.FetchOutcome, error) {
	target := DecodeTarget(req.TargetURL)
	s.log.Debug("handling segment request", "url", target)

	outcome, err := s.fetcher.Fetch(ctx, target, types.FetchBinary)
	if err != nil {
		s.publishFailure(types.ProxyKindSegment, target, err)
		return nil, err
	}

	if req.Endpoints.Manifest == "" {
		return outcome, nil
	}

	br := bufio.NewReader(outcome.Body)
	head, _ := br.Peek(playlist.SniffLen)
	body := readCloser{Reader: br, Closer: outcome.Body}
	if !playlist.IsMediaType(outcome.ContentType) && !playlist.HasMarker(head) {
		outcome.Body = body
		return outcome, nil
	}

	rewritten, err := s.rewriteStream(body, target, outcome, req.Endpoints)
	if err != nil {
		s.publishFailure(types.ProxyKindSegment, target, err)
		return nil, err
	}
	return rewritten, nil
}

// rewriteStream reads a playlist served on the segment route and returns it
// rewritten. body is always closed.
func (s *ProxyService) rewriteStream(body io.ReadCloser, target string, outcome *types.FetchOutcome, endpoints types.Endpoints) (*types.FetchOutcome, error) {
	defer body.Close()

	reader := io.Reader(body)
	if s.maxBytes > 0 {
		reader = io.LimitReader(body, s.maxBytes+1)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, &types.UpstreamError{Status: types.FetchNetworkError, URL: target, Err: err}
	}
	if s.maxBytes > 0 && int64(len(data)) > s.maxBytes {
		return nil, &types.UpstreamError{
			Status: types.FetchNetworkError,
			URL:    target,
			Err:    fmt.Errorf("playlist exceeds %d bytes", s.maxBytes),
		}
	}

	origin := target
	if outcome.FinalURL != "" {
		origin = outcome.FinalURL
	}
	text := rewriter.New(endpoints, s.rewriteOp...).Rewrite(playlist.TrimBOM(string(data)), origin)
	s.log.Debug("rewrote playlist served as segment", "url", target, "content_type", outcome.ContentType)

	return &types.FetchOutcome{
		Status:        types.FetchSuccess,
		StatusCode:    outcome.StatusCode,
		FinalURL:      outcome.FinalURL,
		ContentType:   ManifestContentType,
		ContentLength: strconv.Itoa(len(text)),
		CacheControl:  "no-cache",
		Text:          text,
		Body:          io.NopCloser(strings.NewReader(text)),
	}, nil
}

type readCloser struct {
	io.Reader
	io.Closer
}

func (s *ProxyService) publishFailure(kind types.ProxyKind, target string, err error) {
	if s.events == nil {
		return
	}
	// Client disconnects are not upstream failures.
	if errors.Is(err, context.Canceled) {
		return
	}

	data := map[string]any{
		"kind":  string(kind),
		"url":   target,
		"error": err.Error(),
	}
	var vErr *types.ValidationError
	if errors.As(err, &vErr) {
		data["status"] = "validation"
	} else {
		data["status"] = string(types.StatusOf(err))
		var upErr *types.UpstreamError
		if errors.As(err, &upErr) && upErr.StatusCode != 0 {
			data["status_code"] = upErr.StatusCode
		}
	}
	s.events.Publish(types.Event{Type: types.EventProxyError, Data: data})
}

// DecodeTarget accepts a plain target URL or a base64 encoded one. Values
// that do not decode to an http(s) URL are returned unchanged for
// validation to reject.
func DecodeTarget(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.Contains(raw, "://") {
		return raw
	}

	padded := raw
	switch len(raw) % 4 {
	case 2:
		padded += "=="
	case 3:
		padded += "="
	}

	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding} {
		if decoded, err := enc.DecodeString(padded); err == nil {
			if s := string(decoded); urlutil.HasHTTPScheme(s) {
				return s
			}
		}
	}
	return raw
}
