// Package upstream retrieves manifests and segments from stream origins.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"matchstream-go/pkg/config"
	"matchstream-go/pkg/interfaces"
	"matchstream-go/pkg/logging"
	"matchstream-go/pkg/metrics"
	"matchstream-go/pkg/types"
	"matchstream-go/pkg/urlutil"

	"github.com/elnormous/contenttype"
)

// ErrManifestTooLarge is returned in text mode when the body exceeds the
// configured limit.
var ErrManifestTooLarge = errors.New("manifest exceeds size limit")

const acceptLanguage = "en-US,en;q=0.9"

var extensionTypes = map[string]string{
	"ts":   "video/mp2t",
	"m4s":  "video/iso.segment",
	"key":  "application/octet-stream",
	"m3u8": "application/vnd.apple.mpegURL",
}

const defaultContentType = "application/octet-stream"

// Fetcher performs bounded GET requests against stream origins.
type Fetcher struct {
	client    interfaces.HTTPClient
	userAgent string
	timeout   time.Duration
	maxBytes  int64
	metrics   *metrics.Metrics
	log       *logging.Logger
}

// New creates a Fetcher sending requests through client.
func New(client interfaces.HTTPClient, cfg *config.Config, m *metrics.Metrics, log *logging.Logger) *Fetcher {
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = config.DefaultUserAgent
	}
	return &Fetcher{
		client:    client,
		userAgent: userAgent,
		timeout:   cfg.UpstreamTimeout,
		maxBytes:  cfg.MaxManifestBytes,
		metrics:   m,
		log:       log.WithComponent("upstream"),
	}
}

// Fetch retrieves rawURL. The target is validated before any network
// activity; failures are returned as *types.ValidationError or
// *types.UpstreamError. In binary mode the caller must close the body.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, mode types.FetchMode) (*types.FetchOutcome, error) {
	target, err := urlutil.ValidateTarget(rawURL)
	if err != nil {
		return nil, err
	}
	targetURL := target.String()

	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		outcome, err := f.do(ctx, targetURL, mode, cancel)
		if err != nil || mode == types.FetchText {
			cancel()
		}
		return outcome, err
	}
	return f.do(ctx, targetURL, mode, func() {})
}

func (f *Fetcher) do(ctx context.Context, targetURL string, mode types.FetchMode, cancel context.CancelFunc) (*types.FetchOutcome, error) {
	log := f.log.WithURL(targetURL).With("mode", mode.String())
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL, nil)
	if err != nil {
		return nil, &types.ValidationError{Message: urlutil.MsgInvalidURL, URL: targetURL}
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Accept-Language", acceptLanguage)

	resp, err := f.client.Do(req)
	if err != nil {
		upErr := classify(targetURL, err)
		f.metrics.ObserveFetch(mode.String(), string(upErr.Status), time.Since(start))
		log.Warn("upstream request failed", "status", upErr.Status, "error", err)
		return nil, upErr
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		f.metrics.ObserveFetch(mode.String(), string(types.FetchHTTPError), time.Since(start))
		log.Warn("upstream returned error status", "status_code", resp.StatusCode)
		return nil, &types.UpstreamError{
			Status:     types.FetchHTTPError,
			StatusCode: resp.StatusCode,
			URL:        targetURL,
		}
	}

	outcome := &types.FetchOutcome{
		Status:        types.FetchSuccess,
		StatusCode:    resp.StatusCode,
		FinalURL:      resp.Request.URL.String(),
		ContentLength: resp.Header.Get("Content-Length"),
		CacheControl:  resp.Header.Get("Cache-Control"),
	}
	f.metrics.ObserveFetch(mode.String(), string(types.FetchSuccess), time.Since(start))

	if mode == types.FetchBinary {
		outcome.ContentType = ContentTypeFor(resp.Header.Get("Content-Type"), targetURL)
		outcome.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
		log.Debug("streaming upstream body", "content_type", outcome.ContentType, "content_length", outcome.ContentLength)
		return outcome, nil
	}

	defer resp.Body.Close()
	outcome.ContentType = resp.Header.Get("Content-Type")

	reader := io.Reader(resp.Body)
	if f.maxBytes > 0 {
		reader = io.LimitReader(resp.Body, f.maxBytes+1)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		upErr := classify(targetURL, err)
		log.Warn("reading upstream body failed", "status", upErr.Status, "error", err)
		return nil, upErr
	}
	if f.maxBytes > 0 && int64(len(body)) > f.maxBytes {
		return nil, &types.UpstreamError{
			Status: types.FetchNetworkError,
			URL:    targetURL,
			Err:    fmt.Errorf("%w (%d bytes)", ErrManifestTooLarge, f.maxBytes),
		}
	}

	outcome.Text = string(body)
	log.Debug("fetched manifest", "bytes", len(body), "duration_ms", time.Since(start).Milliseconds())
	return outcome, nil
}

// classify maps a transport error onto a fetch status.
func classify(targetURL string, err error) *types.UpstreamError {
	status := types.FetchNetworkError
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		status = types.FetchTimeout
	}
	return &types.UpstreamError{Status: status, URL: targetURL, Err: err}
}

// ContentTypeFor returns the upstream content type when it parses as a
// media type, else a type inferred from the URL's file extension.
func ContentTypeFor(header, targetURL string) string {
	if header = strings.TrimSpace(header); header != "" {
		if mt := contenttype.NewMediaType(header); mt.Type != "" && mt.Subtype != "" {
			return header
		}
	}
	return ContentTypeForExtension(targetURL)
}

// ContentTypeForExtension infers a content type from the URL path.
func ContentTypeForExtension(targetURL string) string {
	if ct, ok := extensionTypes[urlutil.Extension(targetURL)]; ok {
		return ct
	}
	return defaultContentType
}

// cancelOnClose releases the request deadline together with the body.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
