// Package proxy serves the manifest and segment proxy endpoints.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"matchstream-go/pkg/appctx"
	"matchstream-go/pkg/logging"
	"matchstream-go/pkg/metrics"
	"matchstream-go/pkg/services"
	"matchstream-go/pkg/types"

	"github.com/gorilla/mux"
)

// Route paths. The /api/matches forms are aliases kept for existing players.
const (
	ManifestPath      = "/proxy/manifest"
	SegmentPath       = "/proxy/segment"
	ManifestAliasPath = "/api/matches/proxy"
	SegmentAliasPath  = "/api/matches/proxy-segment"
)

// Handlers serves the proxy routes.
type Handlers struct {
	svc     *services.ProxyService
	baseURL string
	metrics *metrics.Metrics
	log     *logging.Logger
}

// NewHandlers creates proxy handlers from the application context. When
// ctx.BaseURL is empty the public URL is derived from each request.
func NewHandlers(ctx *appctx.Context) *Handlers {
	return &Handlers{
		svc:     ctx.ProxyService,
		baseURL: strings.TrimSuffix(ctx.BaseURL, "/"),
		metrics: ctx.Metrics,
		log:     ctx.Log.WithComponent("proxy-handlers"),
	}
}

// RegisterRoutes registers the proxy routes on r.
func (h *Handlers) RegisterRoutes(r *mux.Router) {
	r.HandleFunc(ManifestPath, h.handleManifest).Methods(http.MethodGet)
	r.HandleFunc(SegmentPath, h.handleSegment).Methods(http.MethodGet)
	r.HandleFunc(ManifestAliasPath, h.handleManifest).Methods(http.MethodGet)
	r.HandleFunc(SegmentAliasPath, h.handleSegment).Methods(http.MethodGet)
}

func (h *Handlers) handleManifest(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("url")
	req := types.ProxyRequest{
		TargetURL: target,
		Kind:      types.ProxyKindManifest,
		Endpoints: h.endpointsFor(r),
	}

	body, err := h.svc.Manifest(r.Context(), req)
	if err != nil {
		h.writeProxyError(w, r, types.ProxyKindManifest, target, err)
		return
	}

	h.metrics.ObserveProxy(string(types.ProxyKindManifest), string(types.FetchSuccess))
	w.Header().Set("Content-Type", services.ManifestContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, body)
}

func (h *Handlers) handleSegment(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("url")
	req := types.ProxyRequest{
		TargetURL: target,
		Kind:      types.ProxyKindSegment,
		Endpoints: h.endpointsFor(r),
	}

	outcome, err := h.svc.Segment(r.Context(), req)
	if err != nil {
		h.writeProxyError(w, r, types.ProxyKindSegment, target, err)
		return
	}
	defer outcome.Body.Close()

	h.metrics.ObserveProxy(string(types.ProxyKindSegment), string(types.FetchSuccess))
	w.Header().Set("Content-Type", outcome.ContentType)
	if outcome.ContentLength != "" {
		w.Header().Set("Content-Length", outcome.ContentLength)
	}
	if outcome.CacheControl != "" {
		w.Header().Set("Cache-Control", outcome.CacheControl)
	}
	w.WriteHeader(http.StatusOK)

	if n, err := io.Copy(w, outcome.Body); err != nil {
		h.log.Debug("segment copy interrupted", "url", target, "bytes", n, "error", err)
	}
}

// endpointsFor returns the absolute proxy URLs to embed in a manifest
// served for r. Requests on the alias routes get alias endpoints.
func (h *Handlers) endpointsFor(r *http.Request) types.Endpoints {
	base := PublicBaseURL(r, h.baseURL)
	if strings.HasPrefix(r.URL.Path, "/api/matches/") {
		return types.Endpoints{Manifest: base + ManifestAliasPath, Segment: base + SegmentAliasPath}
	}
	return types.Endpoints{Manifest: base + ManifestPath, Segment: base + SegmentPath}
}

// PublicBaseURL returns configured when set, otherwise the scheme and host
// the client used to reach this server.
func PublicBaseURL(r *http.Request, configured string) string {
	if configured != "" {
		return strings.TrimSuffix(configured, "/")
	}

	scheme := firstValue(r.Header.Get("X-Forwarded-Proto"))
	if scheme == "" {
		scheme = "http"
		if r.TLS != nil {
			scheme = "https"
		}
	}

	host := firstValue(r.Header.Get("X-Forwarded-Host"))
	if host == "" {
		host = r.Host
	}
	return scheme + "://" + host
}

func firstValue(header string) string {
	if i := strings.IndexByte(header, ','); i >= 0 {
		header = header[:i]
	}
	return strings.TrimSpace(header)
}

// writeProxyError maps a failed proxy operation onto a JSON error response.
func (h *Handlers) writeProxyError(w http.ResponseWriter, r *http.Request, kind types.ProxyKind, target string, err error) {
	log := h.log.With("kind", string(kind), "url", target)

	var vErr *types.ValidationError
	if errors.As(err, &vErr) {
		h.metrics.ObserveProxy(string(kind), "validation")
		log.Debug("rejected proxy request", "error", err)
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": vErr.Message, "url": target})
		return
	}

	if errors.Is(r.Context().Err(), context.Canceled) {
		h.metrics.ObserveProxy(string(kind), "canceled")
		log.Debug("client went away during upstream fetch")
		return
	}

	var upErr *types.UpstreamError
	errors.As(err, &upErr)
	status := types.StatusOf(err)
	h.metrics.ObserveProxy(string(kind), string(status))

	switch status {
	case types.FetchHTTPError:
		log.Warn("upstream returned error status", "status_code", upErr.StatusCode)
		writeJSON(w, upErr.StatusCode, map[string]any{
			"error":  "Proxy failed",
			"detail": err.Error(),
			"status": upErr.StatusCode,
			"url":    target,
		})
	case types.FetchTimeout:
		log.Warn("upstream request timed out", "error", err)
		writeJSON(w, http.StatusGatewayTimeout, map[string]any{
			"error":   "Request timeout",
			"message": fmt.Sprintf("Upstream did not respond in time: %v", err),
			"url":     target,
		})
	default:
		log.Error("proxy request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error":  "Proxy failed",
			"detail": err.Error(),
			"url":    target,
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
