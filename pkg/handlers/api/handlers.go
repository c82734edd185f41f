// Package api provides HTTP handlers for the match and server API.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"matchstream-go/pkg/appctx"
	"matchstream-go/pkg/auth"
	proxyhandlers "matchstream-go/pkg/handlers/proxy"
	"matchstream-go/pkg/logging"
	"matchstream-go/pkg/middleware"
	"matchstream-go/pkg/player"
	"matchstream-go/pkg/rewriter"
	"matchstream-go/pkg/types"

	"github.com/gorilla/mux"
	"github.com/samber/lo"
)

// Version is reported by /api/info and the CLI.
const Version = "1.0.0"

const (
	sseRetryMillis   = 2000
	defaultKeepAlive = 15 * time.Second
	defaultTokenTTL  = 24 * time.Hour
)

// Handlers contains all API handlers.
type Handlers struct {
	ctx       *appctx.Context
	log       *logging.Logger
	now       func() time.Time
	keepAlive time.Duration
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(ctx *appctx.Context) *Handlers {
	return &Handlers{
		ctx:       ctx,
		log:       ctx.Log.WithComponent("api"),
		now:       time.Now,
		keepAlive: defaultKeepAlive,
	}
}

// RegisterRoutes registers all API routes.
func (h *Handlers) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/health", h.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/info", h.handleAPIInfo).Methods(http.MethodGet)
	r.HandleFunc("/api/matches/{id}/links", h.handleMatchLinks).Methods(http.MethodGet)

	// Admin routes
	r.Handle("/api/tokens", middleware.RequireAdmin(http.HandlerFunc(h.handleCreateToken))).Methods(http.MethodPost)
	if h.ctx.Events != nil {
		r.Handle("/api/events", middleware.RequireAdmin(http.HandlerFunc(h.handleEvents))).Methods(http.MethodGet)
	}
}

func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleAPIInfo returns server status as JSON.
func (h *Handlers) handleAPIInfo(w http.ResponseWriter, r *http.Request) {
	base := proxyhandlers.PublicBaseURL(r, h.ctx.BaseURL)
	info := map[string]any{
		"status":  "running",
		"version": Version,
		"endpoints": map[string]string{
			"manifest": base + proxyhandlers.ManifestPath,
			"segment":  base + proxyhandlers.SegmentPath,
		},
	}
	if h.ctx.Events != nil {
		info["event_subscribers"] = h.ctx.Events.Subscribers()
	}
	h.writeJSON(w, http.StatusOK, info)
}

type matchInfo struct {
	ID       string            `json:"id"`
	Title    string            `json:"title"`
	Status   types.MatchStatus `json:"status"`
	StartsAt time.Time         `json:"starts_at"`
}

type sourceInfo struct {
	ID       string             `json:"id,omitempty"`
	URL      string             `json:"url"`
	Kind     types.SourceKind   `json:"kind"`
	Mode     types.PlaybackMode `json:"mode"`
	Quality  string             `json:"quality,omitempty"`
	Views    int64              `json:"views"`
	Active   bool               `json:"active"`
	EmbedURL string             `json:"embed_url,omitempty"`
	ProxyURL string             `json:"proxy_url,omitempty"`
}

type linksResponse struct {
	Match    matchInfo    `json:"match"`
	Autoplay bool         `json:"autoplay"`
	Sources  []sourceInfo `json:"sources"`
}

// handleMatchLinks returns the sources of a match in playback order.
func (h *Handlers) handleMatchLinks(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	caller := auth.PrincipalFrom(r.Context())

	match, err := h.ctx.Links.GetMatch(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, id, err)
		return
	}
	links, err := h.ctx.Links.ListLinks(r.Context(), id, caller)
	if err != nil {
		h.writeStoreError(w, id, err)
		return
	}

	endpoint := proxyhandlers.PublicBaseURL(r, h.ctx.BaseURL) + proxyhandlers.ManifestPath
	proxy := rewriter.New(types.Endpoints{Manifest: endpoint})

	sources := lo.Map(links, func(l types.StreamLink, _ int) sourceInfo {
		kind := player.Classify(l.URL, l.Type)
		src := sourceInfo{
			ID:      l.ID,
			URL:     l.URL,
			Kind:    kind,
			Mode:    player.ModeFor(kind),
			Quality: l.Quality,
			Views:   l.Views,
			Active:  l.Active,
		}
		switch src.Mode {
		case types.PlaybackEmbed:
			src.EmbedURL = player.EmbedURL(types.StreamSource{URL: l.URL, Kind: kind})
		case types.PlaybackAdaptive:
			src.ProxyURL = proxy.ProxyURL(l.URL)
		}
		return src
	})

	h.writeJSON(w, http.StatusOK, linksResponse{
		Match: matchInfo{
			ID:       match.ID,
			Title:    match.Title,
			Status:   match.Status,
			StartsAt: match.StartsAt,
		},
		Autoplay: match.PlaybackAuthorized(h.now()),
		Sources:  sources,
	})
}

func (h *Handlers) writeStoreError(w http.ResponseWriter, id string, err error) {
	if errors.Is(err, types.ErrMatchNotFound) {
		h.writeError(w, http.StatusNotFound, "match not found")
		return
	}
	h.log.Error("link store failed", "match", id, "error", err)
	h.writeError(w, http.StatusInternalServerError, "failed to load links")
}

type tokenRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	TTL    string `json:"ttl"`
}

// handleCreateToken issues a bearer token for another user.
func (h *Handlers) handleCreateToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" {
		h.writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	ttl := defaultTokenTTL
	if req.TTL != "" {
		d, err := time.ParseDuration(req.TTL)
		if err != nil || d <= 0 {
			h.writeError(w, http.StatusBadRequest, "invalid ttl")
			return
		}
		ttl = d
	}

	token, err := h.ctx.Auth.CreateToken(req.UserID, req.Role, ttl)
	if errors.Is(err, auth.ErrTokensDisabled) {
		h.writeError(w, http.StatusNotImplemented, err.Error())
		return
	}
	if err != nil {
		h.log.Error("token signing failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to create token")
		return
	}

	h.writeJSON(w, http.StatusCreated, map[string]any{
		"token":      token,
		"expires_at": h.now().Add(ttl).UTC(),
	})
}

// handleEvents streams server events as server-sent events until the
// client goes away.
func (h *Handlers) handleEvents(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)
	// The stream outlives the server write timeout.
	_ = rc.SetWriteDeadline(time.Time{})

	events, cancel := h.ctx.Events.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "retry: %d\n\n", sseRetryMillis)
	if err := rc.Flush(); err != nil {
		h.log.Warn("event stream not flushable", "error", err)
		return
	}

	log := logging.FromContext(r.Context())
	log.Debug("event subscriber connected")

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			log.Debug("event subscriber disconnected")
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				log.Warn("event encoding failed", "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
		case <-ticker.C:
			fmt.Fprint(w, ": keepalive\n\n")
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (h *Handlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
