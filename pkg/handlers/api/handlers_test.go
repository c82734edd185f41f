package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"matchstream-go/pkg/appctx"
	"matchstream-go/pkg/auth"
	"matchstream-go/pkg/config"
	"matchstream-go/pkg/events"
	"matchstream-go/pkg/linkstore"
	"matchstream-go/pkg/logging"
	"matchstream-go/pkg/middleware"
	"matchstream-go/pkg/types"

	"github.com/gorilla/mux"
)

var kickoff = time.Date(2026, 5, 1, 19, 0, 0, 0, time.UTC)

func testMatches() []types.Match {
	return []types.Match{
		{
			ID:       "derby",
			Title:    "City vs United",
			Status:   types.MatchStatusLive,
			StartsAt: kickoff,
			Links: []types.StreamLink{
				{ID: "a", URL: "https://cdn-a.example.com/live/index.m3u8", Type: "hls", Views: 10, Active: true},
				{ID: "b", URL: "https://youtu.be/abc123", Type: "iframe", Views: 50, Active: true},
				{ID: "c", URL: "https://cdn-c.example.com/match.mp4", Type: "direct", Views: 99, Active: false},
			},
		},
		{
			ID:            "final",
			Title:         "Final",
			Status:        types.MatchStatusScheduled,
			StartsAt:      kickoff.Add(48 * time.Hour),
			AccessOpensAt: kickoff.Add(47 * time.Hour),
		},
	}
}

type testEnv struct {
	handler http.Handler
	ctx     *appctx.Context
}

func newTestEnv(t *testing.T, apiPassword, jwtSecret string) *testEnv {
	t.Helper()

	log := logging.Discard()
	cfg := &config.Config{
		APIPassword: apiPassword,
		JWTSecret:   jwtSecret,
		BaseURL:     "https://watch.example.com",
	}
	broadcaster := events.NewBroadcaster(log)
	t.Cleanup(func() { broadcaster.Close() })

	authn := auth.New(apiPassword, jwtSecret)
	ctx := appctx.New(cfg, log).
		WithEvents(broadcaster).
		WithLinks(linkstore.NewMemory(testMatches()...)).
		WithAuth(authn)

	h := NewHandlers(ctx)
	h.now = func() time.Time { return kickoff.Add(time.Hour) }
	h.keepAlive = 20 * time.Millisecond

	router := mux.NewRouter()
	h.RegisterRoutes(router)

	handler := middleware.Chain(router,
		middleware.Recovery(log),
		middleware.Logging(log),
		middleware.CORS,
		middleware.Auth(authn, log),
		middleware.RequestID,
	)
	return &testEnv{handler: handler, ctx: ctx}
}

func (e *testEnv) do(method, target, body string, mutate ...func(*http.Request)) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for _, m := range mutate {
		m(req)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func withPassword(p string) func(*http.Request) {
	return func(r *http.Request) { r.Header.Set("X-API-Password", p) }
}

func withBearer(token string) func(*http.Request) {
	return func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }
}

func decodeLinks(t *testing.T, rec *httptest.ResponseRecorder) linksResponse {
	t.Helper()
	var resp linksResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return resp
}

func TestMatchLinks_Viewer(t *testing.T) {
	env := newTestEnv(t, "secret", "")

	rec := env.do(http.MethodGet, "/api/matches/derby/links", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	resp := decodeLinks(t, rec)

	if resp.Match.ID != "derby" || resp.Match.Title != "City vs United" {
		t.Errorf("match = %+v", resp.Match)
	}
	if !resp.Autoplay {
		t.Error("live match should autoplay")
	}
	if len(resp.Sources) != 2 {
		t.Fatalf("sources = %d, want 2 (inactive hidden)", len(resp.Sources))
	}

	yt := resp.Sources[0]
	if yt.ID != "b" || yt.Kind != types.SourceKindYouTube || yt.Mode != types.PlaybackEmbed {
		t.Errorf("first source = %+v", yt)
	}
	if yt.EmbedURL != "https://www.youtube.com/embed/abc123" {
		t.Errorf("embed_url = %q", yt.EmbedURL)
	}
	if yt.ProxyURL != "" {
		t.Errorf("embed source has proxy_url %q", yt.ProxyURL)
	}

	hls := resp.Sources[1]
	if hls.Kind != types.SourceKindHLS || hls.Mode != types.PlaybackAdaptive {
		t.Errorf("second source = %+v", hls)
	}
	want := "https://watch.example.com/proxy/manifest?url=" + url.QueryEscape(hls.URL)
	if hls.ProxyURL != want {
		t.Errorf("proxy_url = %q, want %q", hls.ProxyURL, want)
	}
}

func TestMatchLinks_AdminSeesInactive(t *testing.T) {
	env := newTestEnv(t, "secret", "")

	rec := env.do(http.MethodGet, "/api/matches/derby/links", "", withPassword("secret"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decodeLinks(t, rec)

	var ids []string
	for _, s := range resp.Sources {
		ids = append(ids, s.ID)
	}
	if got := strings.Join(ids, ","); got != "c,b,a" {
		t.Errorf("order = %s, want c,b,a", got)
	}
	if resp.Sources[0].Mode != types.PlaybackNative || resp.Sources[0].Active {
		t.Errorf("inactive direct source = %+v", resp.Sources[0])
	}
}

func TestMatchLinks_AutoplayAndNotFound(t *testing.T) {
	env := newTestEnv(t, "", "")

	rec := env.do(http.MethodGet, "/api/matches/final/links", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decodeLinks(t, rec)
	if resp.Autoplay {
		t.Error("scheduled match before access opens should not autoplay")
	}
	if resp.Sources == nil || len(resp.Sources) != 0 {
		t.Errorf("sources = %#v, want empty list", resp.Sources)
	}

	rec = env.do(http.MethodGet, "/api/matches/unknown/links", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestInfoAndHealth(t *testing.T) {
	env := newTestEnv(t, "", "")

	rec := env.do(http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Errorf("health = %d %s", rec.Code, rec.Body.String())
	}

	rec = env.do(http.MethodGet, "/api/info", "")
	var info struct {
		Status    string            `json:"status"`
		Version   string            `json:"version"`
		Endpoints map[string]string `json:"endpoints"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&info); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if info.Status != "running" || info.Version != Version {
		t.Errorf("info = %+v", info)
	}
	if info.Endpoints["manifest"] != "https://watch.example.com/proxy/manifest" {
		t.Errorf("manifest endpoint = %q", info.Endpoints["manifest"])
	}
}

func TestCreateToken(t *testing.T) {
	env := newTestEnv(t, "secret", "signing-key")

	tests := []struct {
		name   string
		body   string
		mutate []func(*http.Request)
		status int
	}{
		{"anonymous", `{"user_id":"u1"}`, nil, http.StatusUnauthorized},
		{"missing user", `{}`, []func(*http.Request){withPassword("secret")}, http.StatusBadRequest},
		{"bad ttl", `{"user_id":"u1","ttl":"soon"}`, []func(*http.Request){withPassword("secret")}, http.StatusBadRequest},
		{"bad body", `{`, []func(*http.Request){withPassword("secret")}, http.StatusBadRequest},
		{"admin", `{"user_id":"u1","role":"viewer","ttl":"1h"}`, []func(*http.Request){withPassword("secret")}, http.StatusCreated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(http.MethodPost, "/api/tokens", tt.body, tt.mutate...)
			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d (%s)", rec.Code, tt.status, rec.Body.String())
			}
		})
	}

	t.Run("issued token authenticates", func(t *testing.T) {
		rec := env.do(http.MethodPost, "/api/tokens", `{"user_id":"u1","role":"viewer"}`, withPassword("secret"))
		var resp struct {
			Token string `json:"token"`
		}
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil || resp.Token == "" {
			t.Fatalf("decode token: %v", err)
		}

		// A viewer token is accepted but does not grant admin routes.
		rec = env.do(http.MethodGet, "/api/matches/derby/links", "", withBearer(resp.Token))
		if rec.Code != http.StatusOK {
			t.Errorf("links with token = %d", rec.Code)
		}
		rec = env.do(http.MethodPost, "/api/tokens", `{"user_id":"u2"}`, withBearer(resp.Token))
		if rec.Code != http.StatusForbidden {
			t.Errorf("viewer creating token = %d, want 403", rec.Code)
		}
	})

	t.Run("tokens disabled", func(t *testing.T) {
		env := newTestEnv(t, "secret", "")
		rec := env.do(http.MethodPost, "/api/tokens", `{"user_id":"u1"}`, withPassword("secret"))
		if rec.Code != http.StatusNotImplemented {
			t.Errorf("status = %d, want 501", rec.Code)
		}
	})
}

func TestEvents_RequiresAdmin(t *testing.T) {
	env := newTestEnv(t, "secret", "")

	rec := env.do(http.MethodGet, "/api/events", "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestEvents_Stream(t *testing.T) {
	env := newTestEnv(t, "secret", "")
	server := httptest.NewServer(env.handler)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/api/events", nil)
	req.Header.Set("X-API-Password", "secret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}
	if env.ctx.Events.Subscribers() != 1 {
		t.Fatalf("subscribers = %d, want 1", env.ctx.Events.Subscribers())
	}

	env.ctx.Events.Publish(types.Event{
		Type: types.EventProxyError,
		Data: map[string]any{"url": "https://origin.example.com/a.m3u8", "status": "timeout"},
	})

	reader := bufio.NewReader(resp.Body)
	var sawRetry bool
	var event, data string
	for data == "" {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "retry: 2000":
			sawRetry = true
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
	}

	if !sawRetry {
		t.Error("missing retry directive")
	}
	if event != types.EventProxyError {
		t.Errorf("event = %q", event)
	}

	var got types.Event
	if err := json.Unmarshal([]byte(data), &got); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if got.Data["status"] != "timeout" || got.Time.IsZero() {
		t.Errorf("event = %+v", got)
	}
}
