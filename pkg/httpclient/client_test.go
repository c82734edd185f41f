package httpclient

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"matchstream-go/pkg/config"
	"matchstream-go/pkg/logging"
)

func testConfig() *config.Config {
	return &config.Config{
		UpstreamTimeout: 5 * time.Second,
		MaxRedirects:    5,
	}
}

func TestClientFor(t *testing.T) {
	log := logging.Discard()

	tests := []struct {
		name          string
		mutate        func(*config.Config)
		targetURL     string
		expectDefault bool
		expectUTLS    bool
	}{
		{
			name: "uses global proxy when no transport routes match",
			mutate: func(c *config.Config) {
				c.GlobalProxies = []string{"socks5://proxy.example.com:1080"}
			},
			targetURL: "https://cdn.example.com/video.m3u8",
		},
		{
			name: "uses transport route when URL matches",
			mutate: func(c *config.Config) {
				c.GlobalProxies = []string{"socks5://global-proxy.example.com:1080"}
				c.TransportRoutes = []config.TransportRoute{
					{URLPattern: "cdn.specific.com", Proxy: "socks5://specific-proxy.example.com:1080"},
				}
			},
			targetURL: "https://cdn.specific.com/video.m3u8",
		},
		{
			name:          "uses default client when no proxy configured",
			mutate:        func(c *config.Config) {},
			targetURL:     "https://cdn.example.com/video.m3u8",
			expectDefault: true,
		},
		{
			name: "direct route bypasses global proxy",
			mutate: func(c *config.Config) {
				c.GlobalProxies = []string{"socks5://global-proxy.example.com:1080"}
				c.TransportRoutes = []config.TransportRoute{{URLPattern: "local-cdn", Direct: true}}
			},
			targetURL:     "http://local-cdn/video.m3u8",
			expectDefault: true,
		},
		{
			name: "utls domain uses fingerprinted client",
			mutate: func(c *config.Config) {
				c.UTLSDomains = []string{"protected.example"}
			},
			targetURL:  "https://edge.protected.example/live.m3u8",
			expectUTLS: true,
		},
		{
			name: "unsupported proxy scheme falls back to default",
			mutate: func(c *config.Config) {
				c.GlobalProxies = []string{"ftp://proxy.example.com"}
			},
			targetURL:     "https://cdn.example.com/video.m3u8",
			expectDefault: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(cfg)
			client := New(cfg, log)

			got := client.clientFor(tt.targetURL)

			if tt.expectUTLS {
				if got != client.utlsClient {
					t.Error("expected utls client")
				}
				return
			}
			if tt.expectDefault != (got == client.defaultClient) {
				t.Errorf("default client selected = %v, want %v", got == client.defaultClient, tt.expectDefault)
			}
		})
	}
}

func TestClient_ProxyClientsAreCached(t *testing.T) {
	cfg := testConfig()
	cfg.GlobalProxies = []string{"http://proxy.example.com:3128"}
	client := New(cfg, logging.Discard())

	first := client.clientFor("https://a.example.com/x.ts")
	second := client.clientFor("https://b.example.com/y.ts")
	if first != second {
		t.Error("expected the same cached proxy client")
	}
}

func TestClient_RedirectLimit(t *testing.T) {
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var n int
		fmt.Sscanf(r.URL.Path, "/hop/%d", &n)
		if n >= 10 {
			w.Write([]byte("done"))
			return
		}
		http.Redirect(w, r, fmt.Sprintf("%s/hop/%d", server.URL, n+1), http.StatusFound)
	}))
	defer server.Close()

	client := New(testConfig(), logging.Discard())

	t.Run("within limit", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodGet, server.URL+"/hop/5", nil)
		resp, err := client.Do(req)
		if err != nil {
			t.Fatalf("Do() error = %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("status = %d, want 200", resp.StatusCode)
		}
	})

	t.Run("beyond limit", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodGet, server.URL+"/hop/0", nil)
		resp, err := client.Do(req)
		if err == nil {
			resp.Body.Close()
			t.Fatal("Do() followed more than five redirects")
		}
		if !errors.Is(err, ErrTooManyRedirects) {
			t.Errorf("error = %v, want ErrTooManyRedirects", err)
		}
	})
}
