// Package httpclient provides the upstream HTTP transport: connection
// pooling, per-URL proxy routing, a bounded redirect policy and a
// browser TLS fingerprint for origins that filter non-browser clients.
package httpclient

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"matchstream-go/pkg/config"
	"matchstream-go/pkg/logging"

	utls "github.com/refraction-networking/utls"
	"golang.org/x/net/http2"
	"golang.org/x/net/proxy"
)

// ErrTooManyRedirects is returned when an upstream exceeds the redirect limit.
var ErrTooManyRedirects = errors.New("too many redirects")

// ErrRedirectScheme is returned when an upstream redirects to a non-HTTP URL.
var ErrRedirectScheme = errors.New("redirect to non-http(s) URL")

// Client routes upstream requests to the right underlying http.Client.
type Client struct {
	defaultClient *http.Client
	utlsClient    *http.Client
	proxyClients  map[string]*http.Client
	routes        []config.TransportRoute
	globalProxies []string
	utlsDomains   []string
	timeout       time.Duration
	maxRedirects  int
	mu            sync.RWMutex
	log           *logging.Logger
}

func dialer() *net.Dialer {
	return &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 60 * time.Second,
	}
}

// New creates a new HTTP client with the given configuration.
func New(cfg *config.Config, log *logging.Logger) *Client {
	c := &Client{
		proxyClients:  make(map[string]*http.Client),
		routes:        cfg.TransportRoutes,
		globalProxies: cfg.GlobalProxies,
		utlsDomains:   cfg.UTLSDomains,
		timeout:       cfg.UpstreamTimeout,
		maxRedirects:  cfg.MaxRedirects,
		log:           log.WithComponent("httpclient"),
	}

	c.defaultClient = c.newHTTPClient(newTransport())
	c.utlsClient = c.newHTTPClient(newUTLSRoundTripper())

	return c
}

func newTransport() *http.Transport {
	return &http.Transport{
		Proxy:                 nil,
		DialContext:           dialer().DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
	}
}

// newHTTPClient wraps rt with the shared timeout and redirect policy.
func (c *Client) newHTTPClient(rt http.RoundTripper) *http.Client {
	return &http.Client{
		Transport:     rt,
		Timeout:       c.timeout,
		CheckRedirect: c.checkRedirect,
	}
}

func (c *Client) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) > c.maxRedirects {
		return fmt.Errorf("%w: stopped after %d", ErrTooManyRedirects, c.maxRedirects)
	}
	if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
		return fmt.Errorf("%w: %s", ErrRedirectScheme, req.URL.Redacted())
	}
	c.log.Debug("following redirect", "from", via[len(via)-1].URL.Redacted(), "to", req.URL.Redacted())
	return nil
}

// utlsRoundTripper performs TLS with a Chrome ClientHello and speaks HTTP/2
// or HTTP/1.1 depending on the negotiated ALPN protocol.
type utlsRoundTripper struct {
	dialer      *net.Dialer
	h2Transport *http2.Transport
}

func newUTLSRoundTripper() *utlsRoundTripper {
	return &utlsRoundTripper{
		dialer:      dialer(),
		h2Transport: &http2.Transport{},
	}
}

func (t *utlsRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.URL.Scheme != "https" {
		return http.DefaultTransport.RoundTrip(req)
	}

	addr := req.URL.Host
	if req.URL.Port() == "" {
		addr = net.JoinHostPort(req.URL.Hostname(), "443")
	}

	conn, err := t.dialer.DialContext(req.Context(), "tcp", addr)
	if err != nil {
		return nil, err
	}

	uconn := utls.UClient(conn, &utls.Config{ServerName: req.URL.Hostname()}, utls.HelloChrome_120)
	if err := uconn.HandshakeContext(req.Context()); err != nil {
		conn.Close()
		return nil, err
	}

	if uconn.ConnectionState().NegotiatedProtocol == "h2" {
		h2Conn, err := t.h2Transport.NewClientConn(uconn)
		if err != nil {
			conn.Close()
			return nil, err
		}
		resp, err := h2Conn.RoundTrip(req)
		if err != nil {
			h2Conn.Close()
			return nil, err
		}
		resp.Body = &closeWith{ReadCloser: resp.Body, closer: h2Conn}
		return resp, nil
	}

	return t.roundTripHTTP1(uconn, req)
}

func (t *utlsRoundTripper) roundTripHTTP1(conn net.Conn, req *http.Request) (*http.Response, error) {
	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, err
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		conn.Close()
		return nil, err
	}

	resp.Body = &closeWith{ReadCloser: resp.Body, closer: conn}
	return resp, nil
}

// closeWith closes an extra resource after the body.
type closeWith struct {
	io.ReadCloser
	closer io.Closer
}

func (c *closeWith) Close() error {
	err := c.ReadCloser.Close()
	if cerr := c.closer.Close(); err == nil {
		err = cerr
	}
	return err
}

// needsUTLS returns true if the URL requires browser-like TLS fingerprinting.
func (c *Client) needsUTLS(targetURL string) bool {
	lower := strings.ToLower(targetURL)
	for _, domain := range c.utlsDomains {
		if domain != "" && strings.Contains(lower, strings.ToLower(domain)) {
			return true
		}
	}
	return false
}

// Do executes an HTTP request, routing through proxies as configured.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.clientFor(req.URL.String()).Do(req)
}

// DoWithContext executes an HTTP request with context.
func (c *Client) DoWithContext(ctx context.Context, req *http.Request) (*http.Response, error) {
	return c.Do(req.WithContext(ctx))
}

// clientFor returns the http.Client matching the routing rules for targetURL.
func (c *Client) clientFor(targetURL string) *http.Client {
	if c.needsUTLS(targetURL) {
		c.log.Debug("using utls client", "url", targetURL)
		return c.utlsClient
	}

	// Transport routes are the most specific rule.
	for _, route := range c.routes {
		if !strings.Contains(targetURL, route.URLPattern) {
			continue
		}
		c.log.Debug("matched transport route", "url", targetURL, "pattern", route.URLPattern, "proxy", route.Proxy, "direct", route.Direct)

		switch {
		case route.Direct && route.DisableSSL:
			return c.proxyClient("", true)
		case route.Direct:
			return c.defaultClient
		case route.Proxy != "":
			return c.proxyClient(route.Proxy, route.DisableSSL)
		case route.DisableSSL:
			return c.proxyClient("", true)
		}
	}

	if len(c.globalProxies) > 0 {
		return c.proxyClient(c.globalProxies[0], false)
	}

	return c.defaultClient
}

// proxyClient returns a cached client for proxyURL, creating it on first use.
func (c *Client) proxyClient(proxyURL string, disableSSL bool) *http.Client {
	cacheKey := proxyURL
	if disableSSL {
		cacheKey += ":insecure"
	}

	c.mu.RLock()
	client, ok := c.proxyClients[cacheKey]
	c.mu.RUnlock()
	if ok {
		return client
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if client, ok := c.proxyClients[cacheKey]; ok {
		return client
	}

	client, err := c.createProxyClient(proxyURL, disableSSL)
	if err != nil {
		c.log.Error("falling back to direct client", "proxy", proxyURL, "error", err)
		return c.defaultClient
	}
	c.proxyClients[cacheKey] = client
	c.log.Debug("created proxy client", "proxy", proxyURL, "disable_ssl", disableSSL)

	return client
}

func (c *Client) createProxyClient(proxyURL string, disableSSL bool) (*http.Client, error) {
	transport := newTransport()
	if disableSSL {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	if proxyURL == "" {
		return c.newHTTPClient(transport), nil
	}

	parsedURL, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("parse proxy URL: %w", err)
	}

	switch parsedURL.Scheme {
	case "socks5", "socks5h":
		d, err := proxy.FromURL(parsedURL, proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("create SOCKS5 dialer: %w", err)
		}
		if contextDialer, ok := d.(proxy.ContextDialer); ok {
			transport.DialContext = contextDialer.DialContext
		} else {
			transport.DialContext = func(_ context.Context, network, addr string) (net.Conn, error) {
				return d.Dial(network, addr)
			}
		}
	case "http", "https":
		transport.Proxy = http.ProxyURL(parsedURL)
	default:
		return nil, fmt.Errorf("unsupported proxy scheme %q", parsedURL.Scheme)
	}

	return c.newHTTPClient(transport), nil
}
