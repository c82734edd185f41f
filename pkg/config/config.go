// Package config handles application configuration from environment
// variables and an optional config file.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	Port         int
	BaseURL      string // public base URL; empty means infer from request headers
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// Authentication
	APIPassword string
	JWTSecret   string

	// Upstream settings
	GlobalProxies    []string
	TransportRoutes  []TransportRoute
	UTLSDomains      []string
	UpstreamTimeout  time.Duration
	MaxRedirects     int
	MaxManifestBytes int64
	UserAgent        string

	// Rewriting
	RewriteTagURIs bool

	// Link store
	LinksFile string

	// Player fallback protocol
	PlayerMaxRetries int
	PlayerRetryDelay time.Duration

	// Observability
	MetricsEnabled bool
	LogLevel       string
	LogJSON        bool
}

// TransportRoute defines URL-specific proxy routing.
type TransportRoute struct {
	URLPattern string
	Proxy      string
	DisableSSL bool
	Direct     bool // bypass global proxy and connect directly
}

// DefaultUserAgent is sent upstream unless overridden; many origins reject
// non-browser clients.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

var defaults = map[string]any{
	"port":               8080,
	"base_url":           "",
	"read_timeout":       "30s",
	"write_timeout":      "120s",
	"idle_timeout":       "60s",
	"api_password":       "",
	"jwt_secret":         "",
	"global_proxies":     "",
	"transport_routes":   "",
	"utls_domains":       "",
	"upstream_timeout":   "60s",
	"max_redirects":      5,
	"max_manifest_bytes": 16 << 20,
	"user_agent":         DefaultUserAgent,
	"rewrite_tag_uris":   false,
	"links_file":         "links.json",
	"player_max_retries": 3,
	"player_retry_delay": "1s",
	"metrics_enabled":    true,
	"log_level":          "info",
	"log_json":           false,
}

// Load reads configuration from environment variables, layered over the
// file at path when path is non-empty. Keys are the lower-case form of the
// environment variable names (PORT -> port, BASE_URL -> base_url).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{
		Port:             v.GetInt("port"),
		BaseURL:          strings.TrimSuffix(v.GetString("base_url"), "/"),
		ReadTimeout:      getDuration(v, "read_timeout", 30*time.Second),
		WriteTimeout:     getDuration(v, "write_timeout", 120*time.Second),
		IdleTimeout:      getDuration(v, "idle_timeout", 60*time.Second),
		APIPassword:      v.GetString("api_password"),
		JWTSecret:        v.GetString("jwt_secret"),
		GlobalProxies:    getStringSlice(v, "global_proxies"),
		UTLSDomains:      getStringSlice(v, "utls_domains"),
		UpstreamTimeout:  getDuration(v, "upstream_timeout", 60*time.Second),
		MaxRedirects:     v.GetInt("max_redirects"),
		MaxManifestBytes: v.GetInt64("max_manifest_bytes"),
		UserAgent:        v.GetString("user_agent"),
		RewriteTagURIs:   v.GetBool("rewrite_tag_uris"),
		LinksFile:        v.GetString("links_file"),
		PlayerMaxRetries: v.GetInt("player_max_retries"),
		PlayerRetryDelay: getDuration(v, "player_retry_delay", time.Second),
		MetricsEnabled:   v.GetBool("metrics_enabled"),
		LogLevel:         v.GetString("log_level"),
		LogJSON:          v.GetBool("log_json"),
	}

	cfg.TransportRoutes = parseTransportRoutes(v.GetString("transport_routes"))

	// Legacy single proxy support
	if globalProxy := v.GetString("global_proxy"); globalProxy != "" && len(cfg.GlobalProxies) == 0 {
		cfg.GlobalProxies = []string{globalProxy}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the server cannot run with.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.BaseURL != "" && !strings.HasPrefix(c.BaseURL, "http://") && !strings.HasPrefix(c.BaseURL, "https://") {
		return fmt.Errorf("base_url must be an http(s) URL, got %q", c.BaseURL)
	}
	if c.UpstreamTimeout <= 0 {
		return fmt.Errorf("upstream_timeout must be positive")
	}
	if c.MaxRedirects < 0 {
		return fmt.Errorf("max_redirects must not be negative")
	}
	if c.PlayerMaxRetries < 0 {
		return fmt.Errorf("player_max_retries must not be negative")
	}
	return nil
}

// parseTransportRoutes parses the transport_routes value.
// Format: {URL=pattern, PROXY=url, DISABLE_SSL=true}, {URL=pattern2}
func parseTransportRoutes(s string) []TransportRoute {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}

	var routes []TransportRoute
	for _, part := range strings.Split(s, "}, {") {
		part = strings.Trim(part, "{} ")
		if part == "" {
			continue
		}

		route := TransportRoute{}
		for _, field := range strings.Split(part, ", ") {
			kv := strings.SplitN(field, "=", 2)
			if len(kv) != 2 {
				continue
			}
			value := strings.TrimSpace(kv[1])

			switch strings.ToUpper(strings.TrimSpace(kv[0])) {
			case "URL":
				route.URLPattern = value
			case "PROXY":
				route.Proxy = value
			case "DISABLE_SSL":
				route.DisableSSL = strings.EqualFold(value, "true")
			case "DIRECT":
				route.Direct = strings.EqualFold(value, "true")
			}
		}
		if route.URLPattern != "" {
			routes = append(routes, route)
		}
	}

	return routes
}

// getDuration accepts plain seconds ("60") or a Go duration ("1m30s").
func getDuration(v *viper.Viper, key string, defaultVal time.Duration) time.Duration {
	val := strings.TrimSpace(v.GetString(key))
	if val == "" {
		return defaultVal
	}
	if secs, err := strconv.Atoi(val); err == nil {
		return time.Duration(secs) * time.Second
	}
	if d, err := time.ParseDuration(val); err == nil {
		return d
	}
	return defaultVal
}

// getStringSlice accepts a comma separated string (environment) or a list
// (config file).
func getStringSlice(v *viper.Viper, key string) []string {
	var parts []string
	switch raw := v.Get(key).(type) {
	case string:
		parts = strings.Split(raw, ",")
	case nil:
		return nil
	default:
		parts = v.GetStringSlice(key)
	}

	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	if len(result) == 0 {
		return nil
	}
	return result
}
