// Package appctx provides the application context that holds all runtime dependencies.
package appctx

import (
	"matchstream-go/pkg/auth"
	"matchstream-go/pkg/config"
	"matchstream-go/pkg/events"
	"matchstream-go/pkg/interfaces"
	"matchstream-go/pkg/logging"
	"matchstream-go/pkg/metrics"
	"matchstream-go/pkg/services"
)

// Context holds all application runtime dependencies.
// Pass this single struct to components instead of individual parameters.
type Context struct {
	Config       *config.Config
	Log          *logging.Logger
	Metrics      *metrics.Metrics
	Events       *events.Broadcaster
	Links        interfaces.LinkStore
	Auth         *auth.Authenticator
	ProxyService *services.ProxyService
	// BaseURL is the configured public base URL; empty means it is
	// inferred per request.
	BaseURL string
}

// New creates a new application context.
func New(cfg *config.Config, log *logging.Logger) *Context {
	return &Context{
		Config:  cfg,
		Log:     log,
		BaseURL: cfg.BaseURL,
	}
}

// WithMetrics sets the metrics registry.
func (c *Context) WithMetrics(m *metrics.Metrics) *Context {
	c.Metrics = m
	return c
}

// WithEvents sets the event broadcaster.
func (c *Context) WithEvents(b *events.Broadcaster) *Context {
	c.Events = b
	return c
}

// WithLinks sets the link store.
func (c *Context) WithLinks(store interfaces.LinkStore) *Context {
	c.Links = store
	return c
}

// WithAuth sets the authenticator.
func (c *Context) WithAuth(a *auth.Authenticator) *Context {
	c.Auth = a
	return c
}

// WithProxyService sets the proxy service.
func (c *Context) WithProxyService(ps *services.ProxyService) *Context {
	c.ProxyService = ps
	return c
}
