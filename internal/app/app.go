// Package app provides the main application setup and dependency injection.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"matchstream-go/pkg/appctx"
	"matchstream-go/pkg/auth"
	"matchstream-go/pkg/config"
	"matchstream-go/pkg/events"
	"matchstream-go/pkg/handlers/api"
	"matchstream-go/pkg/handlers/proxy"
	"matchstream-go/pkg/httpclient"
	"matchstream-go/pkg/linkstore"
	"matchstream-go/pkg/logging"
	"matchstream-go/pkg/metrics"
	"matchstream-go/pkg/server"
	"matchstream-go/pkg/services"
	"matchstream-go/pkg/upstream"

	"github.com/spf13/afero"
)

// App is the main application container.
type App struct {
	Ctx        *appctx.Context
	Server     *server.Server
	HTTPClient *httpclient.Client
	Fetcher    *upstream.Fetcher
}

// Options overrides how the application is assembled.
type Options struct {
	// Fs is where the links file is read from. Defaults to the OS filesystem.
	Fs afero.Fs
	// LogOutput receives log lines. Defaults to stdout.
	LogOutput io.Writer
}

// New creates and initializes the application from cfg.
func New(cfg *config.Config, opts Options) (*App, error) {
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}

	// Initialize logger
	log := logging.New(cfg.LogLevel, cfg.LogJSON, opts.LogOutput)
	log.Info("initializing matchstream", "port", cfg.Port, "log_level", cfg.LogLevel)

	// Create application context
	ctx := appctx.New(cfg, log)

	var m *metrics.Metrics
	if cfg.MetricsEnabled {
		m = metrics.New()
		ctx.WithMetrics(m)
	}

	ctx.WithEvents(events.NewBroadcaster(log))

	store, err := LoadLinks(opts.Fs, cfg.LinksFile, log)
	if err != nil {
		return nil, err
	}
	ctx.WithLinks(store)

	authn := auth.New(cfg.APIPassword, cfg.JWTSecret)
	ctx.WithAuth(authn)
	if !authn.PasswordRequired() {
		log.Warn("no API password configured, admin routes are unreachable without a token")
	}

	// Create HTTP client and fetcher
	httpClient := httpclient.New(cfg, log)
	fetcher := upstream.New(httpClient, cfg, m, log)

	// Create proxy service
	proxyService := services.NewProxyService(log, fetcher, ctx.Events, cfg.RewriteTagURIs, cfg.MaxManifestBytes)
	ctx.WithProxyService(proxyService)

	// Create HTTP server
	srv := server.New(cfg, authn, log)

	// Event streams only end when the broadcaster closes, so close it as
	// soon as shutdown starts instead of after connections drain.
	srv.OnShutdown(func() { ctx.Events.Close() })

	proxy.NewHandlers(ctx).RegisterRoutes(srv.Router())
	api.NewHandlers(ctx).RegisterRoutes(srv.Router())
	if ctx.Metrics != nil {
		srv.Router().Handle("/metrics", ctx.Metrics.Handler())
	}

	return &App{
		Ctx:        ctx,
		Server:     srv,
		HTTPClient: httpClient,
		Fetcher:    fetcher,
	}, nil
}

// LoadLinks reads the links file into a memory store. A missing file
// yields an empty store.
func LoadLinks(fs afero.Fs, path string, log *logging.Logger) (*linkstore.Memory, error) {
	if path == "" {
		return linkstore.NewMemory(), nil
	}

	store, err := linkstore.LoadFile(fs, path)
	if errors.Is(err, os.ErrNotExist) {
		log.Warn("links file not found, starting with no matches", "path", path)
		return linkstore.NewMemory(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load links: %w", err)
	}

	log.Info("loaded links", "path", path, "matches", store.Len())
	return store, nil
}

// Run starts the application and blocks until ctx ends or a shutdown
// signal arrives.
func (a *App) Run(ctx context.Context) error {
	a.Ctx.Log.Info("starting matchstream server", "port", a.Ctx.Config.Port)
	return a.Server.Start(ctx)
}

// Shutdown releases application resources.
func (a *App) Shutdown() {
	a.Ctx.Log.Info("shutting down application")

	if a.Ctx.Events != nil {
		a.Ctx.Events.Close()
	}
}
