package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"matchstream-go/internal/app"
	"matchstream-go/pkg/config"
	proxyhandlers "matchstream-go/pkg/handlers/proxy"
	"matchstream-go/pkg/httpclient"
	"matchstream-go/pkg/logging"
	"matchstream-go/pkg/player"
	"matchstream-go/pkg/types"
	"matchstream-go/pkg/upstream"

	"github.com/samber/lo"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

// errProbeFailed is returned when no source of the match played.
var errProbeFailed = errors.New("no source played")

func newProbeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "probe [match-id]",
		Short: "Check a match's links through the player fallback protocol",
		Long: "Run the player fallback protocol headlessly against the links of a match\n" +
			"(from the links file) or against --url sources, and report which source plays.",
		Example: "  matchstream probe derby --server https://watch.example.com\n" +
			"  matchstream probe --url https://cdn.example.com/live/index.m3u8 --url https://youtu.be/abc",
		Args: cobra.MaximumNArgs(1),
		RunE: runProbe,
	}

	cmd.Flags().StringArrayP("url", "u", nil, "Source URL to probe, in order (repeatable)")
	cmd.Flags().StringP("server", "s", "", "Base URL of the matchstream server whose proxy is used for fallback")
	cmd.Flags().Bool("all", false, "Include inactive links")
	cmd.Flags().Duration("timeout", 60*time.Second, "Give up after this long")

	return cmd
}

func runProbe(cmd *cobra.Command, args []string) error {
	urls := lo.Must(cmd.Flags().GetStringArray("url"))
	if len(args) == 0 && len(urls) == 0 {
		return errors.New("give a match id or at least one --url")
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log := logging.New(cfg.LogLevel, cfg.LogJSON, cmd.ErrOrStderr())

	match, sources, err := probeSources(cmd.Context(), cfg, log, args, urls, lo.Must(cmd.Flags().GetBool("all")))
	if err != nil {
		return err
	}

	fetcher := upstream.New(httpclient.New(cfg, log), cfg, nil, log)
	out := cmd.OutOrStdout()

	controller := player.NewController(player.Options{
		Match:         match,
		Sources:       sources,
		Registry:      player.NewHTTPRegistry(fetcher, log),
		Observer:      &probeObserver{w: cmd.ErrOrStderr()},
		ProxyEndpoint: serverBaseURL(cmd, cfg) + proxyhandlers.ManifestPath,
		MaxRetries:    cfg.PlayerMaxRetries,
		RetryDelay:    cfg.PlayerRetryDelay,
		Log:           log,
	})
	defer controller.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), lo.Must(cmd.Flags().GetDuration("timeout")))
	defer cancel()

	if err := controller.Start(ctx); err != nil {
		return err
	}
	state, err := controller.Wait(ctx)
	if err != nil && state != player.StateExhausted {
		return fmt.Errorf("probe did not finish: %w", err)
	}

	if state != player.StatePlaying {
		return fmt.Errorf("%w: %v", errProbeFailed, err)
	}

	attempt := controller.Attempt()
	via := "direct"
	if attempt.UsingProxy {
		via = "proxy"
	}
	fmt.Fprintf(out, "playing source %d/%d (%s, %s): %s\n",
		attempt.SourceIndex+1, attempt.SourceCount, attempt.Source.Kind, via, attempt.Source.URL)
	return nil
}

// probeSources resolves what to probe: explicit URLs, or the links of the
// named match from the links file.
func probeSources(ctx context.Context, cfg *config.Config, log *logging.Logger, args, urls []string, all bool) (*types.Match, []types.StreamSource, error) {
	if len(urls) > 0 {
		match := &types.Match{ID: "adhoc", Status: types.MatchStatusLive}
		sources := lo.Map(urls, func(u string, _ int) types.StreamSource {
			return types.StreamSource{URL: u, Kind: player.Classify(u, "")}
		})
		return match, sources, nil
	}

	store, err := app.LoadLinks(afero.NewOsFs(), cfg.LinksFile, log)
	if err != nil {
		return nil, nil, err
	}
	match, err := store.GetMatch(ctx, args[0])
	if err != nil {
		return nil, nil, err
	}
	links, err := store.ListLinks(ctx, match.ID, types.Principal{IsAdmin: all})
	if err != nil {
		return nil, nil, err
	}
	return match, player.SourcesFromLinks(links), nil
}

// serverBaseURL picks the proxy server: --server, then the configured
// base URL, then the local server port.
func serverBaseURL(cmd *cobra.Command, cfg *config.Config) string {
	if s := lo.Must(cmd.Flags().GetString("server")); s != "" {
		return strings.TrimSuffix(s, "/")
	}
	if cfg.BaseURL != "" {
		return cfg.BaseURL
	}
	return fmt.Sprintf("http://localhost:%d", cfg.Port)
}

// probeObserver reports progress on stderr.
type probeObserver struct {
	w io.Writer
}

func (o *probeObserver) OnStateChange(state player.State, a player.PlaybackAttempt) {
	switch state {
	case player.StateLoadingDirect, player.StateLoadingProxy:
		fmt.Fprintf(o.w, "[%d/%d] %s %s (%s)\n", a.SourceIndex+1, a.SourceCount, state, a.Source.URL, a.Source.Kind)
	case player.StatePlaying:
		fmt.Fprintf(o.w, "[%d/%d] playing\n", a.SourceIndex+1, a.SourceCount)
	}
}

func (o *probeObserver) OnExhausted(match *types.Match, lastErr error) {
	fmt.Fprintf(o.w, "all sources failed for match %s: %v\n", match.ID, lastErr)
}
