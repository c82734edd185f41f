package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"matchstream-go/pkg/playlist"
	"matchstream-go/pkg/rewriter"
	"matchstream-go/pkg/types"
	"matchstream-go/pkg/urlutil"

	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

func newRewriteCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rewrite [file]",
		Short: "Rewrite a playlist offline",
		Long: "Rewrite an HLS playlist read from file (or stdin) so every reference goes through\n" +
			"the proxy endpoint, exactly as the server would for a playlist served from --origin.",
		Example: "  matchstream rewrite live.m3u8 --origin https://cdn.example.com/live/index.m3u8 \\\n" +
			"      --endpoint https://watch.example.com/proxy/manifest",
		Args: cobra.MaximumNArgs(1),
		RunE: runRewrite,
	}

	cmd.Flags().StringP("origin", "o", "", "URL the playlist was fetched from (required)")
	cmd.Flags().StringP("endpoint", "e", "", "Manifest proxy endpoint (required)")
	cmd.Flags().String("segment-endpoint", "", "Segment proxy endpoint (defaults to --endpoint)")
	cmd.Flags().Bool("tag-uris", false, "Also rewrite URI attributes inside tags")
	cmd.Flags().Bool("summary", false, "Print a playlist summary to stderr")
	lo.Must0(cmd.MarkFlagRequired("origin"))
	lo.Must0(cmd.MarkFlagRequired("endpoint"))

	return cmd
}

func runRewrite(cmd *cobra.Command, args []string) error {
	origin := lo.Must(cmd.Flags().GetString("origin"))
	if _, err := urlutil.ValidateTarget(origin); err != nil {
		return fmt.Errorf("--origin: %w", err)
	}

	in := cmd.InOrStdin()
	if len(args) == 1 && args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}

	data, err := io.ReadAll(in)
	if err != nil {
		return fmt.Errorf("read playlist: %w", err)
	}
	manifest := string(data)

	rw := rewriter.New(types.Endpoints{
		Manifest: lo.Must(cmd.Flags().GetString("endpoint")),
		Segment:  lo.Must(cmd.Flags().GetString("segment-endpoint")),
	}, rewriter.WithTagURIs(lo.Must(cmd.Flags().GetBool("tag-uris"))))

	if _, err := io.WriteString(cmd.OutOrStdout(), rw.Rewrite(manifest, origin)); err != nil {
		return err
	}

	if lo.Must(cmd.Flags().GetBool("summary")) {
		summary, err := playlist.Inspect(manifest)
		switch {
		case errors.Is(err, playlist.ErrNotPlaylist):
			fmt.Fprintln(cmd.ErrOrStderr(), "warning: input is not an M3U playlist")
		case err != nil:
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
		default:
			fmt.Fprintln(cmd.ErrOrStderr(), summary)
		}
	}
	return nil
}
