// Package cli implements the matchstream command-line interface.
package cli

import (
	"fmt"

	"matchstream-go/pkg/config"
	"matchstream-go/pkg/handlers/api"

	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

const appName = "matchstream"

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   appName,
		Short: "HLS proxy and stream fallback tooling for match streams",
		Long: appName + " proxies third-party HLS streams so browser players can load them,\n" +
			"and checks match links through the same fallback protocol the player uses.",
		Version:       api.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringP("config", "c", "", "Path to a config file (yaml, json or toml)")
	root.PersistentFlags().String("log-level", "", "Override the log level (debug, info, warn, error)")
	root.PersistentFlags().Bool("log-json", false, "Log as JSON")

	root.AddCommand(newServeCommand(), newRewriteCommand(), newProbeCommand())
	return root
}

// loadConfig reads the config named by --config and applies the log
// flags on top of it.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(lo.Must(cmd.Flags().GetString("config")))
	if err != nil {
		return nil, err
	}

	if level := lo.Must(cmd.Flags().GetString("log-level")); level != "" {
		cfg.LogLevel = level
	}
	if cmd.Flags().Changed("log-json") {
		cfg.LogJSON = lo.Must(cmd.Flags().GetBool("log-json"))
	}
	return cfg, nil
}

// Execute runs the command tree and returns the process exit code.
func Execute() int {
	root := NewRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(root.ErrOrStderr(), "%s: %v\n", appName, err)
		return 1
	}
	return 0
}
