package cli

import (
	"matchstream-go/internal/app"

	"github.com/spf13/cobra"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the proxy and API server",
		Long:  "Start the HTTP server with the manifest and segment proxy, the match links API and the admin event stream.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			application, err := app.New(cfg, app.Options{LogOutput: cmd.ErrOrStderr()})
			if err != nil {
				return err
			}
			defer application.Shutdown()

			return application.Run(cmd.Context())
		},
	}
}
