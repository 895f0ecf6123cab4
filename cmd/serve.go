package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/websearch-control-plane/internal/config"
	"github.com/JakeFAU/websearch-control-plane/internal/server"
)

// runApp is replaced in tests.
var runApp = func(cmd *cobra.Command, cfg *config.Config) error {
	app, err := server.Build(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("build app: %w", err)
	}
	return app.Run(cmd.Context())
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, completion monitors and the configured task runner",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd.Context())
			if err != nil {
				return err
			}
			return runApp(cmd, cfg)
		},
	}
}
