package cmd

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/dsl-png-renderer/internal/server"
)

func newServeCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP rendering service",
		Long: `Starts the browser pool, the async job workers and the HTTP API, and
serves until SIGINT or SIGTERM. The listen port comes from --port, then the
PORT environment variable, then server.port.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd.Context())
			if err != nil {
				return err
			}
			if port == 0 {
				if env := os.Getenv("PORT"); env != "" {
					if port, err = strconv.Atoi(env); err != nil {
						return fmt.Errorf("parse PORT %q: %w", env, err)
					}
				}
			}
			if port != 0 {
				cfg.Server.Port = port
				if err := cfg.Validate(); err != nil {
					return err
				}
			}

			app, err := newApp(cmd.Context(), cfg, server.Options{Version: Version})
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			return app.Run(cmd.Context())
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "listen port (overrides PORT and server.port)")
	return cmd
}
