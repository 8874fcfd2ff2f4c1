// Package cmd defines and implements the CLI commands for the dslrender executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/dsl-png-renderer/internal/config"
	"github.com/JakeFAU/dsl-png-renderer/internal/server"
)

// Version is stamped at build time with -ldflags "-X ...cmd.Version=...".
var Version = "dev"

// configKeyType is the key for storing the loaded Config in the context.
type configKeyType string

const configKey configKeyType = "config"

// newApp is the application factory. It's a variable so tests can swap in
// a fake browser launcher.
var newApp = server.Build

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "dslrender",
		Short: "Render UI mockups described in a JSON/YAML DSL to PNG.",
		Long: `dslrender validates DSL documents, compiles them to HTML and captures
them as PNG images with a pool of headless Chrome instances. It can run as an
HTTP service or render a single document from the command line.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,

		// Runs before any subcommand's RunE.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), configKey, cfg))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, JSON or TOML)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newValidateCmd())
	cmd.AddCommand(newRenderCmd())

	return cmd
}

func resolveConfig(ctx context.Context) (config.Config, error) {
	cfg, ok := ctx.Value(configKey).(config.Config)
	if !ok {
		return config.Config{}, errors.New("configuration not loaded")
	}
	return cfg, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
