package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/dsl-png-renderer/internal/jobs"
	"github.com/JakeFAU/dsl-png-renderer/internal/render"
	"github.com/JakeFAU/dsl-png-renderer/internal/server"
)

func newRenderCmd() *cobra.Command {
	var (
		output  string
		options string
	)
	cmd := &cobra.Command{
		Use:   "render <file|->",
		Short: "Render a DSL document to a PNG file",
		Long: `Renders one document in-process with a single headless browser and
writes the PNG to --output ("-" for stdout). --options takes the same JSON
object as the HTTP API's "options" field.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd.Context())
			if err != nil {
				return err
			}
			raw, err := readInput(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			opts, err := render.DecodeOptionsWith([]byte(options), server.RenderDefaults(cfg.Render))
			if err != nil {
				return err
			}

			cfg.Pool.Size = 1
			cfg.Jobs.Workers = 1
			cfg.RateLimit.RPS = 0
			app, err := newApp(cmd.Context(), cfg, server.Options{Version: Version})
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			defer func() {
				if cerr := app.Close(context.WithoutCancel(cmd.Context())); cerr != nil {
					zap.L().Warn("shutdown failed", zap.Error(cerr))
				}
			}()
			if err := app.Start(cmd.Context()); err != nil {
				return err
			}

			sub, err := app.Jobs().Submit(cmd.Context(), raw, opts, jobs.ModeSync)
			for _, w := range sub.Warnings {
				fmt.Fprintln(cmd.ErrOrStderr(), "warning:", w)
			}
			if err != nil {
				return err
			}
			if sub.Result == nil {
				return errors.New("render produced no image")
			}
			if err := writeOutput(cmd, output, sub.Result.PNG); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "rendered %dx%d, %d bytes, sha256 %s\n",
				sub.Result.Width, sub.Result.Height, sub.Result.FileSize, sub.Result.ContentHash)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "out.png", `output path ("-" for stdout)`)
	cmd.Flags().StringVar(&options, "options", "", "render options as a JSON object")
	return cmd
}

func writeOutput(cmd *cobra.Command, path string, data []byte) error {
	if path == "-" {
		if _, err := cmd.OutOrStdout().Write(data); err != nil {
			return fmt.Errorf("write stdout: %w", err)
		}
		return nil
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
