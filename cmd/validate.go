package cmd

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/dsl-png-renderer/internal/dsl"
)

var errInvalidDocument = errors.New("document is invalid")

func newValidateCmd() *cobra.Command {
	var strict bool
	cmd := &cobra.Command{
		Use:   "validate <file|->",
		Short: "Validate a DSL document without rendering it",
		Long: `Parses and validates a JSON or YAML document and prints the result,
including warnings and suggestions, as JSON. Exits non-zero when the document
is invalid.`,
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

			v := dsl.NewValidator(dsl.Config{MaxDepth: cfg.DSL.MaxDepth, MaxElements: cfg.DSL.MaxElements})
			res := v.Validate(raw, strict || cfg.DSL.Strict)

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(res); err != nil {
				return fmt.Errorf("write result: %w", err)
			}
			if !res.Valid {
				return errInvalidDocument
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&strict, "strict", false, "treat warnings as errors")
	return cmd
}
