package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newValidateCommand() *cobra.Command {
	var (
		varFiles []string
		varFlags []string
	)

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate declarations",
		Long: `Validate the declaration set without touching state.

This command checks:
  - CUE syntax and schema conformance
  - Variable and @input references
  - Graph construction (duplicate identities, unresolved references, cycles)
  - Provider schemas for every declared resource type`,
		Example: `  # Validate declarations in the current directory
  terrane validate

  # Validate a specific directory with a variable file
  terrane validate -c ./infra --var-file prod.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := newRuntime(cmd.Root().Version)
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			parsed, graph, err := rt.loadConfig(ctx, varFiles, varFlags)
			if err != nil {
				return err
			}

			if jsonOutput {
				return encodeJSON(cmd.OutOrStdout(), map[string]any{
					"valid":     true,
					"workspace": parsed.Workspace.Name,
					"resources": graph.Len(),
					"sources":   parsed.SourceFiles,
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Configuration is valid: %d resource(s) from %d file(s)\n",
				graph.Len(), len(parsed.SourceFiles))
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&varFiles, "var-file", nil, "YAML variable files")
	cmd.Flags().StringSliceVar(&varFlags, "var", nil, "variable overrides (key=value)")

	return cmd
}
