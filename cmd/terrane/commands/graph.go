package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newGraphCommand() *cobra.Command {
	var outFile string

	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Render the dependency graph in DOT format",
		Long: `Build the dependency graph from the declarations and render it as DOT.

Implicit edges (from ${node.output} references) are drawn dashed; explicit
depends_on edges are solid.`,
		Example: `  # Print the graph
  terrane graph

  # Render to an image with graphviz
  terrane graph --out graph.dot && dot -Tsvg graph.dot -o graph.svg`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := newRuntime(cmd.Root().Version)
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			_, graph, err := rt.loadConfig(ctx, nil, nil)
			if err != nil {
				return err
			}

			dot := graph.ToDOT()
			if outFile != "" {
				if err := os.WriteFile(outFile, []byte(dot), 0o644); err != nil {
					return fmt.Errorf("failed to write DOT file: %w", err)
				}
				return nil
			}
			fmt.Fprint(cmd.OutOrStdout(), dot)
			return nil
		},
	}

	cmd.Flags().StringVarP(&outFile, "out", "o", "", "write DOT output to this file")

	return cmd
}
