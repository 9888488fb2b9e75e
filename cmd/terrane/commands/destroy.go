package commands

import (
	"github.com/spf13/cobra"

	"github.com/terrane-dev/terrane/pkg/engine"
)

func newDestroyCommand() *cobra.Command {
	var (
		parallelism  int
		autoApprove  bool
		forceDestroy bool
		varFiles     []string
		varFlags     []string
	)

	cmd := &cobra.Command{
		Use:   "destroy",
		Short: "Destroy every recorded resource",
		Long: `Tear down everything in the recorded snapshot, in reverse dependency
order.

Nodes protected by lifecycle.prevent_destroy block the plan unless
--force-destroy is set.`,
		Example: `  # Destroy with an approval prompt
  terrane destroy

  # Destroy without prompting, overriding prevent_destroy
  terrane destroy --auto-approve --force-destroy`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := newRuntime(cmd.Root().Version)
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			// The declarations are still parsed: the graph supplies
			// lifecycle protection and destroy ordering for nodes that
			// are still declared.
			parsed, graph, err := rt.loadConfig(ctx, varFiles, varFlags)
			if err != nil {
				return err
			}
			if err := rt.openState(ctx, parsed); err != nil {
				return err
			}

			return runApply(ctx, rt, applyRequest{
				parsed:       parsed,
				graph:        graph,
				destroyAll:   true,
				parallelism:  parallelism,
				autoApprove:  autoApprove,
				forceDestroy: forceDestroy,
				command:      "destroy",
				out:          cmd.OutOrStdout(),
			})
		},
	}

	cmd.Flags().IntVar(&parallelism, "parallelism", engine.DefaultParallelism, "max concurrent steps")
	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "skip the approval prompt")
	cmd.Flags().BoolVar(&forceDestroy, "force-destroy", false, "override prevent_destroy protection")
	cmd.Flags().StringSliceVar(&varFiles, "var-file", nil, "YAML variable files")
	cmd.Flags().StringSliceVar(&varFlags, "var", nil, "variable overrides (key=value)")

	return cmd
}
