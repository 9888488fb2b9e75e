package commands

import (
	"github.com/spf13/cobra"

	"github.com/terrane-dev/terrane/pkg/engine"
)

func newDriftCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "drift",
		Short: "Detect drift between recorded state and real resources",
		Long: `Read every recorded resource through its provider and report where
reality has diverged from the snapshot.

Drift is reported, never corrected here. Run 'apply --refresh' to fold the
observed state into the next plan.`,
		Example: `  # Report drift for the recorded snapshot
  terrane drift

  # Machine-readable drift report
  terrane drift --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := newRuntime(cmd.Root().Version)
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			parsed, _, err := rt.loadConfig(ctx, nil, nil)
			if err != nil {
				return err
			}
			if err := rt.openState(ctx, parsed); err != nil {
				return err
			}
			snap, err := rt.store.Load(ctx)
			if err != nil {
				return err
			}

			drift, err := engine.NewReconciler(rt.registry).DetectDrift(ctx, snap)
			if err != nil {
				return err
			}
			for _, d := range drift {
				kind := "changed"
				if d.Missing {
					kind = "missing"
				}
				rt.metrics.RecordDriftDetection(kind)
			}

			if jsonOutput {
				return encodeJSON(cmd.OutOrStdout(), map[string]any{
					"drift": drift,
				})
			}
			renderDrift(cmd.OutOrStdout(), drift)
			return nil
		},
	}

	return cmd
}
