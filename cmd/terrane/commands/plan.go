package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/terrane-dev/terrane/pkg/engine"
)

func newPlanCommand() *cobra.Command {
	var (
		outFile  string
		dotFile  string
		refresh  bool
		varFiles []string
		varFlags []string
	)

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show the changes required to match the declarations",
		Long: `Compute the execution plan by diffing the declarations against the
recorded snapshot.

The plan:
  - Parses the declarations and builds the dependency graph
  - Optionally refreshes recorded state against real resources
  - Diffs desired state against the snapshot
  - Orders the resulting steps topologically

Nothing is mutated; use 'apply' to execute.`,
		Example: `  # Show the plan for the current directory
  terrane plan

  # Save the plan and a DOT rendering of the graph
  terrane plan --out plan.json --dot graph.dot

  # Plan with refreshed state and variable overrides
  terrane plan --refresh --var env=staging`,
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
			if err := rt.openState(ctx, parsed); err != nil {
				return err
			}
			snap, err := rt.store.Load(ctx)
			if err != nil {
				return err
			}

			reconciler := engine.NewReconciler(rt.registry)
			if refresh {
				drift, err := reconciler.DetectDrift(ctx, snap)
				if err != nil {
					return err
				}
				for range drift {
					rt.metrics.RecordDriftDetection("refresh")
				}
				applyDrift(snap, drift)
			}

			diff, err := reconciler.Diff(ctx, graph, snap)
			if err != nil {
				return err
			}
			plan, err := engine.NewPlanner().Plan(ctx, diff, graph, snap.Serial)
			if err != nil {
				return err
			}

			if dotFile != "" {
				if err := os.WriteFile(dotFile, []byte(graph.ToDOT()), 0o644); err != nil {
					return fmt.Errorf("failed to write DOT file: %w", err)
				}
			}
			if outFile != "" {
				f, err := os.Create(outFile)
				if err != nil {
					return fmt.Errorf("failed to write plan file: %w", err)
				}
				defer f.Close()
				if err := encodeJSON(f, plan); err != nil {
					return fmt.Errorf("failed to encode plan: %w", err)
				}
			}

			if jsonOutput {
				return encodeJSON(cmd.OutOrStdout(), map[string]any{
					"plan": plan,
					"diff": diff,
				})
			}
			renderDiffSet(cmd.OutOrStdout(), diff)
			return nil
		},
	}

	cmd.Flags().StringVarP(&outFile, "out", "o", "", "write the plan as JSON to this file")
	cmd.Flags().StringVar(&dotFile, "dot", "", "write the dependency graph in DOT format")
	cmd.Flags().BoolVar(&refresh, "refresh", false, "read real resources before diffing")
	cmd.Flags().StringSliceVar(&varFiles, "var-file", nil, "YAML variable files")
	cmd.Flags().StringSliceVar(&varFlags, "var", nil, "variable overrides (key=value)")

	return cmd
}

// applyDrift folds drift reports into the in-memory snapshot so the diff is
// computed against observed reality: missing resources are dropped, drifted
// keys force an update by clearing the recorded value.
func applyDrift(snap *engine.Snapshot, drift []engine.DriftReport) {
	for _, d := range drift {
		rec := snap.Entry(d.NodeID)
		if rec == nil {
			continue
		}
		if d.Missing {
			delete(snap.Entries, d.NodeID)
			continue
		}
		for _, key := range d.ChangedKeys {
			delete(rec.Attrs, key)
		}
	}
}
