package commands

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/terrane-dev/terrane/pkg/engine"
)

func newStateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect recorded state",
		Long:  `Commands for inspecting the recorded snapshot and run history.`,
	}

	cmd.AddCommand(newStateShowCommand())
	cmd.AddCommand(newStateRunsCommand())

	return cmd
}

func newStateShowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show [node-id]",
		Short: "Show the recorded snapshot",
		Long: `Show the recorded snapshot, or a single node record when an identity is
given.`,
		Example: `  # List every recorded node
  terrane state show

  # Show one node record as JSON
  terrane state show network --json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := newRuntime(cmd.Root().Version)
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			if err := rt.openState(ctx, nil); err != nil {
				return err
			}
			snap, err := rt.store.Load(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(args) == 1 {
				rec := snap.Entry(args[0])
				if rec == nil {
					return engine.NewValidationError(
						fmt.Sprintf("no recorded state for node %q", args[0]), nil)
				}
				return encodeJSON(out, rec)
			}

			if jsonOutput {
				return encodeJSON(out, snap)
			}

			ids := make([]string, 0, len(snap.Entries))
			for id := range snap.Entries {
				ids = append(ids, id)
			}
			sort.Strings(ids)

			fmt.Fprintf(out, "Snapshot serial %d, %d node(s)\n", snap.Serial, len(ids))
			for _, id := range ids {
				rec := snap.Entries[id]
				fmt.Fprintf(out, "  %s (%s)", id, rec.Type)
				if len(rec.Dependencies) > 0 {
					fmt.Fprintf(out, " depends on %s", strings.Join(rec.Dependencies, ", "))
				}
				fmt.Fprintln(out)
			}
			return nil
		},
	}

	return cmd
}

func newStateRunsCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "runs [run-id]",
		Short: "List recent runs",
		Long: `List recent runs, newest first, or show one run with its step results
when an identity is given.`,
		Example: `  # List the last 20 runs
  terrane state runs

  # Show a run with its step results
  terrane state runs 4f6b8c1e-...`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := newRuntime(cmd.Root().Version)
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			if err := rt.openState(ctx, nil); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(args) == 1 {
				run, err := rt.store.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				if jsonOutput {
					return encodeJSON(out, run)
				}
				renderRun(out, run)
				return nil
			}

			runs, err := rt.store.ListRuns(ctx, limit)
			if err != nil {
				return err
			}
			if jsonOutput {
				return encodeJSON(out, runs)
			}
			for _, run := range runs {
				fmt.Fprintf(out, "%s  %-10s  applied=%d failed=%d skipped=%d  %s\n",
					run.ID, run.Status, run.Summary.Applied, run.Summary.Failed,
					run.Summary.Skipped, run.StartedAt.Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "max runs to list")

	return cmd
}
