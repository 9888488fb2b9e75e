package commands

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/terrane-dev/terrane/pkg/config"
	"github.com/terrane-dev/terrane/pkg/engine"
)

func newApplyCommand() *cobra.Command {
	var (
		parallelism  int
		autoApprove  bool
		refresh      bool
		forceDestroy bool
		varFiles     []string
		varFlags     []string
	)

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Apply the changes required to match the declarations",
		Long: `Plan and execute the changes that bring recorded state in line with the
declarations.

This command:
  - Computes the plan exactly as 'plan' does
  - Evaluates policies before anything mutates
  - Prompts for approval unless --auto-approve is set
  - Executes steps in dependency order with bounded parallelism
  - Persists every step result as it completes`,
		Example: `  # Plan and apply with an approval prompt
  terrane apply

  # Apply without prompting, four steps at a time
  terrane apply --auto-approve --parallelism 4

  # Apply with refreshed state and variable overrides
  terrane apply --refresh --var-file prod.yaml`,
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

			return runApply(ctx, rt, applyRequest{
				parsed:       parsed,
				graph:        graph,
				parallelism:  parallelism,
				autoApprove:  autoApprove,
				refresh:      refresh,
				forceDestroy: forceDestroy,
				command:      "apply",
				out:          cmd.OutOrStdout(),
			})
		},
	}

	cmd.Flags().IntVar(&parallelism, "parallelism", engine.DefaultParallelism, "max concurrent steps")
	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "skip the approval prompt")
	cmd.Flags().BoolVar(&refresh, "refresh", false, "read real resources before diffing")
	cmd.Flags().BoolVar(&forceDestroy, "force-destroy", false, "override prevent_destroy protection")
	cmd.Flags().StringSliceVar(&varFiles, "var-file", nil, "YAML variable files")
	cmd.Flags().StringSliceVar(&varFlags, "var", nil, "variable overrides (key=value)")

	return cmd
}

// applyRequest carries everything runApply needs; destroy reuses it with a
// teardown diff.
type applyRequest struct {
	parsed       *config.ParsedConfig
	graph        *engine.Graph
	destroyAll   bool
	parallelism  int
	autoApprove  bool
	refresh      bool
	forceDestroy bool
	command      string
	out          io.Writer
}

// runApply drives the shared plan-approve-execute pipeline for apply and
// destroy. The state lock is held for the full duration.
func runApply(ctx context.Context, rt *runtime, req applyRequest) error {
	owner := lockOwner()
	if err := rt.store.AcquireLock(ctx, owner); err != nil {
		return err
	}
	defer func() {
		// Release with a fresh context so a cancelled run still unlocks.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := rt.store.ReleaseLock(releaseCtx, owner); err != nil {
			rt.logger.WithError(err).Warn("failed to release state lock")
		}
	}()

	snap, err := rt.store.Load(ctx)
	if err != nil {
		return err
	}

	reconciler := engine.NewReconciler(rt.registry)
	var diff *engine.DiffSet
	if req.destroyAll {
		diff = engine.DestroyAll(snap)
	} else {
		if req.refresh {
			drift, err := reconciler.DetectDrift(ctx, snap)
			if err != nil {
				return err
			}
			for range drift {
				rt.metrics.RecordDriftDetection("refresh")
			}
			applyDrift(snap, drift)
		}
		diff, err = reconciler.Diff(ctx, req.graph, snap)
		if err != nil {
			return err
		}
	}

	plan, err := engine.NewPlanner().Plan(ctx, diff, req.graph, snap.Serial)
	if err != nil {
		return err
	}
	if plan.IsEmpty() {
		fmt.Fprintln(req.out, "No changes. Nothing to apply.")
		return nil
	}

	policyEng, err := rt.policyEngine(ctx, req.parsed)
	if err != nil {
		return err
	}
	if err := rt.checkPolicy(ctx, policyEng, plan, req.graph, req.forceDestroy); err != nil {
		return err
	}

	renderDiffSet(req.out, diff)
	if !req.autoApprove {
		ok, err := confirm(req.out)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(req.out, "Apply cancelled.")
			return nil
		}
	}

	rt.metrics.RecordRunStarted(req.command)
	started := time.Now()

	executor := engine.NewExecutor(rt.registry, engine.PersisterFunc(rt.store.AppendResult), engine.ExecutorOptions{
		Parallelism: req.parallelism,
		Logger:      rt.logger,
		Metrics:     rt.metrics,
		Tracer:      rt.tracer,
		Events:      eventRecorder(rt),
	})
	run, applyErr := executor.Apply(ctx, plan, req.graph, snap)
	if run != nil {
		if err := rt.store.FinishRun(context.WithoutCancel(ctx), run); err != nil {
			rt.logger.WithError(err).Warn("failed to record run outcome")
		}
		rt.metrics.RecordRunCompleted(string(run.Status), time.Since(started))
		rt.metrics.SetSnapshotStats(len(snap.Entries), snap.Serial)
		renderRun(req.out, run)
	}
	return applyErr
}

// eventRecorder persists engine events without blocking the run on storage
// errors.
func eventRecorder(rt *runtime) engine.EventSink {
	return func(ev engine.Event) {
		ev.ID = uuid.New().String()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := rt.store.AppendEvent(ctx, &ev); err != nil {
			rt.logger.WithError(err).Debug("failed to append event")
		}
	}
}

// confirm prompts for explicit approval on stdin. Only "yes" approves.
func confirm(out io.Writer) (bool, error) {
	fmt.Fprint(out, "\nApply these changes? Only 'yes' approves: ")
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false, fmt.Errorf("failed to read approval: %w", err)
	}
	return strings.TrimSpace(line) == "yes", nil
}

// lockOwner identifies this process in the state lock.
func lockOwner() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
