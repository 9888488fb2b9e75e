package commands

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/terrane-dev/terrane/pkg/engine"
)

// replanDebounce coalesces bursts of file events into one replan.
const replanDebounce = 300 * time.Millisecond

func newDevCommand() *cobra.Command {
	var (
		metricsAddr string
		varFiles    []string
		varFlags    []string
	)

	cmd := &cobra.Command{
		Use:   "dev",
		Short: "Watch declarations and replan on change",
		Long: `Watch the declaration sources and print a fresh plan whenever they
change.

Nothing is applied; this is a fast feedback loop for editing declarations.
With --metrics-addr set, a Prometheus endpoint serves engine metrics for
the lifetime of the watch.`,
		Example: `  # Watch the current directory
  terrane dev

  # Watch with a metrics endpoint
  terrane dev --metrics-addr :9090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := newRuntime(cmd.Root().Version)
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			if metricsAddr != "" {
				mux := http.NewServeMux()
				mux.Handle(rt.cfg.Metrics.Path, rt.metrics.Handler())
				server := &http.Server{Addr: metricsAddr, Handler: mux}
				go func() {
					if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						rt.logger.WithError(err).Error("metrics endpoint failed")
					}
				}()
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
					defer cancel()
					_ = server.Shutdown(shutdownCtx)
				}()
				rt.logger.WithField("addr", metricsAddr).Info("serving metrics")
			}

			watcher, err := fsnotify.NewWatcher()
			if err != nil {
				return fmt.Errorf("failed to create watcher: %w", err)
			}
			defer watcher.Close()

			for _, path := range configPaths {
				dir := path
				if info, err := os.Stat(path); err == nil && !info.IsDir() {
					dir = filepath.Dir(path)
				}
				if err := watcher.Add(dir); err != nil {
					return fmt.Errorf("failed to watch %s: %w", dir, err)
				}
			}

			out := cmd.OutOrStdout()
			replan := func() {
				fmt.Fprintf(out, "\n--- %s\n", time.Now().Format("15:04:05"))
				if err := devPlan(ctx, rt, varFiles, varFlags, out); err != nil {
					fmt.Fprintf(out, "error: %v\n", err)
				}
			}
			replan()

			var timer *time.Timer
			pending := make(chan struct{}, 1)
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-pending:
					replan()
				case ev, ok := <-watcher.Events:
					if !ok {
						return nil
					}
					if !relevantChange(ev) {
						continue
					}
					if timer != nil {
						timer.Stop()
					}
					timer = time.AfterFunc(replanDebounce, func() {
						select {
						case pending <- struct{}{}:
						default:
						}
					})
				case err, ok := <-watcher.Errors:
					if !ok {
						return nil
					}
					rt.logger.WithError(err).Warn("watch error")
				}
			}
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	cmd.Flags().StringSliceVar(&varFiles, "var-file", nil, "YAML variable files")
	cmd.Flags().StringSliceVar(&varFlags, "var", nil, "variable overrides (key=value)")

	return cmd
}

// devPlan computes and prints one plan iteration.
func devPlan(ctx context.Context, rt *runtime, varFiles, varFlags []string, out io.Writer) error {
	parsed, graph, err := rt.loadConfig(ctx, varFiles, varFlags)
	if err != nil {
		return err
	}
	if rt.store == nil {
		if err := rt.openState(ctx, parsed); err != nil {
			return err
		}
	}
	snap, err := rt.store.Load(ctx)
	if err != nil {
		return err
	}
	diff, err := engine.NewReconciler(rt.registry).Diff(ctx, graph, snap)
	if err != nil {
		return err
	}
	renderDiffSet(out, diff)
	return nil
}

// relevantChange filters watch events down to declaration edits.
func relevantChange(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
		return false
	}
	ext := strings.ToLower(filepath.Ext(ev.Name))
	return ext == ".cue" || ext == ".yaml" || ext == ".yml"
}
