package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/terrane-dev/terrane/pkg/engine"
)

var (
	// Global flags
	configPaths []string
	statePath   string
	logLevel    string
	jsonOutput  bool
)

// Exit codes reported by the CLI.
const (
	ExitOK           = 0
	ExitError        = 1
	ExitValidation   = 2
	ExitPartialApply = 3
	ExitLockConflict = 4
)

// Execute runs the root command.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	rootCmd.SilenceUsage = true
	rootCmd.SilenceErrors = false
	return rootCmd.ExecuteContext(ctx)
}

// ExitCode maps an error returned by Execute to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var partial *engine.PartialApplyError
	if errors.As(err, &partial) {
		return ExitPartialApply
	}
	var lock *engine.LockConflictError
	if errors.As(err, &lock) {
		return ExitLockConflict
	}
	if engine.IsValidation(err) {
		return ExitValidation
	}
	return ExitError
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "terrane",
		Short: "Terrane - declarative infrastructure orchestrator",
		Long: `Terrane reconciles declared resources against recorded state and drives
providers to close the gap.

Pipeline:
  - Typed declarations via CUE, with Starlark for computed attributes
  - Dependency graph from explicit depends_on and ${node.output} references
  - Diff of desired state against the recorded snapshot
  - Topologically ordered plan, executed with bounded parallelism
  - SQLite-backed state with per-step durability
  - Policy checks (OPA/Rego) before anything mutates`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringSliceVarP(&configPaths, "config", "c", []string{"."}, "declaration files or directories")
	rootCmd.PersistentFlags().StringVar(&statePath, "state", "", "state database path (defaults to the workspace setting)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	// Add subcommands
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newApplyCommand())
	rootCmd.AddCommand(newDestroyCommand())
	rootCmd.AddCommand(newDriftCommand())
	rootCmd.AddCommand(newGraphCommand())
	rootCmd.AddCommand(newStateCommand())
	rootCmd.AddCommand(newDevCommand())

	return rootCmd
}
