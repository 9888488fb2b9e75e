package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/terrane-dev/terrane/pkg/config"
	"github.com/terrane-dev/terrane/pkg/engine"
	"github.com/terrane-dev/terrane/pkg/policy"
	"github.com/terrane-dev/terrane/pkg/providers/file"
	"github.com/terrane-dev/terrane/pkg/providers/null"
	"github.com/terrane-dev/terrane/pkg/state"
	"github.com/terrane-dev/terrane/pkg/telemetry"
)

// defaultStatePath is used when neither the --state flag nor the workspace
// declaration sets one.
const defaultStatePath = "terrane.db"

// runtime bundles the wired components a command needs: telemetry, the
// provider registry, the parser, and (once opened) the state store.
type runtime struct {
	cfg      *telemetry.Config
	logger   *telemetry.Logger
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
	registry *engine.Registry
	parser   *config.Parser
	store    *state.SQLiteStore
}

// newRuntime wires telemetry and the builtin providers from the global
// flags.
func newRuntime(version string) (*runtime, error) {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = version
	cfg.Logging.Level = logLevel
	if jsonOutput {
		cfg.Logging.Format = "json"
	}
	if err := cfg.Validate(); err != nil {
		return nil, engine.NewValidationError("invalid telemetry configuration", err)
	}

	logger, err := telemetry.NewLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	metrics, err := telemetry.NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}
	tracer, err := telemetry.NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, fmt.Errorf("failed to create tracer: %w", err)
	}

	registry := engine.NewRegistry()
	if err := registry.Register(null.New()); err != nil {
		return nil, err
	}
	if err := registry.Register(file.New()); err != nil {
		return nil, err
	}

	return &runtime{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		tracer:   tracer,
		registry: registry,
		parser:   config.NewParser(),
	}, nil
}

// Close releases the state store and flushes the tracer.
func (rt *runtime) Close(ctx context.Context) {
	if rt.store != nil {
		if err := rt.store.Close(); err != nil {
			rt.logger.WithError(err).Warn("failed to close state store")
		}
	}
	if rt.tracer != nil {
		if err := rt.tracer.Shutdown(ctx); err != nil {
			rt.logger.WithError(err).Warn("failed to shut down tracer")
		}
	}
}

// loadConfig parses the declaration sources with variable overrides and
// builds the dependency graph. Parse errors are printed and returned as a
// validation error.
func (rt *runtime) loadConfig(ctx context.Context, varFiles, varFlags []string) (*config.ParsedConfig, *engine.Graph, error) {
	overrides, err := config.CollectVariables(varFiles, varFlags)
	if err != nil {
		return nil, nil, engine.NewValidationError("invalid variable overrides", err)
	}

	parsed, err := rt.parser.Parse(ctx, configPaths, overrides)
	if err != nil {
		return nil, nil, err
	}
	if parsed.HasErrors() {
		printValidationErrors(parsed.Errors)
		return parsed, nil, engine.NewValidationError(
			fmt.Sprintf("configuration has %d error(s)", len(parsed.Errors)), nil)
	}

	decls, modules := parsed.Declarations()
	graph, err := engine.NewGraphBuilder().Build(decls, modules)
	if err != nil {
		return parsed, nil, err
	}
	if err := rt.registry.ValidateGraph(ctx, graph); err != nil {
		return parsed, graph, err
	}
	return parsed, graph, nil
}

// openState opens the SQLite state store. The --state flag wins over the
// workspace declaration.
func (rt *runtime) openState(ctx context.Context, parsed *config.ParsedConfig) error {
	path := statePath
	if path == "" && parsed != nil {
		path = parsed.Workspace.StatePath
	}
	if path == "" {
		path = defaultStatePath
	}
	store, err := state.Open(ctx, state.Config{Path: path})
	if err != nil {
		return fmt.Errorf("failed to open state at %s: %w", path, err)
	}
	rt.store = store
	rt.logger.WithField("path", path).Debug("state store opened")
	return nil
}

// policyEngine builds the policy engine from the workspace declaration and
// loads any declared policy paths.
func (rt *runtime) policyEngine(ctx context.Context, parsed *config.ParsedConfig) (*policy.Engine, error) {
	mode := policy.ModeEnforcing
	var paths []string
	if parsed != nil && parsed.Workspace.Policy != nil {
		decl := parsed.Workspace.Policy
		if !decl.Enabled {
			return nil, nil
		}
		if decl.Mode != "" {
			mode = policy.Mode(decl.Mode)
		}
		paths = decl.Paths
	}
	eng := policy.NewEngine(mode, rt.logger)
	if len(paths) > 0 {
		if err := eng.LoadPaths(ctx, paths); err != nil {
			return nil, err
		}
	}
	return eng, nil
}

// checkPolicy evaluates the plan against policy and reports violations. In
// enforcing mode an error-severity violation fails the command.
func (rt *runtime) checkPolicy(ctx context.Context, eng *policy.Engine, plan *engine.Plan, g *engine.Graph, forceDestroy bool) error {
	if eng == nil {
		return nil
	}
	result, err := eng.EvaluatePlan(ctx, plan, g, forceDestroy)
	if err != nil {
		return err
	}
	for _, w := range result.Warnings {
		fmt.Fprintf(os.Stderr, "policy warning: %s\n", w)
	}
	for _, v := range result.Violations {
		fmt.Fprintf(os.Stderr, "policy %s [%s]: %s\n", v.Policy, v.Severity, v.Message)
	}
	if !result.Allowed && eng.Mode() == policy.ModeEnforcing {
		return engine.NewValidationError(
			fmt.Sprintf("plan denied by policy: %d violation(s)", len(result.Violations)), nil).
			WithCode(engine.ErrCodePolicyDenied)
	}
	return nil
}

// printValidationErrors writes parse errors with positions to stderr.
func printValidationErrors(errs []config.ValidationError) {
	for _, e := range errs {
		switch {
		case e.File != "" && e.Line > 0:
			fmt.Fprintf(os.Stderr, "%s:%d:%d: %s\n", e.File, e.Line, e.Column, e.Message)
		case e.File != "":
			fmt.Fprintf(os.Stderr, "%s: %s\n", e.File, e.Message)
		case e.Path != "":
			fmt.Fprintf(os.Stderr, "%s: %s\n", e.Path, e.Message)
		default:
			fmt.Fprintln(os.Stderr, e.Message)
		}
	}
}
