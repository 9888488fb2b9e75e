package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/rego"

	"github.com/terrane-dev/terrane/pkg/engine"
	"github.com/terrane-dev/terrane/pkg/telemetry"
)

// Engine evaluates Rego policies against plans.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*Policy
	mode     Mode
	logger   *telemetry.Logger
}

// NewEngine creates a policy engine preloaded with the builtin policies.
func NewEngine(mode Mode, logger *telemetry.Logger) *Engine {
	if mode == "" {
		mode = ModeEnforcing
	}
	if logger == nil {
		logger = telemetry.Nop()
	}
	e := &Engine{
		policies: make(map[string]*Policy),
		mode:     mode,
		logger:   logger.NewComponentLogger("policy"),
	}
	for _, p := range BuiltinPolicies() {
		p := p
		e.policies[p.Name] = &p
	}
	return e
}

// Mode returns the configured enforcement mode.
func (e *Engine) Mode() Mode {
	return e.mode
}

// LoadPaths loads additional .rego policies from the given files and
// directories.
func (e *Engine) LoadPaths(ctx context.Context, paths []string) error {
	policies, err := LoadFromPaths(ctx, paths)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range policies {
		p := policies[i]
		if _, exists := e.policies[p.Name]; exists {
			return fmt.Errorf("duplicate policy name %q from %s", p.Name, p.Source)
		}
		e.policies[p.Name] = &p
	}
	e.logger.Debugf("loaded %d policies from %d paths", len(policies), len(paths))
	return nil
}

// EvaluatePlan runs every policy against the plan and collects denials.
// In enforcing mode the caller must refuse to execute a plan whose result
// is not allowed.
func (e *Engine) EvaluatePlan(ctx context.Context, plan *engine.Plan, g *engine.Graph, forceDestroy bool) (*Result, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	input := NewPlanInput(plan, g, forceDestroy)
	result := &Result{Allowed: true, EvaluatedAt: time.Now().UTC()}

	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		p := e.policies[name]
		violations, err := e.evaluate(ctx, p, input)
		if err != nil {
			e.logger.WithError(err).Warnf("policy %s evaluation failed", p.Name)
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("policy %s evaluation failed: %v", p.Name, err))
			continue
		}
		result.Violations = append(result.Violations, violations...)
	}

	for _, v := range result.Violations {
		if v.Severity == SeverityError {
			result.Allowed = false
			break
		}
	}
	return result, nil
}

// evaluate runs one policy's deny query against the input document.
func (e *Engine) evaluate(ctx context.Context, p *Policy, input *PlanInput) ([]Violation, error) {
	query := fmt.Sprintf("data.%s.deny", packageName(p.Rego))

	r := rego.New(
		rego.Module(p.Name, p.Rego),
		rego.Query(query),
		rego.Input(input),
	)
	results, err := r.Eval(ctx)
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, result := range results {
		for _, expr := range result.Expressions {
			denySet, ok := expr.Value.([]interface{})
			if !ok {
				continue
			}
			for _, d := range denySet {
				violations = append(violations, newViolation(p, d))
			}
		}
	}
	return violations, nil
}

// newViolation builds a Violation from a deny set element, which may be a
// plain message string or a structured object.
func newViolation(p *Policy, result any) Violation {
	v := Violation{Policy: p.Name, Severity: p.Severity}
	switch tv := result.(type) {
	case string:
		v.Message = tv
	case map[string]any:
		if msg, ok := tv["message"].(string); ok {
			v.Message = msg
		}
		if node, ok := tv["node"].(string); ok {
			v.NodeID = node
		}
		if sev, ok := tv["severity"].(string); ok {
			v.Severity = Severity(sev)
		}
	default:
		v.Message = fmt.Sprintf("%v", result)
	}
	return v
}

// packageName extracts the package path from Rego source.
func packageName(src string) string {
	for _, line := range strings.Split(src, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "package ") {
			parts := strings.Fields(trimmed)
			if len(parts) >= 2 {
				return parts[1]
			}
		}
	}
	return "terrane.policies"
}
