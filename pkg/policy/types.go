// Package policy evaluates Rego policies against execution plans before any
// mutation happens. A builtin policy protects nodes whose lifecycle sets
// prevent_destroy; additional .rego policies load from workspace paths.
package policy

import (
	"time"

	"github.com/terrane-dev/terrane/pkg/engine"
)

// Severity indicates how a policy violation is treated.
type Severity string

const (
	// SeverityError violations block the plan in enforcing mode.
	SeverityError Severity = "error"

	// SeverityWarning violations are reported but never block.
	SeverityWarning Severity = "warning"
)

// Mode selects how violations affect a run.
type Mode string

const (
	// ModeAdvisory reports violations without blocking execution.
	ModeAdvisory Mode = "advisory"

	// ModeEnforcing fails the run before execution on any error-severity
	// violation.
	ModeEnforcing Mode = "enforcing"
)

// Policy is a named Rego policy.
type Policy struct {
	// Name identifies the policy.
	Name string `json:"name"`

	// Description explains what the policy checks.
	Description string `json:"description,omitempty"`

	// Severity applies to violations the policy produces.
	Severity Severity `json:"severity"`

	// Source is where the policy came from (builtin or a file path).
	Source string `json:"source,omitempty"`

	// Rego is the policy source code. It must define a "deny" set.
	Rego string `json:"rego"`
}

// Violation is one policy denial.
type Violation struct {
	// Policy is the name of the violated policy.
	Policy string `json:"policy"`

	// NodeID is the affected node, when the violation names one.
	NodeID string `json:"node_id,omitempty"`

	// Severity is the violation severity.
	Severity Severity `json:"severity"`

	// Message describes the violation.
	Message string `json:"message"`
}

// Result is the outcome of evaluating all policies against a plan.
type Result struct {
	// Allowed is false when an error-severity violation exists.
	Allowed bool `json:"allowed"`

	// Violations lists all denials.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists policies that failed to evaluate.
	Warnings []string `json:"warnings,omitempty"`

	// EvaluatedAt is when the evaluation ran.
	EvaluatedAt time.Time `json:"evaluated_at"`
}

// PlanInput is the document handed to Rego as "input".
type PlanInput struct {
	// Plan describes the plan under evaluation.
	Plan PlanDocument `json:"plan"`

	// ForceDestroy is set when the operator explicitly overrides
	// prevent_destroy protection.
	ForceDestroy bool `json:"force_destroy"`
}

// PlanDocument is the policy-facing view of a plan.
type PlanDocument struct {
	ID    string         `json:"id"`
	Steps []StepDocument `json:"steps"`
}

// StepDocument is the policy-facing view of one plan step.
type StepDocument struct {
	NodeID         string         `json:"node_id"`
	Action         string         `json:"action"`
	Type           string         `json:"type,omitempty"`
	PreventDestroy bool           `json:"prevent_destroy"`
	Attrs          map[string]any `json:"attrs,omitempty"`
}

// NewPlanInput converts an engine plan into the policy input document. The
// graph, when available, supplies lifecycle settings for destroy steps whose
// nodes are still declared; it may be nil for full teardowns.
func NewPlanInput(plan *engine.Plan, g *engine.Graph, forceDestroy bool) *PlanInput {
	doc := PlanDocument{ID: plan.ID}
	for _, step := range plan.Steps {
		sd := StepDocument{
			NodeID: step.NodeID,
			Action: string(step.Action),
		}
		switch {
		case step.Node != nil:
			sd.Type = step.Node.Type
			sd.PreventDestroy = step.Node.Lifecycle.PreventDestroy
			sd.Attrs = step.Node.Attrs
		case step.Before != nil:
			sd.Type = step.Before.Type
		}
		if g != nil && !sd.PreventDestroy {
			if node := g.Node(step.NodeID); node != nil {
				sd.PreventDestroy = node.Lifecycle.PreventDestroy
			}
		}
		doc.Steps = append(doc.Steps, sd)
	}
	return &PlanInput{Plan: doc, ForceDestroy: forceDestroy}
}
