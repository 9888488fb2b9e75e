package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/terrane-dev/terrane/pkg/engine"
)

func destroyPlan(nodeID string, protected bool) *engine.Plan {
	return &engine.Plan{
		ID: "plan-1",
		Steps: []*engine.PlanStep{
			{
				ID:     "step-1",
				NodeID: nodeID,
				Action: engine.ActionDestroy,
				Node: &engine.ResourceNode{
					ID:        nodeID,
					Type:      "null.resource",
					Lifecycle: engine.Lifecycle{PreventDestroy: protected},
				},
			},
		},
	}
}

func TestPreventDestroyPolicy(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name         string
		plan         *engine.Plan
		forceDestroy bool
		wantAllowed  bool
	}{
		{
			name:        "protected destroy denied",
			plan:        destroyPlan("db", true),
			wantAllowed: false,
		},
		{
			name:        "unprotected destroy allowed",
			plan:        destroyPlan("db", false),
			wantAllowed: true,
		},
		{
			name:         "force destroy overrides protection",
			plan:         destroyPlan("db", true),
			forceDestroy: true,
			wantAllowed:  true,
		},
		{
			name: "protected replace denied",
			plan: &engine.Plan{
				ID: "plan-1",
				Steps: []*engine.PlanStep{
					{
						ID:     "step-1",
						NodeID: "db",
						Action: engine.ActionReplace,
						Node: &engine.ResourceNode{
							ID:        "db",
							Type:      "null.resource",
							Lifecycle: engine.Lifecycle{PreventDestroy: true},
						},
					},
				},
			},
			wantAllowed: false,
		},
		{
			name: "protected create allowed",
			plan: &engine.Plan{
				ID: "plan-1",
				Steps: []*engine.PlanStep{
					{
						ID:     "step-1",
						NodeID: "db",
						Action: engine.ActionCreate,
						Node: &engine.ResourceNode{
							ID:        "db",
							Type:      "null.resource",
							Lifecycle: engine.Lifecycle{PreventDestroy: true},
						},
					},
				},
			},
			wantAllowed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEngine(ModeEnforcing, nil)
			result, err := e.EvaluatePlan(ctx, tt.plan, nil, tt.forceDestroy)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if result.Allowed != tt.wantAllowed {
				t.Errorf("allowed = %v, violations = %+v", result.Allowed, result.Violations)
			}
			if !tt.wantAllowed {
				if len(result.Violations) != 1 {
					t.Fatalf("violations = %+v", result.Violations)
				}
				v := result.Violations[0]
				if v.Policy != "prevent-destroy" || v.NodeID != "db" || v.Severity != SeverityError {
					t.Errorf("violation = %+v", v)
				}
			}
		})
	}
}

func TestGraphSuppliesLifecycle(t *testing.T) {
	ctx := context.Background()

	// Destroy steps carry no desired node; the graph provides the
	// lifecycle for nodes that are still declared.
	plan := &engine.Plan{
		ID: "plan-1",
		Steps: []*engine.PlanStep{
			{
				ID:     "step-1",
				NodeID: "db",
				Action: engine.ActionDestroy,
				Before: &engine.NodeRecord{ID: "db", Type: "null.resource"},
			},
		},
	}
	builder := engine.NewGraphBuilder()
	g, err := builder.Build([]engine.Declaration{
		{
			ID:        "db",
			Type:      "null.resource",
			Lifecycle: engine.Lifecycle{PreventDestroy: true},
		},
	}, nil)
	if err != nil {
		t.Fatalf("graph build failed: %v", err)
	}

	e := NewEngine(ModeEnforcing, nil)
	result, err := e.EvaluatePlan(ctx, plan, g, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Allowed {
		t.Errorf("expected denial, violations = %+v", result.Violations)
	}
}

func TestDefaultMode(t *testing.T) {
	if e := NewEngine("", nil); e.Mode() != ModeEnforcing {
		t.Errorf("mode = %s", e.Mode())
	}
	if e := NewEngine(ModeAdvisory, nil); e.Mode() != ModeAdvisory {
		t.Errorf("mode = %s", e.Mode())
	}
}

func TestLoadPaths(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	rego := `package terrane.policies.types

import rego.v1

deny contains violation if {
	some step in input.plan.steps
	step.type == "forbidden.resource"
	violation := {
		"message": sprintf("type %s is not allowed", [step.type]),
		"node": step.node_id,
	}
}`
	if err := os.WriteFile(filepath.Join(dir, "types.rego"), []byte(rego), 0o644); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644); err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	e := NewEngine(ModeEnforcing, nil)
	if err := e.LoadPaths(ctx, []string{dir}); err != nil {
		t.Fatalf("load failed: %v", err)
	}

	plan := &engine.Plan{
		ID: "plan-1",
		Steps: []*engine.PlanStep{
			{
				ID:     "step-1",
				NodeID: "x",
				Action: engine.ActionCreate,
				Node:   &engine.ResourceNode{ID: "x", Type: "forbidden.resource"},
			},
		},
	}
	result, err := e.EvaluatePlan(ctx, plan, nil, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Allowed {
		t.Errorf("expected denial, violations = %+v", result.Violations)
	}

	// Loading the same directory again collides on the policy name.
	if err := e.LoadPaths(ctx, []string{dir}); err == nil {
		t.Error("expected duplicate name error")
	}
}

func TestLoadPathsMissing(t *testing.T) {
	e := NewEngine(ModeEnforcing, nil)
	if err := e.LoadPaths(context.Background(), []string{"/nonexistent/policies"}); err == nil {
		t.Error("expected an error for a missing path")
	}
}
