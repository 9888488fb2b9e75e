package engine

import (
	"context"
	"reflect"
	"testing"
	"time"
)

func buildGraph(t *testing.T, decls []Declaration) *Graph {
	t.Helper()
	g, err := NewGraphBuilder().Build(decls, nil)
	if err != nil {
		t.Fatalf("failed to build graph: %v", err)
	}
	return g
}

func record(id, typ string, attrs, outputs map[string]any, deps ...string) *NodeRecord {
	now := time.Now().UTC()
	return &NodeRecord{
		ID:           id,
		Type:         typ,
		Attrs:        attrs,
		Outputs:      outputs,
		Dependencies: deps,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func TestReconcilerDiff(t *testing.T) {
	ctx := context.Background()

	t.Run("empty snapshot creates everything", func(t *testing.T) {
		g := buildGraph(t, []Declaration{
			decl("network", "null.resource", map[string]any{"cidr": "10.0.0.0/16"}),
			decl("db", "null.resource", map[string]any{"subnet": "${network.id}"}),
		})
		diff, err := NewReconciler(nil).Diff(ctx, g, NewSnapshot())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if diff.Summary.Create != 2 || diff.Summary.Total() != 2 {
			t.Errorf("summary = %+v, want 2 creates", diff.Summary)
		}
		if d := diff.DiffFor("network"); d == nil || d.Action != ActionCreate {
			t.Errorf("network diff = %+v", d)
		}
	})

	t.Run("matching state is a noop", func(t *testing.T) {
		g := buildGraph(t, []Declaration{
			decl("network", "null.resource", map[string]any{"cidr": "10.0.0.0/16"}),
		})
		snap := NewSnapshot()
		snap.Entries["network"] = record("network", "null.resource",
			map[string]any{"cidr": "10.0.0.0/16"}, map[string]any{"id": "net-1"})

		diff, err := NewReconciler(nil).Diff(ctx, g, snap)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if diff.HasChanges() {
			t.Errorf("expected no changes, got %+v", diff.Summary)
		}
		if d := diff.DiffFor("network"); d.Action != ActionNoOp {
			t.Errorf("action = %s, want noop", d.Action)
		}
	})

	t.Run("changed attribute updates", func(t *testing.T) {
		g := buildGraph(t, []Declaration{
			decl("app", "null.resource", map[string]any{"version": "2.0", "replicas": 3}),
		})
		snap := NewSnapshot()
		snap.Entries["app"] = record("app", "null.resource",
			map[string]any{"version": "1.0", "replicas": 3}, nil)

		diff, err := NewReconciler(nil).Diff(ctx, g, snap)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		d := diff.DiffFor("app")
		if d.Action != ActionUpdate {
			t.Fatalf("action = %s, want update", d.Action)
		}
		if !reflect.DeepEqual(d.ChangedKeys, []string{"version"}) {
			t.Errorf("changed keys = %v", d.ChangedKeys)
		}
	})

	t.Run("immutable key forces replace", func(t *testing.T) {
		g := buildGraph(t, []Declaration{
			{
				ID:   "db",
				Type: "null.resource",
				Attrs: map[string]any{
					"engine": "postgres16",
					"size":   "large",
				},
				Lifecycle: Lifecycle{ImmutableKeys: []string{"engine"}},
			},
		})
		snap := NewSnapshot()
		snap.Entries["db"] = record("db", "null.resource",
			map[string]any{"engine": "postgres15", "size": "large"}, nil)

		diff, err := NewReconciler(nil).Diff(ctx, g, snap)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		d := diff.DiffFor("db")
		if d.Action != ActionReplace {
			t.Fatalf("action = %s, want replace", d.Action)
		}
		if !reflect.DeepEqual(d.ForcedBy, []string{"engine"}) {
			t.Errorf("forced by = %v", d.ForcedBy)
		}
	})

	t.Run("removed declaration destroys", func(t *testing.T) {
		g := buildGraph(t, []Declaration{
			decl("keep", "null.resource", nil),
		})
		snap := NewSnapshot()
		snap.Entries["keep"] = record("keep", "null.resource", nil, nil)
		snap.Entries["gone"] = record("gone", "null.resource", nil, nil)

		diff, err := NewReconciler(nil).Diff(ctx, g, snap)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if diff.Summary.Destroy != 1 {
			t.Fatalf("summary = %+v, want 1 destroy", diff.Summary)
		}
		d := diff.DiffFor("gone")
		if d == nil || d.Action != ActionDestroy || d.Before == nil {
			t.Errorf("gone diff = %+v", d)
		}
	})

	t.Run("resolved reference matching recorded value is a noop", func(t *testing.T) {
		g := buildGraph(t, []Declaration{
			decl("network", "null.resource", map[string]any{"cidr": "10.0.0.0/16"}),
			decl("db", "null.resource", map[string]any{"subnet": "${network.id}"}),
		})
		snap := NewSnapshot()
		snap.Entries["network"] = record("network", "null.resource",
			map[string]any{"cidr": "10.0.0.0/16"}, map[string]any{"id": "net-1"})
		snap.Entries["db"] = record("db", "null.resource",
			map[string]any{"subnet": "net-1"}, nil, "network")

		diff, err := NewReconciler(nil).Diff(ctx, g, snap)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if diff.HasChanges() {
			t.Errorf("expected idempotent re-plan, got %+v", diff.Summary)
		}
	})

	t.Run("reference to missing dependency forces update", func(t *testing.T) {
		// The network record is gone, so the db's subnet reference cannot
		// resolve and must read as a change.
		g := buildGraph(t, []Declaration{
			decl("network", "null.resource", map[string]any{"cidr": "10.0.0.0/16"}),
			decl("db", "null.resource", map[string]any{"subnet": "${network.id}"}),
		})
		snap := NewSnapshot()
		snap.Entries["db"] = record("db", "null.resource",
			map[string]any{"subnet": "net-1"}, nil, "network")

		diff, err := NewReconciler(nil).Diff(ctx, g, snap)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if d := diff.DiffFor("db"); d.Action != ActionUpdate {
			t.Errorf("db action = %s, want update", d.Action)
		}
		if d := diff.DiffFor("network"); d.Action != ActionCreate {
			t.Errorf("network action = %s, want create", d.Action)
		}
	})
}

// readProvider wraps the test provider with a canned Read response.
type readProvider struct {
	*testProvider
	read func(req ReadRequest) (*ResourceState, error)
}

func (p *readProvider) Read(ctx context.Context, req ReadRequest) (*ResourceState, error) {
	return p.read(req)
}

func TestDetectDrift(t *testing.T) {
	ctx := context.Background()

	snap := NewSnapshot()
	snap.Entries["a"] = record("a", "null.resource", map[string]any{"v": "1"}, nil)
	snap.Entries["b"] = record("b", "null.resource", map[string]any{"v": "1"}, nil)
	snap.Entries["c"] = record("c", "null.resource", map[string]any{"v": "1"}, nil)

	registry := NewRegistry()
	err := registry.Register(&readProvider{
		testProvider: newTestProvider("null"),
		read: func(req ReadRequest) (*ResourceState, error) {
			switch req.NodeID {
			case "a":
				return nil, nil // gone
			case "b":
				return &ResourceState{Attrs: map[string]any{"v": "2"}}, nil
			default:
				return &ResourceState{Attrs: req.Prior.Attrs}, nil
			}
		},
	})
	if err != nil {
		t.Fatalf("failed to register provider: %v", err)
	}

	reports, err := NewReconciler(registry).DetectDrift(ctx, snap)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(reports) != 2 {
		t.Fatalf("expected 2 drift reports, got %+v", reports)
	}
	if !reports[0].Missing || reports[0].NodeID != "a" {
		t.Errorf("report[0] = %+v, want missing a", reports[0])
	}
	if reports[1].NodeID != "b" || !reflect.DeepEqual(reports[1].ChangedKeys, []string{"v"}) {
		t.Errorf("report[1] = %+v", reports[1])
	}
}
