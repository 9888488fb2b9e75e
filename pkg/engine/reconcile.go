package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
)

// Reconciler computes the difference between a desired graph and a persisted
// snapshot.
type Reconciler struct {
	registry *Registry
}

// NewReconciler creates a reconciler. The registry is only needed for drift
// detection and may be nil otherwise.
func NewReconciler(registry *Registry) *Reconciler {
	return &Reconciler{registry: registry}
}

// Diff reconciles the graph against the snapshot and returns one diff entry
// per graph node plus one destroy entry per snapshot record that no longer
// has a matching node. The input snapshot is never mutated.
func (r *Reconciler) Diff(ctx context.Context, g *Graph, snap *Snapshot) (*DiffSet, error) {
	if g == nil {
		return nil, NewValidationError("graph is nil", nil)
	}
	if snap == nil {
		snap = NewSnapshot()
	}

	set := &DiffSet{byID: make(map[string]*ResourceDiff)}

	for _, id := range g.NodeIDs() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		node := g.Node(id)
		diff, err := r.diffNode(node, snap)
		if err != nil {
			return nil, fmt.Errorf("failed to diff node %s: %w", id, err)
		}
		set.Diffs = append(set.Diffs, *diff)
	}

	// Snapshot records with no matching graph node are destroyed. Sorted
	// for deterministic output; the planner orders them against each
	// other by recorded dependencies.
	var orphans []string
	for id := range snap.Entries {
		if g.Node(id) == nil {
			orphans = append(orphans, id)
		}
	}
	sort.Strings(orphans)
	for _, id := range orphans {
		set.Diffs = append(set.Diffs, ResourceDiff{
			NodeID: id,
			Action: ActionDestroy,
			Before: snap.Entries[id].Clone(),
		})
	}

	for i := range set.Diffs {
		d := &set.Diffs[i]
		set.byID[d.NodeID] = d
		switch d.Action {
		case ActionCreate:
			set.Summary.Create++
		case ActionUpdate:
			set.Summary.Update++
		case ActionReplace:
			set.Summary.Replace++
		case ActionDestroy:
			set.Summary.Destroy++
		case ActionNoOp:
			set.Summary.NoOp++
		}
	}

	return set, nil
}

// diffNode classifies the change required for a single graph node.
func (r *Reconciler) diffNode(node *ResourceNode, snap *Snapshot) (*ResourceDiff, error) {
	rec := snap.Entry(node.ID)
	if rec == nil {
		return &ResourceDiff{
			NodeID: node.ID,
			Action: ActionCreate,
			After:  cloneValueMap(node.Attrs),
		}, nil
	}

	// Resolve references against recorded dependency outputs where
	// available. A reference to a node being created stays unresolved,
	// which reads as a change and correctly forces an update.
	desired := resolveAgainstSnapshot(node.Attrs, snap)

	if structurallyEqual(desired, rec.Attrs) {
		return &ResourceDiff{
			NodeID: node.ID,
			Action: ActionNoOp,
			Before: rec.Clone(),
			After:  desired,
		}, nil
	}

	changed := changedKeys(desired, rec.Attrs)
	forced := intersect(changed, node.Lifecycle.ImmutableKeys)

	action := ActionUpdate
	if len(forced) > 0 {
		action = ActionReplace
	}
	return &ResourceDiff{
		NodeID:      node.ID,
		Action:      action,
		Before:      rec.Clone(),
		After:       desired,
		ChangedKeys: changed,
		ForcedBy:    forced,
	}, nil
}

// DetectDrift reads every snapshot record through its provider and reports
// divergence between the recorded and observed attributes. Drift is
// reported, never merged into the snapshot.
func (r *Reconciler) DetectDrift(ctx context.Context, snap *Snapshot) ([]DriftReport, error) {
	if r.registry == nil {
		return nil, NewInternalError("drift detection requires a provider registry", nil)
	}

	ids := make([]string, 0, len(snap.Entries))
	for id := range snap.Entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var reports []DriftReport
	for _, id := range ids {
		rec := snap.Entries[id]
		p, err := r.registry.Lookup(rec.Type)
		if err != nil {
			return nil, fmt.Errorf("failed to refresh node %s: %w", id, err)
		}
		observed, err := p.Read(ctx, ReadRequest{NodeID: id, Type: rec.Type, Prior: rec.Clone()})
		if err != nil {
			return nil, NewProviderError("read failed during refresh", err).
				WithNode(id).WithOperation("read")
		}
		if observed == nil {
			reports = append(reports, DriftReport{NodeID: id, Missing: true})
			continue
		}
		if changed := changedKeys(observed.Attrs, rec.Attrs); len(changed) > 0 {
			reports = append(reports, DriftReport{NodeID: id, ChangedKeys: changed})
		}
	}
	return reports, nil
}

// resolveAgainstSnapshot substitutes references whose target has recorded
// outputs. Unavailable references are left as written.
func resolveAgainstSnapshot(attrs map[string]any, snap *Snapshot) map[string]any {
	resolved, err := ResolveAttrs(attrs, func(ref Reference) (any, bool) {
		if rec := snap.Entry(ref.Node); rec != nil {
			if v, ok := rec.Outputs[ref.Output]; ok {
				return v, true
			}
		}
		// Keep the raw placeholder so the value still differs from any
		// recorded resolved value.
		return fmt.Sprintf("${%s.%s}", ref.Node, ref.Output), true
	})
	if err != nil {
		return cloneValueMap(attrs)
	}
	return resolved
}

// structurallyEqual compares two attribute values by structure, not text.
// Both sides are canonicalized through a JSON round trip so that equivalent
// numeric and map representations compare equal.
func structurallyEqual(a, b any) bool {
	return reflect.DeepEqual(canonicalize(a), canonicalize(b))
}

func canonicalize(v any) any {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}

// changedKeys returns the sorted top-level keys whose values differ between
// two attribute maps, including keys present on only one side.
func changedKeys(desired, recorded map[string]any) []string {
	keys := make(map[string]bool)
	for k := range desired {
		keys[k] = true
	}
	for k := range recorded {
		keys[k] = true
	}
	var changed []string
	for k := range keys {
		dv, dok := desired[k]
		rv, rok := recorded[k]
		if dok != rok || !structurallyEqual(dv, rv) {
			changed = append(changed, k)
		}
	}
	sort.Strings(changed)
	return changed
}

func intersect(a, b []string) []string {
	if len(a) == 0 || len(b) == 0 {
		return nil
	}
	set := make(map[string]bool, len(b))
	for _, s := range b {
		set[s] = true
	}
	var out []string
	for _, s := range a {
		if set[s] {
			out = append(out, s)
		}
	}
	return out
}
