package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Planner turns a diff set into an executable plan: a topologically ordered
// sequence of mutating steps with explicit step dependencies.
type Planner struct{}

// NewPlanner creates a new planner.
func NewPlanner() *Planner {
	return &Planner{}
}

// Plan schedules the mutating entries of a diff set. NoOp entries never
// become steps. Mutating steps depend on the steps of their graph
// dependencies; destroy steps run in reverse dependency order, derived from
// the dependencies recorded in the snapshot at apply time. The returned plan
// is immutable and consumed exactly once by the executor.
func (p *Planner) Plan(ctx context.Context, diff *DiffSet, g *Graph, snapshotSerial uint64) (*Plan, error) {
	if diff == nil {
		return nil, NewValidationError("diff set is nil", nil)
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	steps := make(map[string]*PlanStep)
	var order []string

	for i := range diff.Diffs {
		d := &diff.Diffs[i]
		if d.Action == ActionNoOp {
			continue
		}
		if _, exists := steps[d.NodeID]; exists {
			return nil, &PlanConflictError{Node: d.NodeID}
		}
		step := &PlanStep{
			ID:     uuid.New().String(),
			NodeID: d.NodeID,
			Action: d.Action,
			Before: d.Before,
		}
		if node := g.Node(d.NodeID); node != nil {
			step.Node = node
			step.CreateBeforeDestroy = node.Lifecycle.CreateBeforeDestroy
		}
		steps[d.NodeID] = step
		order = append(order, d.NodeID)
	}

	p.linkMutatingSteps(steps, g)
	p.linkDestroySteps(steps)

	sorted, err := p.sortSteps(steps, order, g)
	if err != nil {
		return nil, err
	}

	plan := &Plan{
		ID:             uuid.New().String(),
		CreatedAt:      time.Now().UTC(),
		SnapshotSerial: snapshotSerial,
		Steps:          sorted,
		byNode:         steps,
	}
	for _, step := range sorted {
		switch step.Action {
		case ActionCreate:
			plan.Summary.Create++
		case ActionUpdate:
			plan.Summary.Update++
		case ActionReplace:
			plan.Summary.Replace++
		case ActionDestroy:
			plan.Summary.Destroy++
		}
	}
	return plan, nil
}

// linkMutatingSteps wires create, update and replace steps to the steps of
// their graph dependencies. A dependency without a step needs no change and
// imposes no ordering.
func (p *Planner) linkMutatingSteps(steps map[string]*PlanStep, g *Graph) {
	for nodeID, step := range steps {
		if step.Action == ActionDestroy {
			continue
		}
		for _, dep := range g.DependenciesOf(nodeID) {
			depStep, ok := steps[dep]
			if !ok || depStep.Action == ActionDestroy {
				continue
			}
			step.DependsOn = append(step.DependsOn, depStep.ID)
		}
		sort.Strings(step.DependsOn)
	}
}

// linkDestroySteps orders destroys in reverse dependency order: the destroy
// of a node waits for the destroys of every node recorded as depending on
// it.
func (p *Planner) linkDestroySteps(steps map[string]*PlanStep) {
	for _, step := range steps {
		if step.Action != ActionDestroy || step.Before == nil {
			continue
		}
		for _, dep := range step.Before.Dependencies {
			depStep, ok := steps[dep]
			if !ok || depStep.Action != ActionDestroy {
				continue
			}
			depStep.DependsOn = append(depStep.DependsOn, step.ID)
		}
	}
	for _, step := range steps {
		if step.Action == ActionDestroy {
			sort.Strings(step.DependsOn)
		}
	}
}

// sortSteps produces a deterministic topological order: among ready steps,
// lower declaration ordinal first, then node identity. Destroy steps of
// nodes absent from the graph sort after declared nodes.
func (p *Planner) sortSteps(steps map[string]*PlanStep, order []string, g *Graph) ([]*PlanStep, error) {
	byID := make(map[string]*PlanStep, len(steps))
	for _, s := range steps {
		byID[s.ID] = s
	}

	indegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))
	for _, s := range steps {
		for _, dep := range s.DependsOn {
			if _, ok := byID[dep]; !ok {
				return nil, NewInternalError(
					fmt.Sprintf("step %s depends on unknown step %s", s.ID, dep), nil)
			}
			indegree[s.ID]++
			dependents[dep] = append(dependents[dep], s.ID)
		}
	}

	ordinal := func(s *PlanStep) int {
		if node := g.Node(s.NodeID); node != nil {
			return node.Ordinal
		}
		// Orphan destroys sort last, by identity.
		return int(^uint(0) >> 1)
	}

	var ready []*PlanStep
	for _, s := range steps {
		if indegree[s.ID] == 0 {
			ready = append(ready, s)
		}
	}

	sortReady := func() {
		sort.Slice(ready, func(i, j int) bool {
			oi, oj := ordinal(ready[i]), ordinal(ready[j])
			if oi != oj {
				return oi < oj
			}
			return ready[i].NodeID < ready[j].NodeID
		})
	}

	var sorted []*PlanStep
	for len(ready) > 0 {
		sortReady()
		next := ready[0]
		ready = ready[1:]
		sorted = append(sorted, next)
		for _, depID := range dependents[next.ID] {
			indegree[depID]--
			if indegree[depID] == 0 {
				ready = append(ready, byID[depID])
			}
		}
	}

	if len(sorted) != len(steps) {
		// Unreachable when the graph is acyclic.
		return nil, NewInternalError("plan steps contain an ordering cycle", nil)
	}
	return sorted, nil
}

// DestroyAll builds a diff set that tears down every snapshot record,
// regardless of the current declarations. Used by full destroys.
func DestroyAll(snap *Snapshot) *DiffSet {
	set := &DiffSet{byID: make(map[string]*ResourceDiff)}
	if snap == nil {
		return set
	}
	ids := make([]string, 0, len(snap.Entries))
	for id := range snap.Entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		set.Diffs = append(set.Diffs, ResourceDiff{
			NodeID: id,
			Action: ActionDestroy,
			Before: snap.Entries[id].Clone(),
		})
		set.Summary.Destroy++
	}
	for i := range set.Diffs {
		set.byID[set.Diffs[i].NodeID] = &set.Diffs[i]
	}
	return set
}
