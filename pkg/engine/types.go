package engine

import (
	"fmt"
	"sort"
	"sync/atomic"
	"time"
)

// Lifecycle holds per-node lifecycle settings from a declaration.
type Lifecycle struct {
	// CreateBeforeDestroy orders a replacement as create-then-destroy
	// instead of the default destroy-then-create.
	CreateBeforeDestroy bool `json:"create_before_destroy,omitempty"`

	// PreventDestroy marks the node as protected from destroy and replace
	// actions. Enforcement happens at the policy layer.
	PreventDestroy bool `json:"prevent_destroy,omitempty"`

	// ImmutableKeys lists attribute keys that cannot change in place. A
	// change to any of them forces a replace.
	ImmutableKeys []string `json:"immutable_keys,omitempty"`
}

// Declaration is a single desired resource as parsed from configuration.
// The graph builder turns a set of declarations into resource nodes.
type Declaration struct {
	// ID is the node identity, unique within a declaration set.
	ID string `json:"id"`

	// Type is the resource type, e.g. "file.local" or "null.resource".
	// The prefix before the first dot selects the provider.
	Type string `json:"type"`

	// Attrs are the declared attribute values. String values may contain
	// "${node.output}" interpolations.
	Attrs map[string]any `json:"attrs,omitempty"`

	// DependsOn lists explicit dependency node identities.
	DependsOn []string `json:"depends_on,omitempty"`

	// Lifecycle holds lifecycle settings.
	Lifecycle Lifecycle `json:"lifecycle,omitempty"`

	// Ordinal is the declaration position, used for deterministic
	// ordering. Assigned by the parser.
	Ordinal int `json:"-"`
}

// ModuleDeclaration is a named group of resource declarations with an
// input/output boundary. The graph builder inlines modules into plain nodes
// before building edges.
type ModuleDeclaration struct {
	// Name is the module instance name, unique within a declaration set.
	Name string `json:"name"`

	// Inputs are values substituted for "@input(name)" references inside
	// the module body.
	Inputs map[string]any `json:"inputs,omitempty"`

	// Outputs maps an exported output name to "<inner-resource>.<output>".
	Outputs map[string]string `json:"outputs,omitempty"`

	// Resources are the module's inner declarations. Their IDs are scoped
	// to the module and prefixed with "module.<name>." when inlined.
	Resources []Declaration `json:"resources,omitempty"`

	// DependsOn lists node identities every inlined resource depends on.
	DependsOn []string `json:"depends_on,omitempty"`
}

// ResourceNode is a vertex of the dependency graph.
type ResourceNode struct {
	// ID is the node identity. Module-scoped nodes use
	// "module.<name>.<resource>".
	ID string `json:"id"`

	// Type is the resource type.
	Type string `json:"type"`

	// Attrs are the declared attributes after variable and module input
	// substitution. Interpolations remain unresolved until execution.
	Attrs map[string]any `json:"attrs,omitempty"`

	// Lifecycle holds the node's lifecycle settings.
	Lifecycle Lifecycle `json:"lifecycle,omitempty"`

	// Module is the owning module instance name, empty for top-level nodes.
	Module string `json:"module,omitempty"`

	// Ordinal preserves declaration order for deterministic planning.
	Ordinal int `json:"-"`
}

// DependencyEdge records a single dependency between two nodes.
type DependencyEdge struct {
	// From is the dependent node.
	From string `json:"from"`

	// To is the node From depends on.
	To string `json:"to"`

	// Implicit is true when the edge came from attribute interpolation
	// rather than an explicit depends_on entry.
	Implicit bool `json:"implicit,omitempty"`
}

// Graph is a validated, acyclic dependency graph over resource nodes.
// It is immutable after Build returns it.
type Graph struct {
	nodes      map[string]*ResourceNode
	order      []string
	edges      []DependencyEdge
	deps       map[string][]string
	dependents map[string][]string
}

// Node returns the node with the given identity, or nil.
func (g *Graph) Node(id string) *ResourceNode {
	return g.nodes[id]
}

// NodeIDs returns all node identities in declaration order.
func (g *Graph) NodeIDs() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	return len(g.nodes)
}

// Edges returns all dependency edges.
func (g *Graph) Edges() []DependencyEdge {
	out := make([]DependencyEdge, len(g.edges))
	copy(out, g.edges)
	return out
}

// DependenciesOf returns the identities a node depends on, sorted.
func (g *Graph) DependenciesOf(id string) []string {
	out := make([]string, len(g.deps[id]))
	copy(out, g.deps[id])
	sort.Strings(out)
	return out
}

// DependentsOf returns the identities that depend on a node, sorted.
func (g *Graph) DependentsOf(id string) []string {
	out := make([]string, len(g.dependents[id]))
	copy(out, g.dependents[id])
	sort.Strings(out)
	return out
}

// NodeRecord is the persisted record of one applied node in a snapshot.
type NodeRecord struct {
	// ID is the node identity.
	ID string `json:"id"`

	// Type is the resource type at apply time.
	Type string `json:"type"`

	// Attrs are the fully resolved attributes the node was applied with.
	Attrs map[string]any `json:"attrs,omitempty"`

	// Outputs are the provider-reported output values.
	Outputs map[string]any `json:"outputs,omitempty"`

	// Dependencies are the node identities this node depended on at apply
	// time. Used to order destroys for nodes no longer declared.
	Dependencies []string `json:"dependencies,omitempty"`

	// CreatedAt is when the node was first applied.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the record was last written.
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy of the record.
func (r *NodeRecord) Clone() *NodeRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.Attrs = cloneValueMap(r.Attrs)
	c.Outputs = cloneValueMap(r.Outputs)
	c.Dependencies = append([]string(nil), r.Dependencies...)
	return &c
}

// Snapshot is the full persisted state: one record per applied node plus a
// monotonically increasing serial.
type Snapshot struct {
	// Serial increments on every persisted write.
	Serial uint64 `json:"serial"`

	// Lineage identifies the snapshot's origin workspace and never changes
	// once assigned.
	Lineage string `json:"lineage,omitempty"`

	// Entries maps node identity to its record.
	Entries map[string]*NodeRecord `json:"entries"`
}

// NewSnapshot returns an empty snapshot.
func NewSnapshot() *Snapshot {
	return &Snapshot{Entries: make(map[string]*NodeRecord)}
}

// Clone returns a deep copy of the snapshot.
func (s *Snapshot) Clone() *Snapshot {
	c := &Snapshot{Serial: s.Serial, Lineage: s.Lineage, Entries: make(map[string]*NodeRecord, len(s.Entries))}
	for id, rec := range s.Entries {
		c.Entries[id] = rec.Clone()
	}
	return c
}

// Entry returns the record for a node identity, or nil.
func (s *Snapshot) Entry(id string) *NodeRecord {
	if s == nil {
		return nil
	}
	return s.Entries[id]
}

// ResourceDiff describes the action required to bring one node to its
// desired state.
type ResourceDiff struct {
	// NodeID is the node identity.
	NodeID string `json:"node_id"`

	// Action is the required change.
	Action ActionType `json:"action"`

	// Before is the current snapshot record, nil for creates.
	Before *NodeRecord `json:"before,omitempty"`

	// After holds the desired attributes, nil for destroys.
	After map[string]any `json:"after,omitempty"`

	// ChangedKeys lists the attribute keys that differ, for updates and
	// replaces.
	ChangedKeys []string `json:"changed_keys,omitempty"`

	// ForcedBy lists the immutable keys whose change forced a replace.
	ForcedBy []string `json:"forced_by,omitempty"`
}

// DriftReport records a divergence between a snapshot record and the real
// resource as observed by a provider Read.
type DriftReport struct {
	// NodeID is the drifted node.
	NodeID string `json:"node_id"`

	// Missing is true when the real resource no longer exists.
	Missing bool `json:"missing,omitempty"`

	// ChangedKeys lists attribute keys whose observed value differs from
	// the recorded one.
	ChangedKeys []string `json:"changed_keys,omitempty"`
}

// DiffSummary counts diffs by action.
type DiffSummary struct {
	Create  int `json:"create"`
	Update  int `json:"update"`
	Replace int `json:"replace"`
	Destroy int `json:"destroy"`
	NoOp    int `json:"noop"`
}

// Total returns the number of mutating diffs.
func (s DiffSummary) Total() int {
	return s.Create + s.Update + s.Replace + s.Destroy
}

// DiffSet is the full result of reconciling a graph against a snapshot.
// It includes NoOp entries for reporting; the planner drops them.
type DiffSet struct {
	// Diffs holds one entry per graph node plus one Destroy entry per
	// snapshot record with no matching node, in deterministic order.
	Diffs []ResourceDiff `json:"diffs"`

	// Drift holds drift reports when a refresh was requested.
	Drift []DriftReport `json:"drift,omitempty"`

	// Summary counts diffs by action.
	Summary DiffSummary `json:"summary"`

	byID map[string]*ResourceDiff
}

// DiffFor returns the diff entry for a node identity, or nil.
func (d *DiffSet) DiffFor(nodeID string) *ResourceDiff {
	return d.byID[nodeID]
}

// HasChanges returns true if any diff is mutating.
func (d *DiffSet) HasChanges() bool {
	return d.Summary.Total() > 0
}

// PlanStep is one scheduled mutation of a single node. A replace is a single
// step; the executor performs its destroy and create legs internally in the
// order the lifecycle dictates.
type PlanStep struct {
	// ID is the step identity within the plan.
	ID string `json:"id"`

	// NodeID is the target node identity.
	NodeID string `json:"node_id"`

	// Action is the change this step performs.
	Action ActionType `json:"action"`

	// Node is the desired node, nil for destroy steps.
	Node *ResourceNode `json:"node,omitempty"`

	// Before is the snapshot record at plan time, nil for creates.
	Before *NodeRecord `json:"before,omitempty"`

	// DependsOn lists step IDs that must reach a successful terminal state
	// before this step may run.
	DependsOn []string `json:"depends_on,omitempty"`

	// CreateBeforeDestroy controls replace leg ordering.
	CreateBeforeDestroy bool `json:"create_before_destroy,omitempty"`
}

// PlanSummary counts plan steps by action.
type PlanSummary struct {
	Create  int `json:"create"`
	Update  int `json:"update"`
	Replace int `json:"replace"`
	Destroy int `json:"destroy"`
}

// Total returns the number of steps.
func (s PlanSummary) Total() int {
	return s.Create + s.Update + s.Replace + s.Destroy
}

// Plan is an immutable, executable ordering of mutating steps.
type Plan struct {
	// ID is the plan identity.
	ID string `json:"id"`

	// CreatedAt is when the plan was built.
	CreatedAt time.Time `json:"created_at"`

	// SnapshotSerial is the serial of the snapshot the plan was computed
	// against. Stale plans are rejected at apply time.
	SnapshotSerial uint64 `json:"snapshot_serial"`

	// Steps are the plan steps in a valid topological order.
	Steps []*PlanStep `json:"steps"`

	// Summary counts steps by action.
	Summary PlanSummary `json:"summary"`

	byNode   map[string]*PlanStep
	consumed atomic.Bool
}

// consume marks the plan as executed. Returns false if it was already
// consumed; a plan executes at most once.
func (p *Plan) consume() bool {
	return p.consumed.CompareAndSwap(false, true)
}

// StepFor returns the step targeting a node identity, or nil.
func (p *Plan) StepFor(nodeID string) *PlanStep {
	return p.byNode[nodeID]
}

// IsEmpty returns true if the plan has no steps.
func (p *Plan) IsEmpty() bool {
	return len(p.Steps) == 0
}

// StepResult is the terminal outcome of one executed plan step.
type StepResult struct {
	StepID     string         `json:"step_id"`
	NodeID     string         `json:"node_id"`
	Action     ActionType     `json:"action"`
	Status     StepStatus     `json:"status"`
	Outputs    map[string]any `json:"outputs,omitempty"`
	Error      string         `json:"error,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
}

// RunSummary counts step outcomes for a run.
type RunSummary struct {
	Applied int `json:"applied"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// Run is the record of one plan execution.
type Run struct {
	// ID is the run identity.
	ID string `json:"id"`

	// PlanID is the executed plan's identity.
	PlanID string `json:"plan_id"`

	// Status is the run's terminal status.
	Status RunStatus `json:"status"`

	// Results holds one entry per plan step, in completion order.
	Results []StepResult `json:"results"`

	// Summary counts step outcomes.
	Summary RunSummary `json:"summary"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Event is a structured record of something that happened during a run.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	RunID     string         `json:"run_id,omitempty"`
	NodeID    string         `json:"node_id,omitempty"`
	Message   string         `json:"message,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// cloneValueMap deep-copies a JSON-shaped attribute map.
func cloneValueMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		return cloneValueMap(tv)
	case []any:
		out := make([]any, len(tv))
		for i, e := range tv {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// validateIdentity checks a node identity for the allowed shape.
func validateIdentity(id string) error {
	if id == "" {
		return fmt.Errorf("node identity must not be empty")
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '_', r == '-', r == '.':
		default:
			return fmt.Errorf("node identity %q contains invalid character %q", id, r)
		}
	}
	return nil
}
