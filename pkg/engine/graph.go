package engine

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Module input references use "@input(name)" inside module bodies and are
// substituted during inlining.
var inputPattern = regexp.MustCompile(`@input\(([A-Za-z0-9_]+)\)`)

// GraphBuilder constructs a validated dependency graph from declarations.
// The zero value is ready to use.
type GraphBuilder struct{}

// NewGraphBuilder creates a new graph builder.
func NewGraphBuilder() *GraphBuilder {
	return &GraphBuilder{}
}

// Build inlines module declarations, materializes one node per resource
// declaration, derives dependency edges from depends_on entries and attribute
// references, and validates that every reference resolves and the graph is
// acyclic. It returns an error without constructing a graph on any
// validation failure.
func (b *GraphBuilder) Build(decls []Declaration, modules []ModuleDeclaration) (*Graph, error) {
	flat, err := b.inlineModules(decls, modules)
	if err != nil {
		return nil, err
	}

	nodes := make(map[string]*ResourceNode, len(flat))
	order := make([]string, 0, len(flat))
	for i := range flat {
		d := &flat[i]
		if err := validateIdentity(d.ID); err != nil {
			return nil, NewValidationError(err.Error(), nil)
		}
		if d.Type == "" {
			return nil, NewValidationError(
				fmt.Sprintf("node %q has no resource type", d.ID), nil)
		}
		if _, exists := nodes[d.ID]; exists {
			return nil, NewValidationError(
				fmt.Sprintf("duplicate node identity %q", d.ID), nil)
		}
		node := &ResourceNode{
			ID:        d.ID,
			Type:      d.Type,
			Attrs:     cloneValueMap(d.Attrs),
			Lifecycle: d.Lifecycle,
			Ordinal:   d.Ordinal,
		}
		if strings.HasPrefix(d.ID, "module.") {
			parts := strings.SplitN(d.ID, ".", 3)
			if len(parts) == 3 {
				node.Module = parts[1]
			}
		}
		nodes[d.ID] = node
		order = append(order, d.ID)
	}

	edges, deps, dependents, err := b.buildEdges(flat, nodes)
	if err != nil {
		return nil, err
	}

	if cycle := detectCycle(order, deps); cycle != nil {
		return nil, &CyclicDependencyError{Cycle: cycle}
	}

	return &Graph{
		nodes:      nodes,
		order:      order,
		edges:      edges,
		deps:       deps,
		dependents: dependents,
	}, nil
}

// inlineModules expands each module declaration into prefixed top-level
// declarations and rewrites references accordingly.
func (b *GraphBuilder) inlineModules(decls []Declaration, modules []ModuleDeclaration) ([]Declaration, error) {
	flat := make([]Declaration, 0, len(decls))
	flat = append(flat, decls...)

	// Output name -> inner target, per module. Used to rewrite
	// "${module.<name>.<output>}" references everywhere.
	outputTargets := make(map[string]string)

	seen := make(map[string]bool, len(modules))
	ordinal := len(decls)
	for _, mod := range modules {
		if mod.Name == "" {
			return nil, NewValidationError("module declaration has no name", nil)
		}
		if seen[mod.Name] {
			return nil, NewValidationError(
				fmt.Sprintf("duplicate module name %q", mod.Name), nil)
		}
		seen[mod.Name] = true

		inner := make(map[string]bool, len(mod.Resources))
		for _, r := range mod.Resources {
			inner[r.ID] = true
		}

		for out, target := range mod.Outputs {
			targetNode, _ := splitOutputTarget(target)
			if !inner[targetNode] {
				return nil, NewValidationError(fmt.Sprintf(
					"module %q output %q references unknown inner resource %q",
					mod.Name, out, targetNode), nil)
			}
			outputTargets[fmt.Sprintf("module.%s.%s", mod.Name, out)] =
				fmt.Sprintf("module.%s.%s", mod.Name, target)
		}

		prefix := fmt.Sprintf("module.%s.", mod.Name)
		for _, r := range mod.Resources {
			attrs, err := substituteInputs(cloneValueMap(r.Attrs), mod)
			if err != nil {
				return nil, err
			}
			// Sibling references inside the module body are scoped to it.
			attrs = rewriteRefs(attrs, func(ref Reference) (Reference, bool) {
				if inner[ref.Node] {
					return Reference{Node: prefix + ref.Node, Output: ref.Output}, true
				}
				return ref, false
			}).(map[string]any)

			dependsOn := make([]string, 0, len(r.DependsOn)+len(mod.DependsOn))
			for _, dep := range r.DependsOn {
				if inner[dep] {
					dependsOn = append(dependsOn, prefix+dep)
				} else {
					dependsOn = append(dependsOn, dep)
				}
			}
			dependsOn = append(dependsOn, mod.DependsOn...)

			flat = append(flat, Declaration{
				ID:        prefix + r.ID,
				Type:      r.Type,
				Attrs:     attrs,
				DependsOn: dependsOn,
				Lifecycle: r.Lifecycle,
				Ordinal:   ordinal,
			})
			ordinal++
		}
	}

	// Rewrite module output references wherever they appear.
	if len(outputTargets) > 0 {
		for i := range flat {
			flat[i].Attrs, _ = rewriteRefs(flat[i].Attrs, func(ref Reference) (Reference, bool) {
				raw := ref.Node + "." + ref.Output
				if target, ok := outputTargets[raw]; ok {
					rewritten, valid := parseReference(target)
					return rewritten, valid
				}
				return ref, false
			}).(map[string]any)
		}
	}

	return flat, nil
}

// buildEdges derives the dependency edge set and adjacency maps.
func (b *GraphBuilder) buildEdges(flat []Declaration, nodes map[string]*ResourceNode) ([]DependencyEdge, map[string][]string, map[string][]string, error) {
	var edges []DependencyEdge
	deps := make(map[string][]string, len(nodes))
	dependents := make(map[string][]string, len(nodes))
	seen := make(map[[2]string]bool)

	addEdge := func(from, to string, implicit bool) {
		key := [2]string{from, to}
		if seen[key] || from == to {
			return
		}
		seen[key] = true
		edges = append(edges, DependencyEdge{From: from, To: to, Implicit: implicit})
		deps[from] = append(deps[from], to)
		dependents[to] = append(dependents[to], from)
	}

	for i := range flat {
		d := &flat[i]
		for _, target := range d.DependsOn {
			if _, ok := nodes[target]; !ok {
				return nil, nil, nil, &UnresolvedReferenceError{Consumer: d.ID, Target: target}
			}
			addEdge(d.ID, target, false)
		}
		for _, ref := range ScanReferences(d.Attrs) {
			if _, ok := nodes[ref.Node]; !ok {
				return nil, nil, nil, &UnresolvedReferenceError{Consumer: d.ID, Target: ref.Node}
			}
			addEdge(d.ID, ref.Node, true)
		}
	}

	return edges, deps, dependents, nil
}

// detectCycle runs a depth-first search over the dependency relation and
// returns the first cycle found as a node sequence ending with a repeat of
// its first node, or nil when the graph is acyclic. Roots are visited in
// the given order so the reported cycle is deterministic.
func detectCycle(order []string, deps map[string][]string) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(order))
	var path []string

	var visit func(id string) []string
	visit = func(id string) []string {
		color[id] = gray
		path = append(path, id)

		next := append([]string(nil), deps[id]...)
		sort.Strings(next)
		for _, dep := range next {
			switch color[dep] {
			case gray:
				// Found a back edge. Slice the current path from the
				// first occurrence of dep to close the cycle.
				for i, n := range path {
					if n == dep {
						cycle := append([]string(nil), path[i:]...)
						return append(cycle, dep)
					}
				}
			case white:
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			}
		}

		path = path[:len(path)-1]
		color[id] = black
		return nil
	}

	for _, id := range order {
		if color[id] == white {
			if cycle := visit(id); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// substituteInputs replaces "@input(name)" occurrences in module body
// attributes with the module's input values.
func substituteInputs(v map[string]any, mod ModuleDeclaration) (map[string]any, error) {
	out, err := substituteInputValue(v, mod)
	if err != nil {
		return nil, err
	}
	m, _ := out.(map[string]any)
	return m, nil
}

func substituteInputValue(v any, mod ModuleDeclaration) (any, error) {
	switch tv := v.(type) {
	case string:
		matches := inputPattern.FindAllStringSubmatchIndex(tv, -1)
		if len(matches) == 0 {
			return tv, nil
		}
		if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(tv) {
			name := tv[matches[0][2]:matches[0][3]]
			val, ok := mod.Inputs[name]
			if !ok {
				return nil, NewValidationError(fmt.Sprintf(
					"module %q has no input %q", mod.Name, name), nil)
			}
			return val, nil
		}
		var b strings.Builder
		last := 0
		for _, m := range matches {
			name := tv[m[2]:m[3]]
			val, ok := mod.Inputs[name]
			if !ok {
				return nil, NewValidationError(fmt.Sprintf(
					"module %q has no input %q", mod.Name, name), nil)
			}
			b.WriteString(tv[last:m[0]])
			fmt.Fprintf(&b, "%v", val)
			last = m[1]
		}
		b.WriteString(tv[last:])
		return b.String(), nil
	case map[string]any:
		out := make(map[string]any, len(tv))
		for k, e := range tv {
			r, err := substituteInputValue(e, mod)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(tv))
		for i, e := range tv {
			r, err := substituteInputValue(e, mod)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

// rewriteRefs rewrites every reference in string values using fn. fn returns
// the replacement reference and true when a rewrite applies.
func rewriteRefs(v any, fn func(Reference) (Reference, bool)) any {
	switch tv := v.(type) {
	case string:
		return refPattern.ReplaceAllStringFunc(tv, func(raw string) string {
			body := raw[2 : len(raw)-1]
			ref, ok := parseReference(body)
			if !ok {
				return raw
			}
			if rewritten, changed := fn(ref); changed {
				return fmt.Sprintf("${%s.%s}", rewritten.Node, rewritten.Output)
			}
			return raw
		})
	case map[string]any:
		out := make(map[string]any, len(tv))
		for k, e := range tv {
			out[k] = rewriteRefs(e, fn)
		}
		return out
	case []any:
		out := make([]any, len(tv))
		for i, e := range tv {
			out[i] = rewriteRefs(e, fn)
		}
		return out
	default:
		return v
	}
}

// splitOutputTarget splits "<resource>.<output>" keeping all but the final
// segment as the resource part.
func splitOutputTarget(target string) (string, string) {
	idx := strings.LastIndex(target, ".")
	if idx <= 0 {
		return target, ""
	}
	return target[:idx], target[idx+1:]
}

// ToDOT renders the graph in Graphviz DOT format.
func (g *Graph) ToDOT() string {
	var b strings.Builder
	b.WriteString("digraph terrane {\n")
	b.WriteString("  rankdir=BT;\n")
	b.WriteString("  node [shape=box, style=rounded];\n\n")
	for _, id := range g.order {
		node := g.nodes[id]
		fmt.Fprintf(&b, "  %q [label=\"%s\\n(%s)\"];\n", id, id, node.Type)
	}
	b.WriteString("\n")
	for _, e := range g.edges {
		if e.Implicit {
			fmt.Fprintf(&b, "  %q -> %q [style=dashed];\n", e.From, e.To)
		} else {
			fmt.Fprintf(&b, "  %q -> %q;\n", e.From, e.To)
		}
	}
	b.WriteString("}\n")
	return b.String()
}
