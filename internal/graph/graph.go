package graph

import (
	"sort"
	"time"

	"github.com/crewline/crewline/pkg/schema"
)

// Graph is the in-memory adjacency representation of a pipeline definition.
// Built once per execution; the engine walks it to find ready steps.
type Graph struct {
	Nodes      map[string]*schema.NodeDefinition // node ID → definition
	Deps       map[string][]string               // node ID → predecessors
	Dependents map[string][]string               // node ID → successors
	Sorted     []string                          // deterministic topological order
	EntryPoint string
}

// Build validates a pipeline definition and returns its executable graph.
// Checks, in order: node well-formedness, edge well-formedness (self-loops,
// duplicates, unknown endpoints), entry point uniqueness, cycles (DFS with
// visiting/visited marks), and reachability from the entry point. Tie-breaks
// in the topological order are resolved by ascending node ID so repeated
// validation of the same definition always yields the same order.
func Build(def *schema.PipelineDefinition) (*Graph, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "pipeline definition is nil")
	}
	if len(def.Nodes) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "pipeline has no nodes")
	}

	def.Normalize()

	g := &Graph{
		Nodes:      make(map[string]*schema.NodeDefinition, len(def.Nodes)),
		Deps:       make(map[string][]string, len(def.Nodes)),
		Dependents: make(map[string][]string, len(def.Nodes)),
		EntryPoint: def.EntryPoint,
	}

	for i := range def.Nodes {
		node := &def.Nodes[i]
		if node.ID == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "node at index %d has empty ID", i)
		}
		if _, exists := g.Nodes[node.ID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate node ID: %s", node.ID)
		}
		if !schema.ValidNodeTypes[node.Type] {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "node %s has unknown type: %s", node.ID, node.Type)
		}
		if err := validateNodeConfig(node); err != nil {
			return nil, err
		}
		g.Nodes[node.ID] = node
	}

	// Edges: reject self-loops, duplicates, and unknown endpoints.
	seen := make(map[[2]string]bool, len(def.Edges))
	for _, e := range def.Edges {
		if _, ok := g.Nodes[e.From]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeMalformedEdge, "edge references unknown node: %s", e.From)
		}
		if _, ok := g.Nodes[e.To]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeMalformedEdge, "edge references unknown node: %s", e.To)
		}
		if e.From == e.To {
			return nil, schema.NewErrorf(schema.ErrCodeMalformedEdge, "node %s has a self-loop", e.From)
		}
		key := [2]string{e.From, e.To}
		if seen[key] {
			return nil, schema.NewErrorf(schema.ErrCodeMalformedEdge, "duplicate edge: %s -> %s", e.From, e.To)
		}
		seen[key] = true
		g.Deps[e.To] = append(g.Deps[e.To], e.From)
		g.Dependents[e.From] = append(g.Dependents[e.From], e.To)
	}

	// Exactly one zero-in-degree node, and it must be the declared entry point.
	var roots []string
	for id := range g.Nodes {
		if len(g.Deps[id]) == 0 {
			roots = append(roots, id)
		}
	}
	sort.Strings(roots)
	if len(roots) != 1 {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidEntryPoint,
			"pipeline must have exactly one entry node, found %d: %v", len(roots), roots)
	}
	if def.EntryPoint == "" || roots[0] != def.EntryPoint {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidEntryPoint,
			"declared entry_point %q does not match the zero-in-degree node %q", def.EntryPoint, roots[0])
	}

	// Every node must be reachable from the entry point. Checked before the
	// cycle pass so a disconnected cyclic island reports as unreachable
	// rather than as a cycle.
	reachable := make(map[string]bool, len(g.Nodes))
	stack := []string{def.EntryPoint}
	reachable[def.EntryPoint] = true
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, next := range g.Dependents[n] {
			if !reachable[next] {
				reachable[next] = true
				stack = append(stack, next)
			}
		}
	}
	unreachable := make([]string, 0)
	for id := range g.Nodes {
		if !reachable[id] {
			unreachable = append(unreachable, id)
		}
	}
	if len(unreachable) > 0 {
		sort.Strings(unreachable)
		return nil, schema.NewErrorf(schema.ErrCodeUnreachableNode,
			"nodes not reachable from entry point %q: %v", def.EntryPoint, unreachable)
	}

	if err := detectCycles(g); err != nil {
		return nil, err
	}

	g.Sorted = topoSort(g)
	return g, nil
}

// Validate returns the deterministic topological order of the definition's
// nodes, or a coded validation error. Pure; touches no store.
func Validate(def *schema.PipelineDefinition) ([]string, error) {
	g, err := Build(def)
	if err != nil {
		return nil, err
	}
	return g.Sorted, nil
}

// Ready reports whether every predecessor of id satisfies the given
// predicate. The engine decides what satisfies a dependent: a completed
// predecessor, or one skipped by its own condition gate (a non-failing
// skip does not block downstream steps).
func (g *Graph) Ready(id string, satisfied func(string) bool) bool {
	for _, dep := range g.Deps[id] {
		if !satisfied(dep) {
			return false
		}
	}
	return true
}

// dfs colors for cycle detection.
const (
	colorWhite = iota // unvisited
	colorGray         // on the current DFS path
	colorBlack        // fully explored
)

func detectCycles(g *Graph) error {
	color := make(map[string]int, len(g.Nodes))

	var visit func(id string) error
	visit = func(id string) error {
		color[id] = colorGray
		next := append([]string(nil), g.Dependents[id]...)
		sort.Strings(next)
		for _, n := range next {
			switch color[n] {
			case colorGray:
				return schema.NewErrorf(schema.ErrCodeCycleDetected,
					"pipeline contains a cycle through node %q", n)
			case colorWhite:
				if err := visit(n); err != nil {
					return err
				}
			}
		}
		color[id] = colorBlack
		return nil
	}

	ids := make([]string, 0, len(g.Nodes))
	for id := range g.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if color[id] == colorWhite {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}

// topoSort is Kahn's algorithm with a sorted ready queue for determinism.
// Only called on graphs already proven acyclic.
func topoSort(g *Graph) []string {
	inDegree := make(map[string]int, len(g.Nodes))
	for id := range g.Nodes {
		inDegree[id] = len(g.Deps[id])
	}

	var queue []string
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	sorted := make([]string, 0, len(g.Nodes))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		sorted = append(sorted, node)

		next := append([]string(nil), g.Dependents[node]...)
		sort.Strings(next)
		for _, n := range next {
			inDegree[n]--
			if inDegree[n] == 0 {
				queue = append(queue, n)
			}
		}
		sort.Strings(queue)
	}
	return sorted
}

func validateNodeConfig(node *schema.NodeDefinition) error {
	if node.Type.RequiresAgent() && node.Agent == "" {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"%s node %s has no agent", node.Type, node.ID)
	}
	if node.Transform != "" && node.Type != schema.NodeTypeOutput {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"node %s declares a transform but is not an output node", node.ID)
	}
	if node.MaxRetries < 0 {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"node %s has negative max_retries", node.ID)
	}
	if node.Timeout != "" {
		d, err := time.ParseDuration(node.Timeout)
		if err != nil || d <= 0 {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"node %s has invalid timeout %q", node.ID, node.Timeout)
		}
	}
	return nil
}
