package validation

import (
	"fmt"
	"strings"

	"github.com/rendis/pipekit/internal/engine"
	"github.com/rendis/pipekit/internal/graph"
	"github.com/rendis/pipekit/pkg/schema"
)

// validateDAG analyses a semantically valid pipeline: cycles are errors,
// dead branches are warnings.
func validateDAG(p *schema.Pipeline) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	g, err := graph.FromPipeline(p)
	if err != nil {
		// semantic stage already reported the cause
		result.AddError("", schema.ErrCodeValidation, err.Error())
		return result
	}

	res := engine.Resolve(g)
	if !res.Acyclic() {
		result.AddError("edges", schema.ErrCodeCycleDetected,
			fmt.Sprintf("pipeline contains a cycle through %s", strings.Join(res.Cycles, ", ")))
		if downstream := without(res.Blocked, res.Cycles); len(downstream) > 0 {
			result.AddWarning("nodes", schema.ErrCodeCycleDetected,
				fmt.Sprintf("nodes downstream of the cycle can never run: %s", strings.Join(downstream, ", ")))
		}
	}

	fromSource := reach(g, sourcesOf(g), g.Successors)
	toDestination := reach(g, destinationsOf(g), g.Predecessors)

	for i, n := range p.Nodes {
		path := fmt.Sprintf("nodes[%d]", i)
		if len(g.Successors(n.ID)) == 0 && len(g.Predecessors(n.ID)) == 0 {
			result.AddWarning(path, schema.ErrCodeValidation, fmt.Sprintf("node %q is not connected", n.ID))
			continue
		}
		if n.Category != schema.CategorySource && !fromSource[n.ID] {
			result.AddWarning(path, schema.ErrCodeValidation, fmt.Sprintf("node %q is unreachable from any source", n.ID))
		}
		if n.Category != schema.CategoryDestination && !toDestination[n.ID] {
			result.AddWarning(path, schema.ErrCodeValidation, fmt.Sprintf("node %q does not reach any destination", n.ID))
		}
	}
	return result
}

func sourcesOf(g *graph.Graph) []string {
	return idsWhere(g, schema.CategorySource)
}

func destinationsOf(g *graph.Graph) []string {
	return idsWhere(g, schema.CategoryDestination)
}

func idsWhere(g *graph.Graph, cat schema.Category) []string {
	var out []string
	for _, n := range g.Nodes() {
		if n.Category == cat {
			out = append(out, n.ID)
		}
	}
	return out
}

// reach runs a BFS from roots following next.
func reach(g *graph.Graph, roots []string, next func(string) []string) map[string]bool {
	seen := make(map[string]bool, g.Len())
	queue := append([]string(nil), roots...)
	for _, r := range roots {
		seen[r] = true
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, n := range next(id) {
			if !seen[n] {
				seen[n] = true
				queue = append(queue, n)
			}
		}
	}
	return seen
}

func without(all, drop []string) []string {
	skip := make(map[string]bool, len(drop))
	for _, d := range drop {
		skip[d] = true
	}
	var out []string
	for _, a := range all {
		if !skip[a] {
			out = append(out, a)
		}
	}
	return out
}
