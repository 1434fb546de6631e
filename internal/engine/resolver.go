package engine

import (
	"strings"

	"github.com/rendis/pipekit/internal/graph"
	"github.com/rendis/pipekit/pkg/schema"
)

// Resolution is the outcome of ordering a pipeline graph.
type Resolution struct {
	// Order holds every node that reached in-degree zero, in Kahn order.
	// Nodes on or downstream of a cycle are absent.
	Order []string `json:"order"`
	// Blocked holds the nodes that never reached in-degree zero, in insertion order.
	Blocked []string `json:"blocked,omitempty"`
	// Cycles holds the blocked nodes that sit on a directed cycle.
	Cycles []string `json:"cycles,omitempty"`
	// Levels groups Order by topological depth.
	Levels [][]string `json:"levels"`
}

// Acyclic reports whether every node was ordered.
func (r *Resolution) Acyclic() bool {
	return len(r.Blocked) == 0
}

// Err returns a CYCLE_DETECTED error when any node is blocked, nil otherwise.
func (r *Resolution) Err() error {
	if r.Acyclic() {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeCycleDetected,
		"pipeline contains a cycle through %s", strings.Join(r.Cycles, ", ")).
		WithDetails(map[string]any{
			"participating_node_ids": r.Cycles,
			"blocked_node_ids":       r.Blocked,
		})
}

// Resolve orders g with Kahn's algorithm. The initial queue is the nodes
// with no incoming edges in insertion order; successors are released in edge
// insertion order, so the result is deterministic for a given graph.
func Resolve(g *graph.Graph) *Resolution {
	ids, edges := g.Topology()

	inDegree := make(map[string]int, len(ids))
	adj := make(map[string][]string, len(ids))
	for _, id := range ids {
		inDegree[id] = 0
	}
	for _, e := range edges {
		adj[e.Source] = append(adj[e.Source], e.Target)
		inDegree[e.Target]++
	}

	queue := make([]string, 0, len(ids))
	for _, id := range ids {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	order := make([]string, 0, len(ids))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		order = append(order, node)
		for _, next := range adj[node] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	res := &Resolution{Order: order}
	if len(order) < len(ids) {
		ordered := make(map[string]bool, len(order))
		for _, id := range order {
			ordered[id] = true
		}
		for _, id := range ids {
			if !ordered[id] {
				res.Blocked = append(res.Blocked, id)
			}
		}
		res.Cycles = cycleMembers(res.Blocked, adj)
	}
	res.Levels = computeLevels(order, edges)
	return res
}

// ResolveOrder returns the execution order, or CYCLE_DETECTED.
func ResolveOrder(g *graph.Graph) ([]string, error) {
	res := Resolve(g)
	if err := res.Err(); err != nil {
		return nil, err
	}
	return res.Order, nil
}

// computeLevels assigns each ordered node the length of its longest incoming
// path and groups nodes by that depth.
func computeLevels(order []string, edges []schema.Edge) [][]string {
	preds := make(map[string][]string)
	for _, e := range edges {
		preds[e.Target] = append(preds[e.Target], e.Source)
	}

	depth := make(map[string]int, len(order))
	maxDepth := -1
	for _, id := range order {
		d := 0
		for _, p := range preds[id] {
			if pd, ok := depth[p]; ok && pd+1 > d {
				d = pd + 1
			}
		}
		depth[id] = d
		if d > maxDepth {
			maxDepth = d
		}
	}

	levels := make([][]string, maxDepth+1)
	for _, id := range order {
		levels[depth[id]] = append(levels[depth[id]], id)
	}
	return levels
}

// cycleMembers returns the blocked nodes that belong to a strongly connected
// component of size > 1 (Tarjan), preserving the order of blocked.
func cycleMembers(blocked []string, adj map[string][]string) []string {
	inSet := make(map[string]bool, len(blocked))
	for _, id := range blocked {
		inSet[id] = true
	}

	var (
		index   int
		stack   []string
		onStack = make(map[string]bool)
		indices = make(map[string]int)
		lowlink = make(map[string]int)
		member  = make(map[string]bool)
	)

	var strongConnect func(v string)
	strongConnect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range adj[v] {
			if !inSet[w] {
				continue
			}
			if _, seen := indices[w]; !seen {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		if lowlink[v] == indices[v] {
			var comp []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				comp = append(comp, w)
				if w == v {
					break
				}
			}
			if len(comp) > 1 {
				for _, w := range comp {
					member[w] = true
				}
			}
		}
	}

	for _, id := range blocked {
		if _, seen := indices[id]; !seen {
			strongConnect(id)
		}
	}

	out := make([]string, 0, len(member))
	for _, id := range blocked {
		if member[id] {
			out = append(out, id)
		}
	}
	return out
}
