package graph

import "github.com/rendis/pipekit/pkg/schema"

// Connection rules, reported in the "rule" detail of a rejection.
const (
	RuleSelfLoop         = "self_loop"
	RuleUnknownNode      = "unknown_node"
	RuleTargetIsSource   = "target_is_source"
	RuleSourceIsSink     = "source_is_destination"
	RuleDuplicate        = "duplicate_edge"
	RuleWouldCreateCycle = "would_create_cycle"
)

// CanConnect reports whether an edge source -> target may be added to g.
func CanConnect(source, target string, g *Graph) bool {
	return CheckConnection(source, target, g) == nil
}

// CheckConnection returns nil if the edge may be added, or the first rule it
// violates. Rules apply in order: self-loop, unknown endpoint, target is a
// source node, source is a destination node, duplicate pair, and (strict
// graphs only) cycle closure.
func CheckConnection(source, target string, g *Graph) error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.checkConnectionLocked(source, target)
}

func (g *Graph) checkConnectionLocked(source, target string) error {
	if source == target {
		return rejection(RuleSelfLoop, source, target, "a node cannot connect to itself")
	}

	src, ok := g.nodes[source]
	if !ok {
		return rejection(RuleUnknownNode, source, target, "source node does not exist")
	}
	tgt, ok := g.nodes[target]
	if !ok {
		return rejection(RuleUnknownNode, source, target, "target node does not exist")
	}

	if tgt.Category == schema.CategorySource {
		return rejection(RuleTargetIsSource, source, target, "source nodes cannot receive incoming edges")
	}
	if src.Category == schema.CategoryDestination {
		return rejection(RuleSourceIsSink, source, target, "destination nodes cannot emit outgoing edges")
	}
	if _, exists := g.edges[schema.EdgeID(source, target)]; exists {
		return rejection(RuleDuplicate, source, target, "edge already exists")
	}

	if g.strictAcyclic && g.reachableLocked(target, source) {
		return schema.NewErrorf(schema.ErrCodeCycleDetected,
			"connecting %s -> %s would create a cycle", source, target).
			WithDetails(map[string]any{"rule": RuleWouldCreateCycle, "source": source, "target": target})
	}
	return nil
}

// reachableLocked reports whether to is reachable from from along edges (BFS).
func (g *Graph) reachableLocked(from, to string) bool {
	visited := map[string]bool{from: true}
	queue := []string{from}
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		if node == to {
			return true
		}
		for _, next := range g.successorsLocked(node) {
			if !visited[next] {
				visited[next] = true
				queue = append(queue, next)
			}
		}
	}
	return false
}

// Reachable reports whether to can be reached from from.
func (g *Graph) Reachable(from, to string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.reachableLocked(from, to)
}

func rejection(rule, source, target, msg string) *schema.PipelineError {
	return schema.NewErrorf(schema.ErrCodeConnectionRejected, "cannot connect %s -> %s: %s", source, target, msg).
		WithDetails(map[string]any{"rule": rule, "source": source, "target": target})
}

// RejectionRule extracts the violated rule from a connection error, or "".
func RejectionRule(err error) string {
	pe, ok := err.(*schema.PipelineError)
	if !ok || pe.Details == nil {
		return ""
	}
	rule, _ := pe.Details["rule"].(string)
	return rule
}
