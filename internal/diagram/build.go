package diagram

import (
	"github.com/rendis/pipekit/internal/engine"
	"github.com/rendis/pipekit/internal/graph"
)

// Build snapshots g into a Model. Levels come from the execution order, so
// the drawing matches the order a run would use.
func Build(g *graph.Graph) *Model {
	title := g.Name()
	if title == "" {
		title = "Pipeline"
	}

	m := &Model{Title: title}
	for _, n := range g.Nodes() {
		m.Nodes = append(m.Nodes, &Node{
			ID:         n.ID,
			Label:      n.DisplayLabel(),
			Category:   n.Category,
			Subtype:    n.Subtype,
			Status:     n.CurrentStatus(),
			Configured: n.Configured,
		})
	}
	for _, e := range g.Edges() {
		m.Edges = append(m.Edges, Edge{From: e.Source, To: e.Target})
	}

	res := engine.Resolve(g)
	m.Levels = append(m.Levels, res.Levels...)
	if len(res.Blocked) > 0 {
		m.Blocked = append(m.Blocked, res.Blocked...)
		m.Levels = append(m.Levels, append([]string(nil), res.Blocked...))
	}
	return m
}
