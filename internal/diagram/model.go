// Package diagram renders pipeline graphs as Mermaid flowcharts and plain
// text, with run status overlaid.
package diagram

import "github.com/rendis/pipekit/pkg/schema"

// Model is the intermediate representation used by all renderers.
type Model struct {
	Title string
	Nodes []*Node
	Edges []Edge
	// Levels groups node ids by topological depth. Nodes blocked by a cycle
	// form one extra trailing level.
	Levels [][]string
	// Blocked lists nodes that sit on or downstream of a cycle.
	Blocked []string
}

// Node is one pipeline node as drawn.
type Node struct {
	ID         string
	Label      string
	Category   schema.Category
	Subtype    schema.Subtype
	Status     schema.NodeStatus
	Configured bool
}

// Edge is a directed connection between two nodes.
type Edge struct {
	From string
	To   string
}

func (m *Model) node(id string) *Node {
	for _, n := range m.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}
