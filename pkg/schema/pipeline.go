package schema

// Pipeline is the JSON-serializable snapshot of a pipeline graph.
// It is the shape exchanged with persistence, the CLI, and the MCP tools.
type Pipeline struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name,omitempty"`
	Nodes    []Node         `json:"nodes"`
	Edges    []Edge         `json:"edges"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Category is the role a node plays in a pipeline.
type Category string

const (
	CategorySource         Category = "source"
	CategoryTransformation Category = "transformation"
	CategoryDestination    Category = "destination"
)

// Subtype is a category-specific node tag.
type Subtype string

const (
	SubtypeDatabase  Subtype = "database"
	SubtypeAPI       Subtype = "api"
	SubtypeFile      Subtype = "file"
	SubtypeFilter    Subtype = "filter"
	SubtypeMap       Subtype = "map"
	SubtypeAggregate Subtype = "aggregate"
	SubtypeSort      Subtype = "sort"
	SubtypeJoin      Subtype = "join"
	SubtypeWarehouse Subtype = "warehouse"
)

// Subtypes lists the valid subtypes per category, in palette order.
var Subtypes = map[Category][]Subtype{
	CategorySource:         {SubtypeDatabase, SubtypeAPI, SubtypeFile},
	CategoryTransformation: {SubtypeFilter, SubtypeMap, SubtypeAggregate, SubtypeSort, SubtypeJoin},
	CategoryDestination:    {SubtypeDatabase, SubtypeFile, SubtypeAPI, SubtypeWarehouse},
}

// Categories lists the node categories in palette order.
var Categories = []Category{CategorySource, CategoryTransformation, CategoryDestination}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	_, ok := Subtypes[c]
	return ok
}

// Allows reports whether s is a valid subtype for c.
func (c Category) Allows(s Subtype) bool {
	for _, st := range Subtypes[c] {
		if st == s {
			return true
		}
	}
	return false
}

// NodeStatus is the transient execution state of a node.
type NodeStatus string

const (
	NodeStatusIdle    NodeStatus = "idle"
	NodeStatusRunning NodeStatus = "running"
	NodeStatusSuccess NodeStatus = "success"
	NodeStatusError   NodeStatus = "error"
)

// Position is a 2D canvas coordinate. Presentation only.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Node is a unit of work in a pipeline graph.
type Node struct {
	ID         string         `json:"id"`
	Category   Category       `json:"category"`
	Subtype    Subtype        `json:"subtype"`
	Label      string         `json:"label,omitempty"`
	Config     map[string]any `json:"config,omitempty"`
	Position   Position       `json:"position"`
	Status     NodeStatus     `json:"status,omitempty"`
	Configured bool           `json:"configured,omitempty"`
}

// DisplayLabel returns the label, falling back to the node ID.
func (n *Node) DisplayLabel() string {
	if n.Label != "" {
		return n.Label
	}
	return n.ID
}

// CurrentStatus returns the status, treating the zero value as idle.
func (n *Node) CurrentStatus() NodeStatus {
	if n.Status == "" {
		return NodeStatusIdle
	}
	return n.Status
}

// Edge is a directed connection from one node's output to another's input.
type Edge struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	Target string `json:"target"`
}

// EdgeID derives the edge identity from its endpoints so duplicates collide.
func EdgeID(source, target string) string {
	return "e-" + source + "->" + target
}
