// Package graph holds the in-memory pipeline graph and the structural rules
// that every mutation must preserve.
package graph

import (
	"maps"
	"sync"

	"github.com/rendis/pipekit/pkg/schema"
)

// Graph is a pipeline under edit: nodes, edges, and per-node state.
// Nodes and edges remember insertion order so every traversal is deterministic.
// All methods are safe for concurrent use; each mutation either applies fully or not at all.
type Graph struct {
	mu sync.RWMutex

	id       string
	name     string
	metadata map[string]any

	nodes     map[string]*schema.Node
	nodeOrder []string
	edges     map[string]*schema.Edge
	edgeOrder []string

	strictAcyclic bool
}

// Option configures a Graph.
type Option func(*Graph)

// WithStrictAcyclic makes AddEdge reject edges that would close a cycle.
func WithStrictAcyclic() Option {
	return func(g *Graph) { g.strictAcyclic = true }
}

// WithName sets the pipeline display name.
func WithName(name string) Option {
	return func(g *Graph) { g.name = name }
}

// New creates an empty graph.
func New(id string, opts ...Option) *Graph {
	g := &Graph{
		id:    id,
		nodes: make(map[string]*schema.Node),
		edges: make(map[string]*schema.Edge),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// FromPipeline builds a graph from a snapshot. Every node and edge passes the
// same checks as interactive mutation; any violation rejects the whole snapshot.
// Edge IDs are normalized to schema.EdgeID.
func FromPipeline(p *schema.Pipeline, opts ...Option) (*Graph, error) {
	if p == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "pipeline is nil")
	}
	g := New(p.ID, opts...)
	if p.Name != "" {
		g.name = p.Name
	}
	if len(p.Metadata) > 0 {
		g.metadata = maps.Clone(p.Metadata)
	}
	for i := range p.Nodes {
		if err := g.AddNode(p.Nodes[i]); err != nil {
			return nil, err
		}
	}
	for _, e := range p.Edges {
		if _, err := g.AddEdge(e.Source, e.Target); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// ID returns the pipeline ID.
func (g *Graph) ID() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.id
}

// Name returns the pipeline name.
func (g *Graph) Name() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.name
}

// SetName renames the pipeline.
func (g *Graph) SetName(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.name = name
}

// SetID assigns the pipeline ID, typically after a first save.
func (g *Graph) SetID(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.id = id
}

// StrictAcyclic reports whether cycle-closing edges are rejected.
func (g *Graph) StrictAcyclic() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.strictAcyclic
}

// --- Nodes ---

// AddNode inserts a node. The ID must be non-empty and unused, and the
// subtype must belong to the category.
func (g *Graph) AddNode(n schema.Node) error {
	if n.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "node has empty ID")
	}
	if !n.Category.Valid() {
		return schema.NewErrorf(schema.ErrCodeValidation, "node %s has unknown category: %q", n.ID, n.Category)
	}
	if !n.Category.Allows(n.Subtype) {
		return schema.NewErrorf(schema.ErrCodeValidation, "node %s: subtype %q is not valid for category %s", n.ID, n.Subtype, n.Category)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.nodes[n.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "duplicate node ID: %s", n.ID)
	}

	stored := cloneNode(&n)
	if stored.Status == "" {
		stored.Status = schema.NodeStatusIdle
	}
	g.nodes[n.ID] = stored
	g.nodeOrder = append(g.nodeOrder, n.ID)
	return nil
}

// RemoveNode deletes a node and every edge that references it.
func (g *Graph) RemoveNode(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.nodes[id]; !ok {
		return nodeNotFound(id)
	}

	kept := g.edgeOrder[:0]
	for _, eid := range g.edgeOrder {
		e := g.edges[eid]
		if e.Source == id || e.Target == id {
			delete(g.edges, eid)
			continue
		}
		kept = append(kept, eid)
	}
	g.edgeOrder = kept

	delete(g.nodes, id)
	g.nodeOrder = removeString(g.nodeOrder, id)
	return nil
}

// Node returns a copy of the node with the given ID.
func (g *Graph) Node(id string) (schema.Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	if !ok {
		return schema.Node{}, false
	}
	return *cloneNode(n), true
}

// HasNode reports whether a node exists.
func (g *Graph) HasNode(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.nodes[id]
	return ok
}

// Nodes returns copies of all nodes in insertion order.
func (g *Graph) Nodes() []schema.Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]schema.Node, 0, len(g.nodeOrder))
	for _, id := range g.nodeOrder {
		out = append(out, *cloneNode(g.nodes[id]))
	}
	return out
}

// NodeIDs returns node IDs in insertion order.
func (g *Graph) NodeIDs() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.nodeOrder...)
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// SetConfig replaces a node's configuration.
func (g *Graph) SetConfig(id string, cfg map[string]any) error {
	return g.updateNode(id, func(n *schema.Node) {
		n.Config = maps.Clone(cfg)
	})
}

// SetConfigState replaces a node's configuration and its derived configured
// flag in one step, so readers never see one without the other.
func (g *Graph) SetConfigState(id string, cfg map[string]any, configured bool) error {
	return g.updateNode(id, func(n *schema.Node) {
		n.Config = maps.Clone(cfg)
		n.Configured = configured
	})
}

// SetConfigured records the derived configured flag for a node.
func (g *Graph) SetConfigured(id string, configured bool) error {
	return g.updateNode(id, func(n *schema.Node) { n.Configured = configured })
}

// SetLabel renames a node.
func (g *Graph) SetLabel(id, label string) error {
	return g.updateNode(id, func(n *schema.Node) { n.Label = label })
}

// SetPosition moves a node on the canvas.
func (g *Graph) SetPosition(id string, pos schema.Position) error {
	return g.updateNode(id, func(n *schema.Node) { n.Position = pos })
}

// SetStatus overwrites a node's execution status. Transition rules are
// enforced by the engine, not here.
func (g *Graph) SetStatus(id string, status schema.NodeStatus) error {
	return g.updateNode(id, func(n *schema.Node) { n.Status = status })
}

// ApplyPositions moves every listed node. Unknown IDs are ignored.
func (g *Graph) ApplyPositions(positions map[string]schema.Position) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for id, pos := range positions {
		if n, ok := g.nodes[id]; ok {
			n.Position = pos
		}
	}
}

// ResetStatuses returns every node to idle.
func (g *Graph) ResetStatuses() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, n := range g.nodes {
		n.Status = schema.NodeStatusIdle
	}
}

func (g *Graph) updateNode(id string, fn func(*schema.Node)) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[id]
	if !ok {
		return nodeNotFound(id)
	}
	fn(n)
	return nil
}

// --- Edges ---

// AddEdge connects source to target after the connection rules accept it.
// A rejected edge leaves the graph unchanged.
func (g *Graph) AddEdge(source, target string) (schema.Edge, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.checkConnectionLocked(source, target); err != nil {
		return schema.Edge{}, err
	}

	e := &schema.Edge{ID: schema.EdgeID(source, target), Source: source, Target: target}
	g.edges[e.ID] = e
	g.edgeOrder = append(g.edgeOrder, e.ID)
	return *e, nil
}

// RemoveEdge deletes an edge by ID.
func (g *Graph) RemoveEdge(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.edges[id]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "edge %q not found", id)
	}
	delete(g.edges, id)
	g.edgeOrder = removeString(g.edgeOrder, id)
	return nil
}

// HasEdge reports whether an edge source -> target exists.
func (g *Graph) HasEdge(source, target string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.edges[schema.EdgeID(source, target)]
	return ok
}

// Topology returns node IDs and edges, both in insertion order, taken from
// one consistent state of the graph.
func (g *Graph) Topology() ([]string, []schema.Edge) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.nodeOrder...), g.edgesLocked()
}

// Edges returns all edges in insertion order.
func (g *Graph) Edges() []schema.Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.edgesLocked()
}

func (g *Graph) edgesLocked() []schema.Edge {
	out := make([]schema.Edge, 0, len(g.edgeOrder))
	for _, id := range g.edgeOrder {
		out = append(out, *g.edges[id])
	}
	return out
}

// Successors returns the targets of id's outgoing edges in edge insertion order.
func (g *Graph) Successors(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.successorsLocked(id)
}

// Predecessors returns the sources of id's incoming edges in edge insertion order.
func (g *Graph) Predecessors(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []string
	for _, eid := range g.edgeOrder {
		if e := g.edges[eid]; e.Target == id {
			out = append(out, e.Source)
		}
	}
	return out
}

func (g *Graph) successorsLocked(id string) []string {
	var out []string
	for _, eid := range g.edgeOrder {
		if e := g.edges[eid]; e.Source == id {
			out = append(out, e.Target)
		}
	}
	return out
}

// --- Snapshots ---

// Pipeline returns a snapshot of the graph with nodes and edges in insertion order.
func (g *Graph) Pipeline() *schema.Pipeline {
	g.mu.RLock()
	defer g.mu.RUnlock()

	p := &schema.Pipeline{
		ID:    g.id,
		Name:  g.name,
		Nodes: make([]schema.Node, 0, len(g.nodeOrder)),
		Edges: make([]schema.Edge, 0, len(g.edgeOrder)),
	}
	if len(g.metadata) > 0 {
		p.Metadata = maps.Clone(g.metadata)
	}
	for _, id := range g.nodeOrder {
		p.Nodes = append(p.Nodes, *cloneNode(g.nodes[id]))
	}
	for _, id := range g.edgeOrder {
		p.Edges = append(p.Edges, *g.edges[id])
	}
	return p
}

// Clone returns an independent copy of the graph.
func (g *Graph) Clone() *Graph {
	g.mu.RLock()
	defer g.mu.RUnlock()

	c := New(g.id)
	c.name = g.name
	c.strictAcyclic = g.strictAcyclic
	if len(g.metadata) > 0 {
		c.metadata = maps.Clone(g.metadata)
	}
	for _, id := range g.nodeOrder {
		c.nodes[id] = cloneNode(g.nodes[id])
	}
	c.nodeOrder = append(c.nodeOrder, g.nodeOrder...)
	for _, id := range g.edgeOrder {
		e := *g.edges[id]
		c.edges[id] = &e
	}
	c.edgeOrder = append(c.edgeOrder, g.edgeOrder...)
	return c
}

// Verify re-checks the structural invariants over the whole graph.
// It returns the first violation found, or nil.
func (g *Graph) Verify() error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if len(g.nodes) != len(g.nodeOrder) {
		return schema.NewError(schema.ErrCodeConflict, "node index out of sync")
	}
	pairs := make(map[[2]string]bool, len(g.edges))
	for _, eid := range g.edgeOrder {
		e := g.edges[eid]
		src, srcOK := g.nodes[e.Source]
		tgt, tgtOK := g.nodes[e.Target]
		switch {
		case !srcOK || !tgtOK:
			return schema.NewErrorf(schema.ErrCodeValidation, "edge %s references a missing node", eid)
		case e.Source == e.Target:
			return schema.NewErrorf(schema.ErrCodeValidation, "edge %s is a self-loop", eid)
		case tgt.Category == schema.CategorySource:
			return schema.NewErrorf(schema.ErrCodeValidation, "edge %s targets source node %s", eid, e.Target)
		case src.Category == schema.CategoryDestination:
			return schema.NewErrorf(schema.ErrCodeValidation, "edge %s leaves destination node %s", eid, e.Source)
		case pairs[[2]string{e.Source, e.Target}]:
			return schema.NewErrorf(schema.ErrCodeValidation, "duplicate edge %s", eid)
		}
		pairs[[2]string{e.Source, e.Target}] = true
	}
	return nil
}

func cloneNode(n *schema.Node) *schema.Node {
	c := *n
	if n.Config != nil {
		c.Config = maps.Clone(n.Config)
	}
	return &c
}

func nodeNotFound(id string) *schema.PipelineError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "node %q not found", id)
}

func removeString(s []string, v string) []string {
	for i, x := range s {
		if x == v {
			return append(s[:i], s[i+1:]...)
		}
	}
	return s
}
