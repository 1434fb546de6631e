// Package builder holds editing sessions: one pipeline graph plus the
// selection and layout state an editor keeps around it.
package builder

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/rendis/pipekit/internal/engine"
	"github.com/rendis/pipekit/internal/graph"
	"github.com/rendis/pipekit/internal/layout"
	"github.com/rendis/pipekit/internal/logging"
	"github.com/rendis/pipekit/internal/preview"
	"github.com/rendis/pipekit/internal/store"
	"github.com/rendis/pipekit/pkg/schema"
)

// Catalog describes node subtypes. Satisfied by *registry.Registry.
type Catalog interface {
	Label(category schema.Category, subtype schema.Subtype) string
	Validate(category schema.Category, subtype schema.Subtype, config map[string]any) *schema.ValidationResult
	IsConfigured(node *schema.Node) bool
}

// Validator checks a whole pipeline. Satisfied by *validation.Service.
type Validator interface {
	Validate(ctx context.Context, p *schema.Pipeline) (*schema.ValidationResult, error)
}

// NodeTester tests one node in the context of its graph. Satisfied by *preview.Tester.
type NodeTester interface {
	TestInGraph(ctx context.Context, g *graph.Graph, nodeID string) (*preview.TestResult, error)
}

// Runner executes a graph. Satisfied by *engine.Runner.
type Runner interface {
	Run(ctx context.Context, g *graph.Graph) (*engine.RunResult, error)
}

// Persistence loads and saves pipeline snapshots. Satisfied by store.Store.
type Persistence interface {
	SavePipeline(ctx context.Context, p *schema.Pipeline) (*store.PipelineRecord, error)
	GetPipeline(ctx context.Context, id string) (*store.PipelineRecord, error)
	ListPipelines(ctx context.Context, filter store.PipelineFilter) ([]*store.PipelineRecord, error)
}

// Deps are the collaborators a session delegates to. Catalog is required;
// a nil collaborator makes the matching operation return UNSUPPORTED.
type Deps struct {
	Catalog       Catalog
	Validator     Validator
	Tester        NodeTester
	Runner        Runner
	Layout        layout.Engine
	Store         Persistence
	Logger        *slog.Logger
	StrictAcyclic bool
}

func (d *Deps) graphOptions() []graph.Option {
	if d.StrictAcyclic {
		return []graph.Option{graph.WithStrictAcyclic()}
	}
	return nil
}

// State is a point-in-time snapshot of a session.
type State struct {
	Pipeline       *schema.Pipeline `json:"pipeline"`
	SelectedNodeID string           `json:"selected_node_id,omitempty"`
	PanelOpen      bool             `json:"panel_open"`
	Direction      layout.Direction `json:"direction"`
	Running        bool             `json:"running"`
	Version        int              `json:"version,omitempty"`
}

// Session is one pipeline under edit. Mutations go straight to the graph,
// which applies each one atomically; the session lock guards the
// surrounding editor state and graph replacement. While a run is in flight
// the graph's structure and configs are frozen: edits return RUN_IN_PROGRESS.
type Session struct {
	deps *Deps

	mu        sync.RWMutex
	g         *graph.Graph
	selected  string
	panelOpen bool
	direction layout.Direction
	version   int

	running atomic.Bool
}

// NewSession starts an empty pipeline. An empty id is replaced by a UUID.
func NewSession(deps *Deps, id, name string) *Session {
	if id == "" {
		id = uuid.NewString()
	}
	opts := append(deps.graphOptions(), graph.WithName(name))
	return &Session{
		deps:      deps,
		g:         graph.New(id, opts...),
		direction: layout.TopBottom,
	}
}

// ID returns the pipeline id.
func (s *Session) ID() string {
	return s.graph().ID()
}

// Graph returns the live graph.
func (s *Session) Graph() *graph.Graph {
	return s.graph()
}

func (s *Session) graph() *graph.Graph {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.g
}

// State returns a snapshot of the session.
func (s *Session) State() *State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &State{
		Pipeline:       s.g.Pipeline(),
		SelectedNodeID: s.selected,
		PanelOpen:      s.panelOpen,
		Direction:      s.direction,
		Running:        s.running.Load(),
		Version:        s.version,
	}
}

// --- Editing ---

// AddNode places a new, unconfigured node of the given kind at pos with a
// fresh UUID and the catalog label.
func (s *Session) AddNode(category schema.Category, subtype schema.Subtype, pos schema.Position) (schema.Node, error) {
	n := schema.Node{
		ID:       uuid.NewString(),
		Category: category,
		Subtype:  subtype,
		Label:    s.deps.Catalog.Label(category, subtype),
		Position: pos,
		Status:   schema.NodeStatusIdle,
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.editable(); err != nil {
		return schema.Node{}, err
	}
	if err := s.g.AddNode(n); err != nil {
		return schema.Node{}, err
	}
	return n, nil
}

// RemoveNode deletes a node with its edges and drops it from the selection.
func (s *Session) RemoveNode(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.editable(); err != nil {
		return err
	}
	if err := s.g.RemoveNode(id); err != nil {
		return err
	}
	if s.selected == id {
		s.selected = ""
		s.panelOpen = false
	}
	return nil
}

// Connect adds an edge if the connection rules allow it.
func (s *Session) Connect(source, target string) (schema.Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.editable(); err != nil {
		return schema.Edge{}, err
	}
	return s.g.AddEdge(source, target)
}

// Disconnect removes an edge by id.
func (s *Session) Disconnect(edgeID string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.editable(); err != nil {
		return err
	}
	return s.g.RemoveEdge(edgeID)
}

// Rename sets a node's label.
func (s *Session) Rename(id, label string) error {
	return s.graph().SetLabel(id, label)
}

// Move sets a node's canvas position.
func (s *Session) Move(id string, pos schema.Position) error {
	return s.graph().SetPosition(id, pos)
}

// Configure replaces a node's config, validates it against the catalog and
// records whether the node is now configured. The config is stored even when
// invalid so the user can keep editing it.
func (s *Session) Configure(id string, cfg map[string]any) (*schema.ValidationResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.editable(); err != nil {
		return nil, err
	}
	n, ok := s.g.Node(id)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "node %s not found", id)
	}
	vr := s.deps.Catalog.Validate(n.Category, n.Subtype, cfg)
	if err := s.g.SetConfigState(id, cfg, len(cfg) > 0 && vr.Valid()); err != nil {
		return nil, err
	}
	return vr, nil
}

// Select makes id the selected node and opens the config panel.
func (s *Session) Select(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.g.HasNode(id) {
		return schema.NewErrorf(schema.ErrCodeNotFound, "node %s not found", id)
	}
	s.selected = id
	s.panelOpen = true
	return nil
}

// ClearSelection deselects and closes the config panel.
func (s *Session) ClearSelection() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selected = ""
	s.panelOpen = false
}

// AutoLayout recomputes every position. An empty dir reuses the session's
// last direction.
func (s *Session) AutoLayout(dir layout.Direction) (*layout.Result, error) {
	if s.deps.Layout == nil {
		return nil, unsupported("layout")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if dir == "" {
		dir = s.direction
	}
	res, err := layout.Apply(s.g, s.deps.Layout, dir)
	if err != nil {
		return nil, err
	}
	s.direction = dir
	return res, nil
}

// --- Checks and execution ---

// Validate runs the full validation service over the current snapshot.
func (s *Session) Validate(ctx context.Context) (*schema.ValidationResult, error) {
	if s.deps.Validator == nil {
		return nil, unsupported("validation")
	}
	return s.deps.Validator.Validate(ctx, s.graph().Pipeline())
}

// TestNode previews one node with its upstream nodes as inputs. Only the
// result changes; node statuses are untouched.
func (s *Session) TestNode(ctx context.Context, id string) (*preview.TestResult, error) {
	if s.deps.Tester == nil {
		return nil, unsupported("node testing")
	}
	g := s.graph()
	ctx = logging.WithNodeID(logging.WithPipelineID(ctx, g.ID()), id)
	return s.deps.Tester.TestInGraph(ctx, g, id)
}

// Run executes the pipeline. Only one run per session may be in flight;
// a second call returns RUN_IN_PROGRESS.
func (s *Session) Run(ctx context.Context) (*engine.RunResult, error) {
	if s.deps.Runner == nil {
		return nil, unsupported("execution")
	}
	// Taking the write lock orders the start of a run after any edit that
	// already passed its editable check.
	s.mu.Lock()
	g := s.g
	if !s.running.CompareAndSwap(false, true) {
		s.mu.Unlock()
		return nil, schema.NewErrorf(schema.ErrCodeRunInProgress, "pipeline %s is already running", g.ID())
	}
	s.mu.Unlock()
	defer s.running.Store(false)

	s.logger().InfoContext(logging.WithPipelineID(ctx, g.ID()), "run requested", slog.Int("nodes", g.Len()))
	return s.deps.Runner.Run(ctx, g)
}

// Running reports whether a run is in flight.
func (s *Session) Running() bool {
	return s.running.Load()
}

// --- Persistence ---

// Save writes the current snapshot and records the stored version.
func (s *Session) Save(ctx context.Context) (*store.PipelineRecord, error) {
	if s.deps.Store == nil {
		return nil, unsupported("persistence")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.g.Pipeline()
	for i := range p.Nodes {
		p.Nodes[i].Status = ""
	}
	rec, err := s.deps.Store.SavePipeline(ctx, p)
	if err != nil {
		return nil, err
	}
	s.version = rec.Version
	return rec, nil
}

// Load replaces the session's graph with the stored pipeline id.
func (s *Session) Load(ctx context.Context, id string) error {
	if s.deps.Store == nil {
		return unsupported("persistence")
	}
	rec, err := s.deps.Store.GetPipeline(ctx, id)
	if err != nil {
		return err
	}
	if err := s.Replace(&rec.Pipeline); err != nil {
		return err
	}
	s.mu.Lock()
	s.version = rec.Version
	s.mu.Unlock()
	return nil
}

// Replace swaps in a graph built from p. Statuses start idle and the
// configured flag is recomputed from the catalog. A snapshot that breaks any
// graph rule leaves the session unchanged.
func (s *Session) Replace(p *schema.Pipeline) error {
	g, err := graph.FromPipeline(p, s.deps.graphOptions()...)
	if err != nil {
		return err
	}
	g.ResetStatuses()
	for _, n := range g.Nodes() {
		if err := g.SetConfigured(n.ID, s.deps.Catalog.IsConfigured(&n)); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.editable(); err != nil {
		return err
	}
	s.g = g
	s.selected = ""
	s.panelOpen = false
	s.version = 0
	return nil
}

func (s *Session) logger() *slog.Logger {
	if s.deps.Logger != nil {
		return s.deps.Logger
	}
	return slog.Default()
}

// editable rejects edits while a run is in flight. Callers hold s.mu.
func (s *Session) editable() error {
	if s.running.Load() {
		return schema.NewErrorf(schema.ErrCodeRunInProgress, "pipeline %s is running; edits are rejected until it finishes", s.g.ID())
	}
	return nil
}

func unsupported(what string) *schema.PipelineError {
	return schema.NewErrorf(schema.ErrCodeUnsupported, "%s is not available in this session", what)
}
