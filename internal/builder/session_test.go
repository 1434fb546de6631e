package builder

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/pipekit/internal/engine"
	"github.com/rendis/pipekit/internal/expressions"
	"github.com/rendis/pipekit/internal/graph"
	"github.com/rendis/pipekit/internal/layout"
	"github.com/rendis/pipekit/internal/preview"
	"github.com/rendis/pipekit/internal/registry"
	"github.com/rendis/pipekit/internal/store"
	"github.com/rendis/pipekit/internal/validation"
	"github.com/rendis/pipekit/pkg/schema"
)

func noSleep(context.Context, time.Duration) error { return nil }

func newDeps(t *testing.T) *Deps {
	t.Helper()
	reg, err := registry.Default()
	require.NoError(t, err)
	svc, err := validation.NewService(reg)
	require.NoError(t, err)
	engines, err := expressions.NewEngines()
	require.NoError(t, err)

	st, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "builder.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	return &Deps{
		Catalog:   reg,
		Validator: svc,
		Tester:    preview.NewTester(reg, preview.NewExecutor(engines, preview.WithConnectors(st))),
		Runner:    engine.NewRunner(engine.NewSimulatedExecutor(engine.WithSuccessRate(1), engine.WithSleep(noSleep))),
		Layout:    layout.NewLayered(),
		Store:     st,
	}
}

// orders builds source -> filter -> destination, fully configured.
func orders(t *testing.T, s *Session) (src, flt, dst schema.Node) {
	t.Helper()
	var err error
	src, err = s.AddNode(schema.CategorySource, schema.SubtypeFile, schema.Position{})
	require.NoError(t, err)
	flt, err = s.AddNode(schema.CategoryTransformation, schema.SubtypeFilter, schema.Position{})
	require.NoError(t, err)
	dst, err = s.AddNode(schema.CategoryDestination, schema.SubtypeFile, schema.Position{})
	require.NoError(t, err)

	for id, cfg := range map[string]map[string]any{
		src.ID: {"path": "orders.csv", "format": "csv"},
		flt.ID: {"condition": "row.total > 10"},
		dst.ID: {"path": "out.json", "format": "json"},
	} {
		vr, err := s.Configure(id, cfg)
		require.NoError(t, err)
		require.True(t, vr.Valid(), vr.Messages())
	}
	_, err = s.Connect(src.ID, flt.ID)
	require.NoError(t, err)
	_, err = s.Connect(flt.ID, dst.ID)
	require.NoError(t, err)
	return src, flt, dst
}

func TestAddNode_AssignsIDAndLabel(t *testing.T) {
	s := NewSession(newDeps(t), "", "demo")
	n, err := s.AddNode(schema.CategorySource, schema.SubtypeAPI, schema.Position{X: 10, Y: 20})
	require.NoError(t, err)

	assert.Len(t, n.ID, 36)
	assert.Equal(t, "API Source", n.Label)
	assert.False(t, n.Configured)

	got, ok := s.Graph().Node(n.ID)
	require.True(t, ok)
	assert.Equal(t, schema.Position{X: 10, Y: 20}, got.Position)
	assert.Equal(t, schema.NodeStatusIdle, got.Status)

	_, err = s.AddNode(schema.CategorySource, schema.SubtypeFilter, schema.Position{})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestConfigure_TracksConfiguredFlag(t *testing.T) {
	s := NewSession(newDeps(t), "", "demo")
	n, err := s.AddNode(schema.CategoryTransformation, schema.SubtypeSort, schema.Position{})
	require.NoError(t, err)

	vr, err := s.Configure(n.ID, map[string]any{"field": "total"})
	require.NoError(t, err)
	assert.False(t, vr.Valid())
	got, _ := s.Graph().Node(n.ID)
	assert.False(t, got.Configured)
	assert.Equal(t, "total", got.Config["field"], "invalid config is still stored")

	vr, err = s.Configure(n.ID, map[string]any{"field": "total", "order": "desc"})
	require.NoError(t, err)
	assert.True(t, vr.Valid())
	got, _ = s.Graph().Node(n.ID)
	assert.True(t, got.Configured)

	_, err = s.Configure("ghost", map[string]any{})
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}

func TestConnect_RejectsInvalidEdges(t *testing.T) {
	s := NewSession(newDeps(t), "", "demo")
	src, _, dst := orders(t, s)

	_, err := s.Connect(dst.ID, src.ID)
	assert.True(t, schema.HasCode(err, schema.ErrCodeConnectionRejected))
	assert.Equal(t, graph.RuleTargetIsSource, graph.RejectionRule(err))

	_, err = s.Connect(src.ID, src.ID)
	assert.Equal(t, graph.RuleSelfLoop, graph.RejectionRule(err))

	assert.Len(t, s.Graph().Edges(), 2)
}

func TestDisconnect(t *testing.T) {
	s := NewSession(newDeps(t), "", "demo")
	src, flt, _ := orders(t, s)

	require.NoError(t, s.Disconnect(schema.EdgeID(src.ID, flt.ID)))
	assert.Len(t, s.Graph().Edges(), 1)
	assert.True(t, schema.HasCode(s.Disconnect(schema.EdgeID(src.ID, flt.ID)), schema.ErrCodeNotFound))
}

func TestSelection(t *testing.T) {
	s := NewSession(newDeps(t), "", "demo")
	_, flt, _ := orders(t, s)

	require.NoError(t, s.Select(flt.ID))
	st := s.State()
	assert.Equal(t, flt.ID, st.SelectedNodeID)
	assert.True(t, st.PanelOpen)

	require.NoError(t, s.RemoveNode(flt.ID))
	st = s.State()
	assert.Empty(t, st.SelectedNodeID)
	assert.False(t, st.PanelOpen)
	assert.Empty(t, st.Pipeline.Edges, "edges of the removed node go with it")

	assert.True(t, schema.HasCode(s.Select(flt.ID), schema.ErrCodeNotFound))

	_, _, dst := orders(t, s)
	require.NoError(t, s.Select(dst.ID))
	s.ClearSelection()
	assert.Empty(t, s.State().SelectedNodeID)
}

func TestRenameAndMove(t *testing.T) {
	s := NewSession(newDeps(t), "", "demo")
	src, _, _ := orders(t, s)

	require.NoError(t, s.Rename(src.ID, "Orders CSV"))
	require.NoError(t, s.Move(src.ID, schema.Position{X: 5, Y: 6}))
	got, _ := s.Graph().Node(src.ID)
	assert.Equal(t, "Orders CSV", got.Label)
	assert.Equal(t, schema.Position{X: 5, Y: 6}, got.Position)
}

func TestAutoLayout_RemembersDirection(t *testing.T) {
	s := NewSession(newDeps(t), "", "demo")
	src, flt, dst := orders(t, s)

	res, err := s.AutoLayout(layout.LeftRight)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{src.ID}, {flt.ID}, {dst.ID}}, res.Ranks)

	a, _ := s.Graph().Node(src.ID)
	b, _ := s.Graph().Node(flt.ID)
	assert.Less(t, a.Position.X, b.Position.X)
	assert.Equal(t, a.Position.Y, b.Position.Y)

	res, err = s.AutoLayout("")
	require.NoError(t, err)
	assert.Equal(t, layout.LeftRight, res.Direction)
	assert.Equal(t, layout.LeftRight, s.State().Direction)
}

func TestValidate(t *testing.T) {
	s := NewSession(newDeps(t), "", "demo")
	orders(t, s)

	vr, err := s.Validate(context.Background())
	require.NoError(t, err)
	assert.True(t, vr.Valid(), vr.Messages())

	_, err = s.AddNode(schema.CategoryTransformation, schema.SubtypeMap, schema.Position{})
	require.NoError(t, err)
	vr, err = s.Validate(context.Background())
	require.NoError(t, err)
	assert.False(t, vr.Valid(), "unconfigured map node")
}

func TestTestNode(t *testing.T) {
	s := NewSession(newDeps(t), "", "demo")
	_, flt, _ := orders(t, s)

	res, err := s.TestNode(context.Background(), flt.ID)
	require.NoError(t, err)
	assert.False(t, res.Passed, "orders.csv does not exist")
	assert.Contains(t, res.Message, "upstream")

	got, _ := s.Graph().Node(flt.ID)
	assert.Equal(t, schema.NodeStatusIdle, got.Status, "testing never changes status")
}

func TestRun(t *testing.T) {
	s := NewSession(newDeps(t), "", "demo")
	src, flt, dst := orders(t, s)

	res, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusSucceeded, res.Status)
	assert.Equal(t, []string{src.ID, flt.ID, dst.ID}, res.Order)
	assert.False(t, s.Running())

	for _, n := range s.State().Pipeline.Nodes {
		assert.Equal(t, schema.NodeStatusSuccess, n.Status)
	}
}

// blockingRunner parks inside Run until released.
type blockingRunner struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingRunner) Run(ctx context.Context, g *graph.Graph) (*engine.RunResult, error) {
	close(b.entered)
	<-b.release
	return &engine.RunResult{Status: schema.RunStatusSucceeded}, nil
}

func TestRun_RefusesConcurrentRun(t *testing.T) {
	deps := newDeps(t)
	br := &blockingRunner{entered: make(chan struct{}), release: make(chan struct{})}
	deps.Runner = br
	s := NewSession(deps, "", "demo")
	orders(t, s)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := s.Run(context.Background())
		assert.NoError(t, err)
	}()
	<-br.entered

	assert.True(t, s.State().Running)
	_, err := s.Run(context.Background())
	assert.True(t, schema.HasCode(err, schema.ErrCodeRunInProgress))
	assert.True(t, schema.HasCode(s.Replace(&schema.Pipeline{ID: "x"}), schema.ErrCodeRunInProgress))

	close(br.release)
	wg.Wait()
	assert.False(t, s.Running())
}

func TestRun_FreezesEditsWhileRunning(t *testing.T) {
	deps := newDeps(t)
	br := &blockingRunner{entered: make(chan struct{}), release: make(chan struct{})}
	deps.Runner = br
	s := NewSession(deps, "", "")
	src, flt, dst := orders(t, s)
	edge := schema.EdgeID(flt.ID, dst.ID)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = s.Run(context.Background())
	}()
	<-br.entered

	_, err := s.AddNode(schema.CategoryTransformation, schema.SubtypeSort, schema.Position{})
	assert.True(t, schema.HasCode(err, schema.ErrCodeRunInProgress))
	assert.True(t, schema.HasCode(s.RemoveNode(flt.ID), schema.ErrCodeRunInProgress))
	_, err = s.Connect(src.ID, dst.ID)
	assert.True(t, schema.HasCode(err, schema.ErrCodeRunInProgress))
	assert.True(t, schema.HasCode(s.Disconnect(edge), schema.ErrCodeRunInProgress))
	_, err = s.Configure(flt.ID, map[string]any{"condition": "row.total > 99"})
	assert.True(t, schema.HasCode(err, schema.ErrCodeRunInProgress))

	p := s.State().Pipeline
	assert.Len(t, p.Nodes, 3)
	assert.Len(t, p.Edges, 2)
	n, _ := s.Graph().Node(flt.ID)
	assert.Equal(t, "row.total > 10", n.Config["condition"])

	close(br.release)
	wg.Wait()

	require.NoError(t, s.RemoveNode(flt.ID))
	assert.Len(t, s.State().Pipeline.Edges, 0)
}

func TestConfigure_StoresConfigAndFlagTogether(t *testing.T) {
	s := NewSession(newDeps(t), "", "")
	n, err := s.AddNode(schema.CategorySource, schema.SubtypeDatabase, schema.Position{})
	require.NoError(t, err)

	vr, err := s.Configure(n.ID, map[string]any{"connector_id": "c1", "table": ""})
	require.NoError(t, err)
	assert.False(t, vr.Valid())
	got, _ := s.Graph().Node(n.ID)
	assert.Equal(t, "", got.Config["table"])
	assert.False(t, got.Configured)

	_, err = s.Configure(n.ID, map[string]any{"connector_id": "c1", "table": "orders"})
	require.NoError(t, err)
	got, _ = s.Graph().Node(n.ID)
	assert.True(t, got.Configured)
}

func TestSaveAndLoad(t *testing.T) {
	deps := newDeps(t)
	s := NewSession(deps, "", "Orders")
	src, _, _ := orders(t, s)
	_, err := s.Run(context.Background())
	require.NoError(t, err)

	rec, err := s.Save(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Version)
	for _, n := range rec.Pipeline.Nodes {
		assert.Empty(t, n.Status, "statuses are not persisted")
	}
	rec, err = s.Save(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Version)

	other := NewSession(deps, "", "")
	require.NoError(t, other.Load(context.Background(), s.ID()))
	st := other.State()
	assert.Equal(t, s.ID(), st.Pipeline.ID)
	assert.Equal(t, "Orders", st.Pipeline.Name)
	assert.Equal(t, 2, st.Version)
	require.Len(t, st.Pipeline.Nodes, 3)
	assert.Len(t, st.Pipeline.Edges, 2)

	got, _ := other.Graph().Node(src.ID)
	assert.True(t, got.Configured)
	assert.Equal(t, schema.NodeStatusIdle, got.Status)

	err = other.Load(context.Background(), "missing")
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}

func TestReplace_RejectsBrokenSnapshot(t *testing.T) {
	s := NewSession(newDeps(t), "", "demo")
	orders(t, s)
	before := s.State().Pipeline

	err := s.Replace(&schema.Pipeline{
		ID: "bad",
		Nodes: []schema.Node{
			{ID: "a", Category: schema.CategorySource, Subtype: schema.SubtypeFile},
			{ID: "b", Category: schema.CategorySource, Subtype: schema.SubtypeFile},
		},
		Edges: []schema.Edge{{Source: "a", Target: "b"}},
	})
	require.Error(t, err)
	assert.Equal(t, before, s.State().Pipeline)
}

func TestMissingCollaborators(t *testing.T) {
	reg, err := registry.Default()
	require.NoError(t, err)
	s := NewSession(&Deps{Catalog: reg}, "p1", "bare")
	ctx := context.Background()

	_, err = s.Validate(ctx)
	assert.True(t, schema.HasCode(err, schema.ErrCodeUnsupported))
	_, err = s.Run(ctx)
	assert.True(t, schema.HasCode(err, schema.ErrCodeUnsupported))
	_, err = s.Save(ctx)
	assert.True(t, schema.HasCode(err, schema.ErrCodeUnsupported))
	_, err = s.AutoLayout(layout.TopBottom)
	assert.True(t, schema.HasCode(err, schema.ErrCodeUnsupported))
	_, err = s.TestNode(ctx, "x")
	assert.True(t, schema.HasCode(err, schema.ErrCodeUnsupported))
}
