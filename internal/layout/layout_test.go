package layout

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/pipekit/internal/graph"
	"github.com/rendis/pipekit/pkg/schema"
)

func n(id string, cat schema.Category, sub schema.Subtype) schema.Node {
	return schema.Node{ID: id, Category: cat, Subtype: sub}
}

func sampleGraph(t *testing.T) *graph.Graph {
	t.Helper()
	g := graph.New("p")
	require.NoError(t, g.AddNode(n("orders", schema.CategorySource, schema.SubtypeDatabase)))
	require.NoError(t, g.AddNode(n("users", schema.CategorySource, schema.SubtypeAPI)))
	require.NoError(t, g.AddNode(n("join", schema.CategoryTransformation, schema.SubtypeJoin)))
	require.NoError(t, g.AddNode(n("filter", schema.CategoryTransformation, schema.SubtypeFilter)))
	require.NoError(t, g.AddNode(n("dw", schema.CategoryDestination, schema.SubtypeWarehouse)))
	for _, e := range [][2]string{{"orders", "join"}, {"users", "join"}, {"join", "filter"}, {"filter", "dw"}, {"orders", "dw"}} {
		_, err := g.AddEdge(e[0], e[1])
		require.NoError(t, err)
	}
	return g
}

func TestParseDirection(t *testing.T) {
	d, err := ParseDirection("lr")
	require.NoError(t, err)
	assert.Equal(t, LeftRight, d)

	d, err = ParseDirection("")
	require.NoError(t, err)
	assert.Equal(t, TopBottom, d)

	_, err = ParseDirection("diagonal")
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestLayered_LongestPathRanks(t *testing.T) {
	g := sampleGraph(t)
	res, err := NewLayered().Layout(g.Nodes(), g.Edges(), TopBottom)
	require.NoError(t, err)

	assert.Equal(t, [][]string{{"orders", "users"}, {"join"}, {"filter"}, {"dw"}}, res.Ranks)
	assert.Len(t, res.Positions, 5)
}

func TestLayered_EdgesPointForward(t *testing.T) {
	g := sampleGraph(t)
	for _, dir := range []Direction{TopBottom, LeftRight} {
		res, err := NewLayered().Layout(g.Nodes(), g.Edges(), dir)
		require.NoError(t, err)
		for _, e := range g.Edges() {
			src, tgt := res.Positions[e.Source], res.Positions[e.Target]
			if dir == TopBottom {
				assert.Less(t, src.Y, tgt.Y, e.ID)
			} else {
				assert.Less(t, src.X, tgt.X, e.ID)
			}
		}
	}
}

func TestLayered_IgnoresExistingPositions(t *testing.T) {
	g := sampleGraph(t)
	first, err := NewLayered().Layout(g.Nodes(), g.Edges(), TopBottom)
	require.NoError(t, err)

	require.NoError(t, g.SetPosition("join", schema.Position{X: 9999, Y: -5}))
	second, err := NewLayered().Layout(g.Nodes(), g.Edges(), TopBottom)
	require.NoError(t, err)
	assert.Equal(t, first.Positions, second.Positions)
}

func TestLayered_BarycenterOrdering(t *testing.T) {
	nodes := []schema.Node{
		n("a", schema.CategorySource, schema.SubtypeFile),
		n("b", schema.CategorySource, schema.SubtypeFile),
		n("fromB", schema.CategoryTransformation, schema.SubtypeMap),
		n("fromA", schema.CategoryTransformation, schema.SubtypeMap),
	}
	edges := []schema.Edge{
		{ID: schema.EdgeID("b", "fromB"), Source: "b", Target: "fromB"},
		{ID: schema.EdgeID("a", "fromA"), Source: "a", Target: "fromA"},
	}
	res, err := NewLayered().Layout(nodes, edges, TopBottom)
	require.NoError(t, err)
	assert.Equal(t, []string{"fromA", "fromB"}, res.Ranks[1])
}

func TestLayered_CycleNodesGoLast(t *testing.T) {
	nodes := []schema.Node{
		n("s", schema.CategorySource, schema.SubtypeFile),
		n("x", schema.CategoryTransformation, schema.SubtypeMap),
		n("y", schema.CategoryTransformation, schema.SubtypeMap),
		n("d", schema.CategoryDestination, schema.SubtypeFile),
	}
	edges := []schema.Edge{
		{Source: "s", Target: "d"},
		{Source: "x", Target: "y"},
		{Source: "y", Target: "x"},
	}
	res, err := NewLayered().Layout(nodes, edges, LeftRight)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"s"}, {"d"}, {"x", "y"}}, res.Ranks)
	assert.Len(t, res.Positions, 4)
}

func TestLayered_Errors(t *testing.T) {
	_, err := NewLayered().Layout(nil, []schema.Edge{{Source: "a", Target: "b"}}, TopBottom)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	_, err = NewLayered().Layout(nil, nil, "XY")
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestLayered_Empty(t *testing.T) {
	res, err := NewLayered().Layout(nil, nil, TopBottom)
	require.NoError(t, err)
	assert.Empty(t, res.Positions)
	assert.Empty(t, res.Ranks)
}

func TestApply(t *testing.T) {
	g := sampleGraph(t)
	res, err := Apply(g, NewLayered(), LeftRight)
	require.NoError(t, err)

	for id, pos := range res.Positions {
		node, ok := g.Node(id)
		require.True(t, ok)
		assert.Equal(t, pos, node.Position)
	}
}
