package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rendis/pipekit/internal/graph"
	"github.com/rendis/pipekit/pkg/schema"
)

// node infers the category from the id prefix: S* source, D* destination,
// anything else a transformation.
func node(id string) schema.Node {
	n := schema.Node{ID: id, Label: id}
	switch {
	case strings.HasPrefix(id, "S"):
		n.Category, n.Subtype = schema.CategorySource, schema.SubtypeFile
	case strings.HasPrefix(id, "D"):
		n.Category, n.Subtype = schema.CategoryDestination, schema.SubtypeFile
	default:
		n.Category, n.Subtype = schema.CategoryTransformation, schema.SubtypeMap
	}
	return n
}

// build creates a graph from node ids and "a->b" edges.
func build(t *testing.T, ids []string, edges ...string) *graph.Graph {
	t.Helper()
	g := graph.New("p1")
	for _, id := range ids {
		require.NoError(t, g.AddNode(node(id)))
	}
	for _, e := range edges {
		parts := strings.SplitN(e, "->", 2)
		_, err := g.AddEdge(parts[0], parts[1])
		require.NoError(t, err, e)
	}
	return g
}

// scriptedExecutor records calls and fails the nodes listed in failOn.
type scriptedExecutor struct {
	mu     sync.Mutex
	failOn map[string]error
	calls  []string
	inputs map[string][]string
	hook   func(id string)
}

func newScripted() *scriptedExecutor {
	return &scriptedExecutor{failOn: map[string]error{}, inputs: map[string][]string{}}
}

func (s *scriptedExecutor) Execute(_ context.Context, n *schema.Node, inputs []*NodeOutput) (*NodeOutput, error) {
	s.mu.Lock()
	s.calls = append(s.calls, n.ID)
	for _, in := range inputs {
		s.inputs[n.ID] = append(s.inputs[n.ID], in.NodeID)
	}
	hook := s.hook
	err := s.failOn[n.ID]
	s.mu.Unlock()

	if hook != nil {
		hook(n.ID)
	}
	if err != nil {
		return nil, err
	}
	return &NodeOutput{RowCount: 1}, nil
}

type recordingSink struct {
	mu      sync.Mutex
	entries []schema.ExecutionLogEntry
	refs    []RunRef
}

func (r *recordingSink) AppendLog(_ context.Context, ref RunRef, e schema.ExecutionLogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	r.refs = append(r.refs, ref)
	return nil
}

type recordingAppender struct {
	mu     sync.Mutex
	events []*schema.RunEvent
}

func (r *recordingAppender) AppendEvent(_ context.Context, e *schema.RunEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingAppender) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

type failingSink struct{}

func (failingSink) AppendLog(context.Context, RunRef, schema.ExecutionLogEntry) error {
	return errors.New("disk full")
}

func (failingSink) AppendEvent(context.Context, *schema.RunEvent) error {
	return errors.New("disk full")
}

func statuses(g *graph.Graph) map[string]schema.NodeStatus {
	out := map[string]schema.NodeStatus{}
	for _, n := range g.Nodes() {
		out[n.ID] = n.Status
	}
	return out
}
