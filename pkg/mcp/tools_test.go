package mcp

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rendis/pipekit/internal/builder"
	"github.com/rendis/pipekit/internal/engine"
	"github.com/rendis/pipekit/internal/expressions"
	"github.com/rendis/pipekit/internal/layout"
	"github.com/rendis/pipekit/internal/logging"
	"github.com/rendis/pipekit/internal/preview"
	"github.com/rendis/pipekit/internal/registry"
	"github.com/rendis/pipekit/internal/store"
	"github.com/rendis/pipekit/internal/streaming"
	"github.com/rendis/pipekit/internal/validation"
	"github.com/rendis/pipekit/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Recording notifier ---

type recordingNotifier struct {
	mu       sync.Mutex
	payloads []map[string]any
}

func (n *recordingNotifier) Notify(_ context.Context, _ string, payload map[string]any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.payloads = append(n.payloads, payload)
	return nil
}

func (n *recordingNotifier) eventTypes() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.payloads))
	for _, p := range n.payloads {
		out = append(out, p["event_type"].(string))
	}
	return out
}

// --- Helpers ---

func noSleep(context.Context, time.Duration) error { return nil }

func newTestServer(t *testing.T) (*PipekitServer, *recordingNotifier) {
	t.Helper()
	reg, err := registry.Default()
	require.NoError(t, err)
	svc, err := validation.NewService(reg)
	require.NoError(t, err)
	engines, err := expressions.NewEngines()
	require.NoError(t, err)

	st, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "mcp.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	hub := streaming.NewMemoryHub()
	sink := streaming.NewHubSink(hub)
	runner := engine.NewRunner(
		engine.NewSimulatedExecutor(engine.WithSuccessRate(1), engine.WithSleep(noSleep)),
		engine.WithLogSinks(sink),
		engine.WithEventAppenders(sink),
	)

	manager := builder.NewManager(&builder.Deps{
		Catalog:   reg,
		Validator: svc,
		Tester:    preview.NewTester(reg, preview.NewExecutor(engines, preview.WithConnectors(st))),
		Runner:    runner,
		Layout:    layout.NewLayered(),
		Store:     st,
	})

	s := NewPipekitServer(PipekitServerDeps{
		Sessions: manager,
		Registry: reg,
		Hub:      hub,
		Logger:   logging.Discard(),
	})
	rec := &recordingNotifier{}
	s.notifier = rec
	return s, rec
}

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func call(t *testing.T, handler server.ToolHandlerFunc, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	result, err := handler(context.Background(), buildRequest("", args))
	require.NoError(t, err, "tool errors must be results, not protocol errors")
	require.NotNil(t, result)
	return result
}

func callOK(t *testing.T, handler server.ToolHandlerFunc, args map[string]any, target any) {
	t.Helper()
	result := call(t, handler, args)
	require.False(t, result.IsError, extractText(t, result))
	if target != nil {
		unmarshalResult(t, result, target)
	}
}

func createPipeline(t *testing.T, s *PipekitServer, name string) string {
	t.Helper()
	var state builder.State
	callOK(t, s.handlePipelineCreate, map[string]any{"name": name}, &state)
	require.NotNil(t, state.Pipeline)
	return state.Pipeline.ID
}

func addNode(t *testing.T, s *PipekitServer, pid, category, subtype string, cfg map[string]any) string {
	t.Helper()
	var node schema.Node
	callOK(t, s.handleNodeAdd, map[string]any{
		"pipeline_id": pid, "category": category, "subtype": subtype,
	}, &node)
	if cfg != nil {
		var out struct {
			Configured bool `json:"configured"`
		}
		callOK(t, s.handleNodeConfigure, map[string]any{
			"pipeline_id": pid, "node_id": node.ID, "config": cfg,
		}, &out)
		require.True(t, out.Configured)
	}
	return node.ID
}

func connect(t *testing.T, s *PipekitServer, pid, source, target string) schema.Edge {
	t.Helper()
	var edge schema.Edge
	callOK(t, s.handleEdgeConnect, map[string]any{
		"pipeline_id": pid, "source": source, "target": target,
	}, &edge)
	return edge
}

// buildOrders assembles file source -> filter -> file destination.
func buildOrders(t *testing.T, s *PipekitServer, csvPath string) (pid, src, flt, dst string) {
	t.Helper()
	pid = createPipeline(t, s, "Orders")
	src = addNode(t, s, pid, "source", "file", map[string]any{"path": csvPath, "format": "csv"})
	flt = addNode(t, s, pid, "transformation", "filter", map[string]any{"condition": "row.total > 10"})
	dst = addNode(t, s, pid, "destination", "file", map[string]any{"path": "out.json", "format": "json"})
	connect(t, s, pid, src, flt)
	connect(t, s, pid, flt, dst)
	return pid, src, flt, dst
}

func writeCSV(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "orders.csv")
	require.NoError(t, os.WriteFile(path, []byte("id,total\n1,5\n2,25\n3,40\n"), 0o600))
	return path
}

func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func unmarshalResult(t *testing.T, result *mcp.CallToolResult, target any) {
	t.Helper()
	text := extractText(t, result)
	require.NoError(t, json.Unmarshal([]byte(text), target))
}

// --- Tests ---

func TestBuildValidateAndSave(t *testing.T) {
	s, _ := newTestServer(t)
	pid, _, _, _ := buildOrders(t, s, writeCSV(t))

	var validated struct {
		Summary schema.ValidationSummary `json:"summary"`
	}
	callOK(t, s.handlePipelineValidate, map[string]any{"pipeline_id": pid}, &validated)
	assert.True(t, validated.Summary.IsValid, validated.Summary.Errors)

	var saved struct {
		OK      bool `json:"ok"`
		Version int  `json:"version"`
	}
	callOK(t, s.handlePipelineSave, map[string]any{"pipeline_id": pid}, &saved)
	assert.True(t, saved.OK)
	assert.Equal(t, 1, saved.Version)

	var listed struct {
		Open  []string         `json:"open"`
		Saved []map[string]any `json:"saved"`
	}
	callOK(t, s.handlePipelineList, map[string]any{"name_contains": "ord"}, &listed)
	assert.Equal(t, []string{pid}, listed.Open)
	require.Len(t, listed.Saved, 1)
	assert.Equal(t, pid, listed.Saved[0]["id"])
	assert.EqualValues(t, 3, listed.Saved[0]["nodes"])
}

func TestNodeConfigure_InvalidConfigIsStored(t *testing.T) {
	s, _ := newTestServer(t)
	pid := createPipeline(t, s, "p")
	nodeID := addNode(t, s, pid, "source", "file", nil)

	var out struct {
		Node       schema.Node              `json:"node"`
		Configured bool                     `json:"configured"`
		Validation *schema.ValidationResult `json:"validation"`
	}
	callOK(t, s.handleNodeConfigure, map[string]any{
		"pipeline_id": pid, "node_id": nodeID, "config": map[string]any{"format": "csv"},
	}, &out)

	assert.False(t, out.Configured)
	assert.Equal(t, "csv", out.Node.Config["format"])
	require.NotNil(t, out.Validation)
	assert.NotEmpty(t, out.Validation.Errors)
}

func TestNodeConfigure_MissingArgs(t *testing.T) {
	s, _ := newTestServer(t)
	pid := createPipeline(t, s, "p")

	result := call(t, s.handleNodeConfigure, map[string]any{"pipeline_id": pid, "node_id": "n"})
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "config is required")

	result = call(t, s.handleNodeConfigure, map[string]any{
		"pipeline_id": pid, "node_id": "ghost", "config": map[string]any{"path": "x"},
	})
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), schema.ErrCodeNotFound)
}

func TestEdgeConnect_Rejected(t *testing.T) {
	s, _ := newTestServer(t)
	pid := createPipeline(t, s, "p")
	src := addNode(t, s, pid, "source", "api", nil)
	dst := addNode(t, s, pid, "destination", "file", nil)

	result := call(t, s.handleEdgeConnect, map[string]any{"pipeline_id": pid, "source": dst, "target": src})
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), schema.ErrCodeConnectionRejected)

	result = call(t, s.handleEdgeConnect, map[string]any{"pipeline_id": pid, "source": src, "target": src})
	assert.True(t, result.IsError)
}

func TestNodeRemove_DropsEdges(t *testing.T) {
	s, _ := newTestServer(t)
	pid, src, flt, _ := buildOrders(t, s, writeCSV(t))

	callOK(t, s.handleEdgeRemove, map[string]any{"pipeline_id": pid, "edge_id": schema.EdgeID(src, flt)}, nil)
	result := call(t, s.handleEdgeRemove, map[string]any{"pipeline_id": pid, "edge_id": schema.EdgeID(src, flt)})
	assert.True(t, result.IsError)

	callOK(t, s.handleNodeRemove, map[string]any{"pipeline_id": pid, "node_id": flt}, nil)
	sess, err := s.sessions.Get(pid)
	require.NoError(t, err)
	p := sess.State().Pipeline
	assert.Len(t, p.Nodes, 2)
	assert.Empty(t, p.Edges)
}

func TestNodeTest(t *testing.T) {
	s, _ := newTestServer(t)
	pid, _, flt, _ := buildOrders(t, s, writeCSV(t))

	var res preview.TestResult
	callOK(t, s.handleNodeTest, map[string]any{"pipeline_id": pid, "node_id": flt}, &res)
	assert.True(t, res.Passed, res.Message)
	assert.Equal(t, 2, res.SampleSize)

	result := call(t, s.handleNodeTest, map[string]any{"pipeline_id": pid, "node_id": "ghost"})
	assert.True(t, result.IsError)
}

func TestPipelineRun_PushesEvents(t *testing.T) {
	s, rec := newTestServer(t)
	pid, src, flt, dst := buildOrders(t, s, writeCSV(t))

	var res engine.RunResult
	callOK(t, s.handlePipelineRun, map[string]any{"pipeline_id": pid}, &res)
	assert.Equal(t, schema.RunStatusSucceeded, res.Status)
	assert.Equal(t, []string{src, flt, dst}, res.Order)

	types := rec.eventTypes()
	require.NotEmpty(t, types)
	assert.Equal(t, schema.EventRunStarted, types[0])
	assert.Equal(t, schema.EventRunSucceeded, types[len(types)-1])
	assert.Contains(t, types, schema.EventLogAppended)
}

func TestPipelineLayoutAndDiagram(t *testing.T) {
	s, _ := newTestServer(t)
	pid, src, flt, _ := buildOrders(t, s, writeCSV(t))

	var lr layout.Result
	callOK(t, s.handlePipelineLayout, map[string]any{"pipeline_id": pid, "direction": "LR"}, &lr)
	assert.Equal(t, layout.LeftRight, lr.Direction)
	assert.Less(t, lr.Positions[src].X, lr.Positions[flt].X)

	result := call(t, s.handlePipelineLayout, map[string]any{"pipeline_id": pid, "direction": "diagonal"})
	assert.True(t, result.IsError)

	result = call(t, s.handlePipelineDiagram, map[string]any{"pipeline_id": pid, "format": "mermaid", "direction": "LR"})
	require.False(t, result.IsError)
	assert.Contains(t, extractText(t, result), "flowchart LR")

	result = call(t, s.handlePipelineDiagram, map[string]any{"pipeline_id": pid, "format": "text"})
	require.False(t, result.IsError)
	assert.Contains(t, extractText(t, result), "Orders")

	result = call(t, s.handlePipelineDiagram, map[string]any{"pipeline_id": pid, "format": "svg"})
	assert.True(t, result.IsError)
}

func TestPipelineLoad(t *testing.T) {
	s, _ := newTestServer(t)

	var state builder.State
	callOK(t, s.handlePipelineLoad, map[string]any{
		"pipeline": map[string]any{
			"id":   "imported",
			"name": "Imported",
			"nodes": []any{
				map[string]any{"id": "a", "category": "source", "subtype": "file",
					"config": map[string]any{"path": "a.csv", "format": "csv"}},
				map[string]any{"id": "b", "category": "destination", "subtype": "file"},
			},
			"edges": []any{map[string]any{"source": "a", "target": "b"}},
		},
	}, &state)
	assert.Equal(t, "imported", state.Pipeline.ID)
	assert.Len(t, state.Pipeline.Edges, 1)

	callOK(t, s.handlePipelineSave, map[string]any{"pipeline_id": "imported"}, nil)
	require.NoError(t, s.sessions.Close("imported"))

	callOK(t, s.handlePipelineLoad, map[string]any{"pipeline_id": "imported"}, &state)
	assert.Equal(t, 1, state.Version)

	result := call(t, s.handlePipelineLoad, map[string]any{"pipeline_id": "missing"})
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), schema.ErrCodeNotFound)

	result = call(t, s.handlePipelineLoad, map[string]any{})
	assert.True(t, result.IsError)
}

func TestRegistryList(t *testing.T) {
	s, _ := newTestServer(t)

	var out struct {
		Nodes []registry.NodeSpec `json:"nodes"`
	}
	callOK(t, s.handleRegistryList, map[string]any{"category": "transformation"}, &out)
	require.NotEmpty(t, out.Nodes)
	for _, spec := range out.Nodes {
		assert.Equal(t, schema.CategoryTransformation, spec.Category)
	}

	bare := NewPipekitServer(PipekitServerDeps{})
	result := call(t, bare.handleRegistryList, map[string]any{})
	assert.True(t, result.IsError)
}

func TestMissingPipelineID(t *testing.T) {
	s, _ := newTestServer(t)
	handlers := map[string]server.ToolHandlerFunc{
		"save":     s.handlePipelineSave,
		"add":      s.handleNodeAdd,
		"validate": s.handlePipelineValidate,
		"run":      s.handlePipelineRun,
		"diagram":  s.handlePipelineDiagram,
	}
	for name, h := range handlers {
		t.Run(name, func(t *testing.T) {
			result := call(t, h, map[string]any{})
			assert.True(t, result.IsError)
			assert.Contains(t, extractText(t, result), "pipeline_id is required")
		})
	}
}
