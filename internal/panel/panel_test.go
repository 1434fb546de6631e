package panel

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/pipekit/internal/builder"
	"github.com/rendis/pipekit/internal/engine"
	"github.com/rendis/pipekit/internal/layout"
	"github.com/rendis/pipekit/internal/logging"
	"github.com/rendis/pipekit/internal/registry"
	"github.com/rendis/pipekit/internal/store"
	"github.com/rendis/pipekit/internal/streaming"
	"github.com/rendis/pipekit/pkg/schema"
)

type fixture struct {
	store *store.LibSQLStore
	hub   *streaming.MemoryHub
	srv   *PanelServer
}

func newFixture(t *testing.T, withSessions bool) *fixture {
	t.Helper()
	st, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "panel.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	hub := streaming.NewMemoryHub()
	deps := PanelDeps{Store: st, Hub: hub, Logger: logging.Discard()}

	if withSessions {
		reg, err := registry.Default()
		require.NoError(t, err)
		hubSink := streaming.NewHubSink(hub)
		rec := store.NewRunRecorder(st)
		runner := engine.NewRunner(
			engine.NewSimulatedExecutor(engine.WithSuccessRate(1), engine.WithSleep(func(context.Context, time.Duration) error { return nil })),
			engine.WithLogSinks(hubSink, rec),
			engine.WithEventAppenders(hubSink, rec),
		)
		deps.Sessions = builder.NewManager(&builder.Deps{
			Catalog: reg,
			Runner:  runner,
			Layout:  layout.NewLayered(),
			Store:   st,
		})
	}
	return &fixture{store: st, hub: hub, srv: NewPanelServer(deps)}
}

func (f *fixture) savePipeline(t *testing.T) {
	t.Helper()
	_, err := f.store.SavePipeline(context.Background(), &schema.Pipeline{
		ID:   "p1",
		Name: "Orders",
		Nodes: []schema.Node{
			{ID: "src", Category: schema.CategorySource, Subtype: schema.SubtypeFile, Label: "Orders CSV",
				Config: map[string]any{"path": "orders.csv", "format": "csv"}},
			{ID: "dst", Category: schema.CategoryDestination, Subtype: schema.SubtypeFile, Label: "Export",
				Config: map[string]any{"path": "out.json", "format": "json"}},
		},
		Edges: []schema.Edge{{ID: schema.EdgeID("src", "dst"), Source: "src", Target: "dst"}},
	})
	require.NoError(t, err)
}

func (f *fixture) do(t *testing.T, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, target any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), target), rec.Body.String())
}

func TestPipelines(t *testing.T) {
	f := newFixture(t, false)
	f.savePipeline(t)

	rec := f.do(t, http.MethodGet, "/api/pipelines?name=ord")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Pipelines []store.PipelineRecord `json:"pipelines"`
	}
	decode(t, rec, &list)
	require.Len(t, list.Pipelines, 1)
	assert.Equal(t, "Orders", list.Pipelines[0].Name)

	rec = f.do(t, http.MethodGet, "/api/pipelines/p1")
	require.Equal(t, http.StatusOK, rec.Code)
	var got struct {
		Pipeline store.PipelineRecord `json:"pipeline"`
		Runs     []store.Run          `json:"runs"`
	}
	decode(t, rec, &got)
	assert.Equal(t, 1, got.Pipeline.Version)
	assert.Empty(t, got.Runs)

	rec = f.do(t, http.MethodGet, "/api/pipelines/missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPipelineDiagram(t *testing.T) {
	f := newFixture(t, false)
	f.savePipeline(t)

	rec := f.do(t, http.MethodGet, "/api/pipelines/p1/diagram?dir=LR")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "flowchart LR")
	assert.Contains(t, rec.Body.String(), "n_src --> n_dst")

	rec = f.do(t, http.MethodGet, "/api/pipelines/p1/diagram?format=text")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "=== Orders ===")

	rec = f.do(t, http.MethodGet, "/api/pipelines/p1/diagram?format=png")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/pipelines/p1/diagram?dir=up")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStartRun_RecordsAndReplays(t *testing.T) {
	f := newFixture(t, true)
	f.savePipeline(t)

	rec := f.do(t, http.MethodPost, "/api/pipelines/p1/runs")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res engine.RunResult
	decode(t, rec, &res)
	assert.Equal(t, schema.RunStatusSucceeded, res.Status)

	rec = f.do(t, http.MethodGet, "/api/runs?pipeline_id=p1&status=succeeded")
	require.Equal(t, http.StatusOK, rec.Code)
	var runs struct {
		Runs []store.Run `json:"runs"`
	}
	decode(t, rec, &runs)
	require.Len(t, runs.Runs, 1)
	assert.Equal(t, res.RunID, runs.Runs[0].ID)
	assert.Equal(t, []string{"src", "dst"}, runs.Runs[0].Order)

	rec = f.do(t, http.MethodGet, "/api/runs/"+res.RunID)
	require.Equal(t, http.StatusOK, rec.Code)
	var detail struct {
		Run store.Run        `json:"run"`
		Log []store.LogEntry `json:"log"`
	}
	decode(t, rec, &detail)
	assert.Equal(t, schema.RunStatusSucceeded, detail.Run.Status)
	require.NotEmpty(t, detail.Log)
	assert.EqualValues(t, 1, detail.Log[0].Sequence)

	rec = f.do(t, http.MethodGet, "/api/runs/"+res.RunID+"/events?since=1")
	require.Equal(t, http.StatusOK, rec.Code)
	var events struct {
		Events []store.StoredEvent `json:"events"`
	}
	decode(t, rec, &events)
	require.NotEmpty(t, events.Events)
	assert.EqualValues(t, 2, events.Events[0].Sequence)

	rec = f.do(t, http.MethodGet, "/api/runs/"+res.RunID+"/statuses")
	require.Equal(t, http.StatusOK, rec.Code)
	var statuses struct {
		Statuses map[string]schema.NodeStatus `json:"statuses"`
	}
	decode(t, rec, &statuses)
	assert.Equal(t, schema.NodeStatusSuccess, statuses.Statuses["src"])
	assert.Equal(t, schema.NodeStatusSuccess, statuses.Statuses["dst"])

	rec = f.do(t, http.MethodGet, "/api/runs/nope/statuses")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStartRun_WithoutSessions(t *testing.T) {
	f := newFixture(t, false)
	f.savePipeline(t)

	rec := f.do(t, http.MethodPost, "/api/pipelines/p1/runs")
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestConnectors_HideDSN(t *testing.T) {
	f := newFixture(t, false)
	require.NoError(t, f.store.UpsertConnector(context.Background(), &schema.Connector{
		ID: "warehouse", Name: "Warehouse", Kind: schema.ConnectorKindLibSQL, DSN: "file:/secret.db",
	}))

	rec := f.do(t, http.MethodGet, "/api/connectors?kind="+schema.ConnectorKindLibSQL)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "secret")
	var out struct {
		Connectors []map[string]any `json:"connectors"`
	}
	decode(t, rec, &out)
	require.Len(t, out.Connectors, 1)
	assert.Equal(t, "warehouse", out.Connectors[0]["id"])
}

func TestSSE_StreamsPipelineEvents(t *testing.T) {
	f := newFixture(t, false)
	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/sse/pipelines/p1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ": subscribed\n", line)

	require.NoError(t, f.hub.Publish(ctx, streaming.StreamEvent{PipelineID: "other", EventType: schema.EventRunStarted}))
	require.NoError(t, f.hub.Publish(ctx, streaming.StreamEvent{PipelineID: "p1", RunID: "r1", EventType: schema.EventRunStarted}))

	var frame strings.Builder
	for {
		line, err := reader.ReadString('\n')
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		if line == "\n" && frame.Len() > 0 {
			break
		}
		frame.WriteString(line)
	}
	assert.Contains(t, frame.String(), "event: run_started")
	assert.Contains(t, frame.String(), `"run_id":"r1"`)
}
