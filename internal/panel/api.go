package panel

import (
	"context"
	"net/http"
	"strconv"

	"github.com/rendis/pipekit/internal/diagram"
	"github.com/rendis/pipekit/internal/graph"
	"github.com/rendis/pipekit/internal/layout"
	"github.com/rendis/pipekit/internal/store"
	"github.com/rendis/pipekit/pkg/schema"
)

const defaultPageSize = 50

// handleListPipelines lists saved pipelines, newest first.
func (s *PanelServer) handleListPipelines(w http.ResponseWriter, r *http.Request) {
	records, err := s.deps.Store.ListPipelines(r.Context(), store.PipelineFilter{
		NameContains: r.URL.Query().Get("name"),
		Limit:        queryInt(r, "limit", defaultPageSize),
		Offset:       queryInt(r, "offset", 0),
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pipelines": records})
}

// handleGetPipeline returns one saved pipeline with its latest runs.
func (s *PanelServer) handleGetPipeline(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	rec, err := s.deps.Store.GetPipeline(ctx, id)
	if err != nil {
		writeErr(w, err)
		return
	}
	runs, err := s.deps.Store.ListRuns(ctx, store.RunFilter{PipelineID: id, Limit: queryInt(r, "runs", 10)})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pipeline": rec, "runs": runs})
}

// handlePipelineDiagram renders a saved pipeline as Mermaid or text.
func (s *PanelServer) handlePipelineDiagram(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Store.GetPipeline(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	g, err := graph.FromPipeline(&rec.Pipeline)
	if err != nil {
		writeErr(w, err)
		return
	}

	model := diagram.Build(g)
	var body string
	switch format := r.URL.Query().Get("format"); format {
	case "", "mermaid":
		dir, err := layout.ParseDirection(r.URL.Query().Get("dir"))
		if err != nil {
			writeErr(w, err)
			return
		}
		body = diagram.RenderMermaid(model, string(dir))
	case "text":
		body = diagram.RenderText(model)
	default:
		writeError(w, http.StatusBadRequest, "format must be mermaid or text")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}

// handleStartRun opens the saved pipeline in a session and runs it. The
// response arrives when the run ends; progress is on the SSE streams.
func (s *PanelServer) handleStartRun(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sessions == nil {
		writeError(w, http.StatusNotImplemented, "runs cannot be started from this server")
		return
	}
	ctx := r.Context()
	sess, err := s.deps.Sessions.Open(ctx, r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	res, err := sess.Run(ctx)
	if err != nil {
		if res != nil && schema.HasCode(err, schema.ErrCodeCancelled) {
			writeJSON(w, http.StatusOK, res)
			return
		}
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleListRuns lists runs, optionally by pipeline and status.
func (s *PanelServer) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	runs, err := s.deps.Store.ListRuns(r.Context(), store.RunFilter{
		PipelineID: q.Get("pipeline_id"),
		Status:     schema.RunStatus(q.Get("status")),
		Limit:      queryInt(r, "limit", defaultPageSize),
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// handleGetRun returns a run with its full execution log.
func (s *PanelServer) handleGetRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	run, err := s.deps.Store.GetRun(ctx, id)
	if err != nil {
		writeErr(w, err)
		return
	}
	entries, err := s.deps.Store.ListLogEntries(ctx, id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run, "log": entries})
}

// handleRunEvents returns stored events after the sequence in ?since=.
func (s *PanelServer) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	since, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
	events, err := s.events.GetEvents(r.Context(), r.PathValue("id"), since)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// handleRunStatuses rebuilds each node's last status from the event log.
func (s *PanelServer) handleRunStatuses(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")
	if err := s.ensureRun(ctx, id); err != nil {
		writeErr(w, err)
		return
	}
	statuses, err := s.events.ReplayNodeStatuses(ctx, id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run_id": id, "statuses": statuses})
}

// handleListConnectors lists registered connectors, optionally by ?kind=.
// DSNs are withheld.
func (s *PanelServer) handleListConnectors(w http.ResponseWriter, r *http.Request) {
	conns, err := s.deps.Store.ListConnectors(r.Context(), r.URL.Query().Get("kind"))
	if err != nil {
		writeErr(w, err)
		return
	}
	out := make([]map[string]any, 0, len(conns))
	for _, c := range conns {
		out = append(out, map[string]any{
			"id":         c.ID,
			"name":       c.Name,
			"kind":       c.Kind,
			"updated_at": c.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"connectors": out})
}

func (s *PanelServer) ensureRun(ctx context.Context, id string) error {
	_, err := s.deps.Store.GetRun(ctx, id)
	return err
}
