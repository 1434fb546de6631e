// Package panel serves a read-mostly HTTP API over saved pipelines and their
// runs, plus Server-Sent Event streams of live run progress.
package panel

import (
	"log/slog"
	"net/http"
	"os"

	"github.com/rendis/pipekit/internal/builder"
	"github.com/rendis/pipekit/internal/store"
	"github.com/rendis/pipekit/internal/streaming"
)

// PanelDeps holds the dependencies for the panel server. Sessions is
// optional; without it runs cannot be started over HTTP.
type PanelDeps struct {
	Store    store.Store
	Sessions *builder.Manager
	Hub      streaming.EventHub
	Logger   *slog.Logger
}

// PanelServer serves the run monitor API.
type PanelServer struct {
	deps   PanelDeps
	events *store.EventLog
}

// NewPanelServer creates a new PanelServer.
func NewPanelServer(deps PanelDeps) *PanelServer {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &PanelServer{
		deps:   deps,
		events: store.NewEventLog(deps.Store),
	}
}

// Handler returns the HTTP handler for the panel routes.
func (s *PanelServer) Handler() http.Handler {
	mux := http.NewServeMux()

	// Pipelines.
	mux.HandleFunc("GET /api/pipelines", s.handleListPipelines)
	mux.HandleFunc("GET /api/pipelines/{id}", s.handleGetPipeline)
	mux.HandleFunc("GET /api/pipelines/{id}/diagram", s.handlePipelineDiagram)
	mux.HandleFunc("POST /api/pipelines/{id}/runs", s.handleStartRun)

	// Runs.
	mux.HandleFunc("GET /api/runs", s.handleListRuns)
	mux.HandleFunc("GET /api/runs/{id}", s.handleGetRun)
	mux.HandleFunc("GET /api/runs/{id}/events", s.handleRunEvents)
	mux.HandleFunc("GET /api/runs/{id}/statuses", s.handleRunStatuses)

	// Connectors.
	mux.HandleFunc("GET /api/connectors", s.handleListConnectors)

	// SSE streams.
	mux.HandleFunc("GET /sse/events", s.handleSSEGlobal)
	mux.HandleFunc("GET /sse/pipelines/{id}", s.handleSSEPipeline)
	mux.HandleFunc("GET /sse/runs/{id}", s.handleSSERun)

	return mux
}
