package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rendis/pipekit/internal/builder"
	"github.com/rendis/pipekit/internal/diagram"
	"github.com/rendis/pipekit/internal/layout"
	"github.com/rendis/pipekit/internal/registry"
	"github.com/rendis/pipekit/internal/store"
	"github.com/rendis/pipekit/internal/streaming"
	"github.com/rendis/pipekit/pkg/schema"
)

// handlePipelineCreate opens a new empty pipeline.
func (s *PipekitServer) handlePipelineCreate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess := s.sessions.Create(req.GetString("name", ""))
	s.captureSession(ctx, sess.ID())
	return marshalResult(sess.State())
}

// handlePipelineLoad opens a saved pipeline by id, or imports a snapshot.
func (s *PipekitServer) handlePipelineLoad(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw := mcp.ParseStringMap(req, "pipeline", nil)
	id := req.GetString("pipeline_id", "")

	var (
		sess *builder.Session
		err  error
	)
	switch {
	case raw != nil:
		var p schema.Pipeline
		if err := remarshal(raw, &p); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid pipeline: %v", err)), nil
		}
		sess, err = s.sessions.Import(&p)
	case id != "":
		sess, err = s.sessions.Open(ctx, id)
	default:
		return mcp.NewToolResultError("one of pipeline_id or pipeline is required"), nil
	}
	if err != nil {
		return toolError("load failed", err), nil
	}
	s.captureSession(ctx, sess.ID())
	return marshalResult(sess.State())
}

// handlePipelineSave persists an open pipeline.
func (s *PipekitServer) handlePipelineSave(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, res := s.session(ctx, req)
	if res != nil {
		return res, nil
	}
	rec, err := sess.Save(ctx)
	if err != nil {
		return toolError("save failed", err), nil
	}
	return marshalResult(map[string]any{
		"ok":          true,
		"pipeline_id": rec.ID,
		"version":     rec.Version,
		"updated_at":  rec.UpdatedAt,
	})
}

// handlePipelineList lists open sessions and saved pipelines. Saved
// pipelines are omitted when no store is configured.
func (s *PipekitServer) handlePipelineList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := store.PipelineFilter{
		NameContains: req.GetString("name_contains", ""),
		Limit:        req.GetInt("limit", 0),
	}
	saved, err := s.sessions.Saved(ctx, filter)
	if err != nil && !schema.HasCode(err, schema.ErrCodeUnsupported) {
		return toolError("list failed", err), nil
	}
	summaries := make([]map[string]any, 0, len(saved))
	for _, rec := range saved {
		summaries = append(summaries, map[string]any{
			"id":         rec.ID,
			"name":       rec.Name,
			"version":    rec.Version,
			"nodes":      len(rec.Pipeline.Nodes),
			"updated_at": rec.UpdatedAt,
		})
	}
	return marshalResult(map[string]any{
		"open":  s.sessions.OpenIDs(),
		"saved": summaries,
	})
}

// handleNodeAdd places a new node.
func (s *PipekitServer) handleNodeAdd(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, res := s.session(ctx, req)
	if res != nil {
		return res, nil
	}
	category, err := req.RequireString("category")
	if err != nil {
		return mcp.NewToolResultError("category is required"), nil
	}
	subtype, err := req.RequireString("subtype")
	if err != nil {
		return mcp.NewToolResultError("subtype is required"), nil
	}
	pos := schema.Position{X: req.GetFloat("x", 0), Y: req.GetFloat("y", 0)}

	node, err := sess.AddNode(schema.Category(category), schema.Subtype(subtype), pos)
	if err != nil {
		return toolError("add node failed", err), nil
	}
	if label := req.GetString("label", ""); label != "" {
		if err := sess.Rename(node.ID, label); err != nil {
			return toolError("add node failed", err), nil
		}
		node.Label = label
	}
	return marshalResult(node)
}

// handleNodeRemove deletes a node and its edges.
func (s *PipekitServer) handleNodeRemove(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, res := s.session(ctx, req)
	if res != nil {
		return res, nil
	}
	nodeID, err := req.RequireString("node_id")
	if err != nil {
		return mcp.NewToolResultError("node_id is required"), nil
	}
	if err := sess.RemoveNode(nodeID); err != nil {
		return toolError("remove node failed", err), nil
	}
	return marshalResult(map[string]any{"ok": true, "node_id": nodeID})
}

// handleNodeConfigure replaces a node's config. An invalid config is still
// stored; the validation result says what is wrong with it.
func (s *PipekitServer) handleNodeConfigure(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, res := s.session(ctx, req)
	if res != nil {
		return res, nil
	}
	nodeID, err := req.RequireString("node_id")
	if err != nil {
		return mcp.NewToolResultError("node_id is required"), nil
	}
	cfg := mcp.ParseStringMap(req, "config", nil)
	if cfg == nil {
		return mcp.NewToolResultError("config is required"), nil
	}

	vr, err := sess.Configure(nodeID, cfg)
	if err != nil {
		return toolError("configure failed", err), nil
	}
	node, _ := sess.Graph().Node(nodeID)
	return marshalResult(map[string]any{
		"node":       node,
		"configured": node.Configured,
		"validation": vr,
	})
}

// handleNodeTest previews one node. A failing test is a successful tool call
// whose result has passed=false.
func (s *PipekitServer) handleNodeTest(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, res := s.session(ctx, req)
	if res != nil {
		return res, nil
	}
	nodeID, err := req.RequireString("node_id")
	if err != nil {
		return mcp.NewToolResultError("node_id is required"), nil
	}
	result, err := sess.TestNode(ctx, nodeID)
	if err != nil {
		return toolError("node test failed", err), nil
	}
	return marshalResult(result)
}

// handleEdgeConnect adds an edge, reporting the rule that rejected it if any.
func (s *PipekitServer) handleEdgeConnect(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, res := s.session(ctx, req)
	if res != nil {
		return res, nil
	}
	source, err := req.RequireString("source")
	if err != nil {
		return mcp.NewToolResultError("source is required"), nil
	}
	target, err := req.RequireString("target")
	if err != nil {
		return mcp.NewToolResultError("target is required"), nil
	}
	edge, err := sess.Connect(source, target)
	if err != nil {
		return toolError("connection rejected", err), nil
	}
	return marshalResult(edge)
}

// handleEdgeRemove deletes an edge by id.
func (s *PipekitServer) handleEdgeRemove(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, res := s.session(ctx, req)
	if res != nil {
		return res, nil
	}
	edgeID, err := req.RequireString("edge_id")
	if err != nil {
		return mcp.NewToolResultError("edge_id is required"), nil
	}
	if err := sess.Disconnect(edgeID); err != nil {
		return toolError("remove edge failed", err), nil
	}
	return marshalResult(map[string]any{"ok": true, "edge_id": edgeID})
}

// handlePipelineValidate runs the validation service.
func (s *PipekitServer) handlePipelineValidate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, res := s.session(ctx, req)
	if res != nil {
		return res, nil
	}
	vr, err := sess.Validate(ctx)
	if err != nil {
		return toolError("validation failed", err), nil
	}
	return marshalResult(map[string]any{
		"summary": vr.Summary(),
		"issues":  vr,
	})
}

// handlePipelineRun executes a pipeline. Run progress is pushed to watching
// clients while the run is in flight.
func (s *PipekitServer) handlePipelineRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, res := s.session(ctx, req)
	if res != nil {
		return res, nil
	}

	stop := s.forwardRunEvents(ctx, sess.ID())
	result, err := sess.Run(ctx)
	stop()
	if err != nil {
		return toolError("run failed", err), nil
	}
	return marshalResult(result)
}

// handlePipelineLayout recomputes positions.
func (s *PipekitServer) handlePipelineLayout(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, res := s.session(ctx, req)
	if res != nil {
		return res, nil
	}
	var dir layout.Direction
	if raw := req.GetString("direction", ""); raw != "" {
		d, err := layout.ParseDirection(raw)
		if err != nil {
			return toolError("layout failed", err), nil
		}
		dir = d
	}
	result, err := sess.AutoLayout(dir)
	if err != nil {
		return toolError("layout failed", err), nil
	}
	return marshalResult(result)
}

// handlePipelineDiagram renders a pipeline as Mermaid or plain text.
func (s *PipekitServer) handlePipelineDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, res := s.session(ctx, req)
	if res != nil {
		return res, nil
	}
	format, err := req.RequireString("format")
	if err != nil {
		return mcp.NewToolResultError("format is required"), nil
	}

	model := diagram.Build(sess.Graph())
	switch format {
	case "mermaid":
		dir := req.GetString("direction", string(layout.TopBottom))
		return mcp.NewToolResultText(diagram.RenderMermaid(model, dir)), nil
	case "text":
		return mcp.NewToolResultText(diagram.RenderText(model)), nil
	default:
		return mcp.NewToolResultError("format must be mermaid or text"), nil
	}
}

// handleRegistryList describes the node kinds.
func (s *PipekitServer) handleRegistryList(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.registry == nil {
		return mcp.NewToolResultError("node registry not configured"), nil
	}
	category := schema.Category(req.GetString("category", ""))
	specs := make([]registry.NodeSpec, 0)
	for _, spec := range s.registry.Specs() {
		if category != "" && spec.Category != category {
			continue
		}
		specs = append(specs, spec)
	}
	return marshalResult(map[string]any{"nodes": specs})
}

// --- Helpers ---

// session resolves pipeline_id to an open session, loading it from the store
// when it is not open yet. A non-nil result is the error to return.
func (s *PipekitServer) session(ctx context.Context, req mcp.CallToolRequest) (*builder.Session, *mcp.CallToolResult) {
	id, err := req.RequireString("pipeline_id")
	if err != nil {
		return nil, mcp.NewToolResultError("pipeline_id is required")
	}
	sess, err := s.sessions.Open(ctx, id)
	if err != nil {
		return nil, toolError("pipeline lookup failed", err)
	}
	s.captureSession(ctx, id)
	return sess, nil
}

// captureSession makes the calling client a watcher of pipelineID.
func (s *PipekitServer) captureSession(ctx context.Context, pipelineID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.watchers.Watch(pipelineID, session.SessionID())
	}
}

// forwardRunEvents relays hub events for pipelineID to watching clients
// until the returned stop func is called. Stop drains what is buffered.
func (s *PipekitServer) forwardRunEvents(ctx context.Context, pipelineID string) (stop func()) {
	if s.hub == nil || s.notifier == nil {
		return func() {}
	}
	ch, cancel, err := s.hub.Subscribe(ctx, streaming.EventFilter{PipelineID: pipelineID})
	if err != nil {
		s.logger.WarnContext(ctx, "run event subscription failed", slog.String("pipeline_id", pipelineID), slog.String("error", err.Error()))
		return func() {}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range ch {
			payload := map[string]any{
				"pipeline_id": ev.PipelineID,
				"run_id":      ev.RunID,
				"node_id":     ev.NodeID,
				"event_type":  ev.EventType,
				"payload":     ev.Payload,
				"timestamp":   ev.Timestamp,
			}
			if err := s.notifier.Notify(ctx, pipelineID, payload); err != nil {
				s.logger.DebugContext(ctx, "run event notify failed", slog.String("error", err.Error()))
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// toolError turns err into an error tool result.
func toolError(prefix string, err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err))
}

// remarshal converts a decoded JSON object into a typed value.
func remarshal(in map[string]any, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
