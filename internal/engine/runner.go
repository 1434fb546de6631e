package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/rendis/pipekit/internal/graph"
	"github.com/rendis/pipekit/internal/logging"
	"github.com/rendis/pipekit/pkg/schema"
)

// RunRef identifies a run and the pipeline it belongs to.
type RunRef struct {
	RunID      string `json:"run_id"`
	PipelineID string `json:"pipeline_id"`
}

// NodeOutput is what a node hands to its successors.
type NodeOutput struct {
	NodeID   string           `json:"node_id"`
	Rows     []map[string]any `json:"rows,omitempty"`
	RowCount int              `json:"row_count"`
	Meta     map[string]any   `json:"meta,omitempty"`
}

// NodeExecutor performs a single node's work. inputs holds the outputs of the
// node's predecessors in edge insertion order.
type NodeExecutor interface {
	Execute(ctx context.Context, node *schema.Node, inputs []*NodeOutput) (*NodeOutput, error)
}

// LogSink receives execution log entries as they are appended.
type LogSink interface {
	AppendLog(ctx context.Context, run RunRef, entry schema.ExecutionLogEntry) error
}

// RunResult summarizes a finished run.
type RunResult struct {
	RunID        string                     `json:"run_id"`
	PipelineID   string                     `json:"pipeline_id"`
	Status       schema.RunStatus           `json:"status"`
	Order        []string                   `json:"order"`
	Log          []schema.ExecutionLogEntry `json:"log"`
	FailedNodeID string                     `json:"failed_node_id,omitempty"`
	Error        string                     `json:"error,omitempty"`
	StartedAt    time.Time                  `json:"started_at"`
	CompletedAt  time.Time                  `json:"completed_at"`
}

// Runner executes a pipeline graph one node at a time in topological order.
type Runner struct {
	executor  NodeExecutor
	sinks     []LogSink
	appenders []EventAppender
	logger    *slog.Logger
	now       func() time.Time
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithLogSinks adds sinks that receive every log entry.
func WithLogSinks(sinks ...LogSink) RunnerOption {
	return func(r *Runner) { r.sinks = append(r.sinks, sinks...) }
}

// WithEventAppenders adds appenders that receive run and node events.
func WithEventAppenders(appenders ...EventAppender) RunnerOption {
	return func(r *Runner) { r.appenders = append(r.appenders, appenders...) }
}

// WithLogger sets the runner's logger.
func WithLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = logger }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) RunnerOption {
	return func(r *Runner) { r.now = now }
}

// NewRunner creates a Runner around executor.
func NewRunner(executor NodeExecutor, opts ...RunnerOption) *Runner {
	r := &Runner{
		executor: executor,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// run holds the mutable state of a single Run call.
type run struct {
	*Runner
	ref    RunRef
	g      *graph.Graph
	fsm    *NodeFSM
	result *RunResult
}

// Run resets every node to idle, resolves the order and executes nodes
// sequentially, halting on the first failure. A cycle aborts before any node
// starts (CYCLE_DETECTED) and a cancelled ctx stops the run before the next
// node (CANCELLED). A node failure is reported through RunResult.Status with
// a nil error.
func (r *Runner) Run(ctx context.Context, g *graph.Graph) (*RunResult, error) {
	ref := RunRef{RunID: uuid.NewString(), PipelineID: g.ID()}
	ctx = logging.WithRunID(logging.WithPipelineID(ctx, ref.PipelineID), ref.RunID)

	st := &run{
		Runner: r,
		ref:    ref,
		g:      g,
		fsm:    NewNodeFSM(tolerantAppender{appenders: r.appenders, logger: r.logger}),
		result: &RunResult{
			RunID:      ref.RunID,
			PipelineID: ref.PipelineID,
			Status:     schema.RunStatusRunning,
			Log:        []schema.ExecutionLogEntry{},
			StartedAt:  r.now(),
		},
	}
	st.fsm.now = r.now

	for _, n := range g.Nodes() {
		_ = st.fsm.Reset(ctx, ref, n.ID, n.CurrentStatus())
	}
	g.ResetStatuses()

	res := Resolve(g)
	st.result.Order = res.Order
	st.event(ctx, schema.EventRunStarted, map[string]any{"order": res.Order, "node_count": g.Len()})
	r.logger.InfoContext(ctx, "run started", slog.Int("nodes", g.Len()))

	if err := res.Err(); err != nil {
		return st.finish(ctx, schema.RunStatusFailed, "", err), err
	}

	outputs := make(map[string]*NodeOutput, len(res.Order))
	for _, id := range res.Order {
		if err := ctx.Err(); err != nil {
			cerr := schema.NewError(schema.ErrCodeCancelled, "run cancelled").WithCause(err)
			return st.finish(ctx, schema.RunStatusCancelled, "", cerr), cerr
		}

		out, err := st.executeNode(ctx, id, outputs)
		if err != nil {
			if ctx.Err() != nil {
				cerr := schema.NewError(schema.ErrCodeCancelled, "run cancelled").WithNode(id).WithCause(err)
				return st.finish(ctx, schema.RunStatusCancelled, id, cerr), cerr
			}
			return st.finish(ctx, schema.RunStatusFailed, id, err), nil
		}
		outputs[id] = out
	}

	return st.finish(ctx, schema.RunStatusSucceeded, "", nil), nil
}

func (st *run) executeNode(ctx context.Context, id string, outputs map[string]*NodeOutput) (*NodeOutput, error) {
	node, ok := st.g.Node(id)
	if !ok {
		err := schema.NewError(schema.ErrCodeNotFound, "node vanished during run").WithNode(id)
		st.appendLog(ctx, id, id, schema.LogStatusError, fmt.Sprintf("%s failed: %s", id, err.Message), nil)
		st.logger.WarnContext(logging.WithNodeID(ctx, id), "node missing from graph")
		return nil, err
	}
	ctx = logging.WithNodeID(ctx, id)
	label := node.DisplayLabel()

	if err := st.setStatus(ctx, id, schema.NodeStatusIdle, schema.NodeStatusRunning); err != nil {
		return nil, err
	}
	st.appendLog(ctx, id, label, schema.LogStatusRunning, fmt.Sprintf("Starting %s...", label), nil)

	preds := st.g.Predecessors(id)
	inputs := make([]*NodeOutput, 0, len(preds))
	for _, p := range preds {
		if out := outputs[p]; out != nil {
			inputs = append(inputs, out)
		}
	}

	started := st.now()
	node.Status = schema.NodeStatusRunning
	out, execErr := st.executor.Execute(ctx, &node, inputs)
	elapsed := st.now().Sub(started).Milliseconds()

	if execErr != nil {
		if err := st.setStatus(ctx, id, schema.NodeStatusRunning, schema.NodeStatusError); err != nil {
			return nil, errors.Join(execErr, err)
		}
		st.appendLog(ctx, id, label, schema.LogStatusError, fmt.Sprintf("%s failed: %s", label, errorText(execErr)), &elapsed)
		st.logger.WarnContext(ctx, "node failed", slog.String("error", execErr.Error()), slog.Int64("duration_ms", elapsed))
		return nil, execErr
	}

	if err := st.setStatus(ctx, id, schema.NodeStatusRunning, schema.NodeStatusSuccess); err != nil {
		return nil, err
	}
	st.appendLog(ctx, id, label, schema.LogStatusSuccess, fmt.Sprintf("%s completed in %dms", label, elapsed), &elapsed)
	st.logger.DebugContext(ctx, "node completed", slog.Int64("duration_ms", elapsed))

	if out == nil {
		out = &NodeOutput{}
	}
	out.NodeID = id
	return out, nil
}

func (st *run) setStatus(ctx context.Context, id string, from, to schema.NodeStatus) error {
	if err := st.fsm.Transition(ctx, st.ref, id, from, to); err != nil {
		return err
	}
	return st.g.SetStatus(id, to)
}

func (st *run) appendLog(ctx context.Context, nodeID, label string, status schema.LogStatus, msg string, durationMs *int64) {
	entry := schema.ExecutionLogEntry{
		Timestamp:  st.now(),
		NodeID:     nodeID,
		NodeLabel:  label,
		Status:     status,
		Message:    msg,
		DurationMs: durationMs,
	}
	st.result.Log = append(st.result.Log, entry)
	for _, sink := range st.sinks {
		if err := sink.AppendLog(ctx, st.ref, entry); err != nil {
			st.logger.WarnContext(ctx, "log sink failed", slog.String("error", err.Error()))
		}
	}
}

func (st *run) event(ctx context.Context, eventType string, payload map[string]any) {
	ev := &schema.RunEvent{
		RunID:      st.ref.RunID,
		PipelineID: st.ref.PipelineID,
		Type:       eventType,
		Payload:    payload,
		Timestamp:  st.now(),
	}
	_ = tolerantAppender{appenders: st.appenders, logger: st.logger}.AppendEvent(ctx, ev)
}

func (st *run) finish(ctx context.Context, status schema.RunStatus, failedNode string, err error) *RunResult {
	st.result.Status = status
	st.result.FailedNodeID = failedNode
	st.result.CompletedAt = st.now()
	if err != nil {
		st.result.Error = errorText(err)
	}

	payload := map[string]any{"status": string(status)}
	if failedNode != "" {
		payload["failed_node_id"] = failedNode
	}
	if st.result.Error != "" {
		payload["error"] = st.result.Error
	}
	st.event(ctx, runEventType(status), payload)

	st.logger.InfoContext(ctx, "run finished",
		slog.String("status", string(status)),
		slog.Int64("duration_ms", st.result.CompletedAt.Sub(st.result.StartedAt).Milliseconds()))
	return st.result
}

func runEventType(status schema.RunStatus) string {
	switch status {
	case schema.RunStatusSucceeded:
		return schema.EventRunSucceeded
	case schema.RunStatusCancelled:
		return schema.EventRunCancelled
	default:
		return schema.EventRunFailed
	}
}

// errorText prefers the bare message of a PipelineError over its coded form.
func errorText(err error) string {
	var pe *schema.PipelineError
	if errors.As(err, &pe) {
		return pe.Message
	}
	return err.Error()
}

// tolerantAppender delivers to every appender and logs failures instead of
// returning them, so observers never fail a run.
type tolerantAppender struct {
	appenders []EventAppender
	logger    *slog.Logger
}

func (t tolerantAppender) AppendEvent(ctx context.Context, event *schema.RunEvent) error {
	for _, a := range t.appenders {
		if err := a.AppendEvent(ctx, event); err != nil {
			t.logger.WarnContext(ctx, "event appender failed",
				slog.String("event", event.Type), slog.String("error", err.Error()))
		}
	}
	return nil
}
