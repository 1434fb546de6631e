package engine

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/rendis/pipekit/pkg/schema"
)

// TransitionHook is called before or after a node status transition.
type TransitionHook func(nodeID string, from, to schema.NodeStatus) error

// EventAppender receives run events. Satisfied by the store recorder and the
// streaming sink.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *schema.RunEvent) error
}

type nodeHookKey struct {
	from, to schema.NodeStatus
}

// ValidNodeTransitions defines the allowed status transitions within a run.
// Resetting to idle is not a transition; see NodeFSM.Reset.
var ValidNodeTransitions = map[schema.NodeStatus][]schema.NodeStatus{
	schema.NodeStatusIdle:    {schema.NodeStatusRunning},
	schema.NodeStatusRunning: {schema.NodeStatusSuccess, schema.NodeStatusError},
	schema.NodeStatusSuccess: {},
	schema.NodeStatusError:   {},
}

// NodeFSM validates node status transitions and emits an event for each.
type NodeFSM struct {
	mu       sync.Mutex
	appender EventAppender
	before   map[nodeHookKey][]TransitionHook
	after    map[nodeHookKey][]TransitionHook
	now      func() time.Time
}

// NewNodeFSM creates a NodeFSM. appender may be nil.
func NewNodeFSM(appender EventAppender) *NodeFSM {
	return &NodeFSM{
		appender: appender,
		before:   make(map[nodeHookKey][]TransitionHook),
		after:    make(map[nodeHookKey][]TransitionHook),
		now:      time.Now,
	}
}

// OnBefore registers a hook called before a transition. A hook error aborts it.
func (f *NodeFSM) OnBefore(from, to schema.NodeStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := nodeHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a transition.
func (f *NodeFSM) OnAfter(from, to schema.NodeStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := nodeHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates from -> to, runs hooks and emits the matching event.
// The caller owns writing the new status onto the graph.
func (f *NodeFSM) Transition(ctx context.Context, run RunRef, nodeID string, from, to schema.NodeStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !slices.Contains(ValidNodeTransitions[from], to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid node transition: %s -> %s", from, to).
			WithNode(nodeID).
			WithDetails(map[string]any{"run_id": run.RunID, "from": string(from), "to": string(to)})
	}

	key := nodeHookKey{from, to}
	for _, hook := range f.before[key] {
		if err := hook(nodeID, from, to); err != nil {
			return err
		}
	}

	if err := f.emit(ctx, run, nodeID, nodeEventType(to), nil); err != nil {
		return err
	}

	for _, hook := range f.after[key] {
		if err := hook(nodeID, from, to); err != nil {
			return err
		}
	}
	return nil
}

// Reset returns a node to idle from any status. Already idle nodes emit nothing.
func (f *NodeFSM) Reset(ctx context.Context, run RunRef, nodeID string, from schema.NodeStatus) error {
	if from == schema.NodeStatusIdle || from == "" {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.emit(ctx, run, nodeID, schema.EventNodeReset, map[string]any{"from": string(from)})
}

func (f *NodeFSM) emit(ctx context.Context, run RunRef, nodeID, eventType string, payload map[string]any) error {
	if f.appender == nil || eventType == "" {
		return nil
	}
	event := &schema.RunEvent{
		RunID:      run.RunID,
		PipelineID: run.PipelineID,
		NodeID:     nodeID,
		Type:       eventType,
		Payload:    payload,
		Timestamp:  f.now(),
	}
	if err := f.appender.AppendEvent(ctx, event); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "emit node event: %s", err.Error()).
			WithNode(nodeID).WithCause(err)
	}
	return nil
}

func nodeEventType(to schema.NodeStatus) string {
	switch to {
	case schema.NodeStatusRunning:
		return schema.EventNodeStarted
	case schema.NodeStatusSuccess:
		return schema.EventNodeSucceeded
	case schema.NodeStatusError:
		return schema.EventNodeFailed
	default:
		return ""
	}
}
