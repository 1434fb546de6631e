package store

import (
	"context"
	"fmt"

	"github.com/rendis/pipekit/internal/engine"
	"github.com/rendis/pipekit/pkg/schema"
)

// RunRecorder persists a run as the runner reports it: run_started creates
// the run row, terminal events finish it, log entries go to the run log and
// every event lands in the event log.
type RunRecorder struct {
	store  Store
	events *EventLog
}

// NewRunRecorder creates a RunRecorder over s.
func NewRunRecorder(s Store) *RunRecorder {
	return &RunRecorder{store: s, events: NewEventLog(s)}
}

// AppendLog implements engine.LogSink.
func (r *RunRecorder) AppendLog(ctx context.Context, run engine.RunRef, entry schema.ExecutionLogEntry) error {
	_, err := r.store.AppendLogEntry(ctx, run.RunID, entry)
	return err
}

// AppendEvent implements engine.EventAppender.
func (r *RunRecorder) AppendEvent(ctx context.Context, event *schema.RunEvent) error {
	if event.Type == schema.EventRunStarted {
		if err := r.store.CreateRun(ctx, &Run{
			ID:         event.RunID,
			PipelineID: event.PipelineID,
			Status:     schema.RunStatusRunning,
			Order:      orderOf(event.Payload["order"]),
			StartedAt:  event.Timestamp,
		}); err != nil {
			return err
		}
	}

	if err := r.events.AppendEvent(ctx, event); err != nil {
		return err
	}

	if status, ok := terminalStatus(event.Type); ok {
		failed, _ := event.Payload["failed_node_id"].(string)
		msg, _ := event.Payload["error"].(string)
		return r.store.FinishRun(ctx, event.RunID, RunUpdate{
			Status:       status,
			FailedNodeID: failed,
			Error:        msg,
			CompletedAt:  event.Timestamp,
		})
	}
	return nil
}

func terminalStatus(eventType string) (schema.RunStatus, bool) {
	switch eventType {
	case schema.EventRunSucceeded:
		return schema.RunStatusSucceeded, true
	case schema.EventRunFailed:
		return schema.RunStatusFailed, true
	case schema.EventRunCancelled:
		return schema.RunStatusCancelled, true
	default:
		return "", false
	}
}

func orderOf(v any) []string {
	switch o := v.(type) {
	case []string:
		return o
	case []any:
		out := make([]string, 0, len(o))
		for _, id := range o {
			out = append(out, fmt.Sprint(id))
		}
		return out
	default:
		return nil
	}
}

var (
	_ engine.LogSink       = (*RunRecorder)(nil)
	_ engine.EventAppender = (*RunRecorder)(nil)
)
