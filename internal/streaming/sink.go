package streaming

import (
	"context"

	"github.com/rendis/pipekit/internal/engine"
	"github.com/rendis/pipekit/pkg/schema"
)

// HubSink publishes runner output to a hub. Log entries become
// log_appended events carrying the entry as payload.
type HubSink struct {
	hub EventHub
}

// NewHubSink creates a HubSink.
func NewHubSink(hub EventHub) *HubSink {
	return &HubSink{hub: hub}
}

// AppendLog implements engine.LogSink.
func (s *HubSink) AppendLog(ctx context.Context, run engine.RunRef, entry schema.ExecutionLogEntry) error {
	return s.hub.Publish(ctx, StreamEvent{
		PipelineID: run.PipelineID,
		RunID:      run.RunID,
		NodeID:     entry.NodeID,
		EventType:  schema.EventLogAppended,
		Payload:    entry,
		Timestamp:  entry.Timestamp,
	})
}

// AppendEvent implements engine.EventAppender.
func (s *HubSink) AppendEvent(ctx context.Context, event *schema.RunEvent) error {
	return s.hub.Publish(ctx, StreamEvent{
		PipelineID: event.PipelineID,
		RunID:      event.RunID,
		NodeID:     event.NodeID,
		EventType:  event.Type,
		Payload:    event.Payload,
		Timestamp:  event.Timestamp,
	})
}

var (
	_ engine.LogSink       = (*HubSink)(nil)
	_ engine.EventAppender = (*HubSink)(nil)
)
