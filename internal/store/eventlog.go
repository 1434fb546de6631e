package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rendis/pipekit/internal/engine"
	"github.com/rendis/pipekit/pkg/schema"
)

// EventLog provides event-sourcing operations over a Store's run events.
type EventLog struct {
	store Store
}

// NewEventLog wraps a Store to provide event-sourcing operations.
func NewEventLog(s Store) *EventLog {
	return &EventLog{store: s}
}

// AppendEvent persists a runner event. It satisfies engine.EventAppender.
func (el *EventLog) AppendEvent(ctx context.Context, event *schema.RunEvent) error {
	var payload json.RawMessage
	if len(event.Payload) > 0 {
		b, err := json.Marshal(event.Payload)
		if err != nil {
			return fmt.Errorf("marshal event payload: %w", err)
		}
		payload = b
	}
	return el.store.AppendRunEvent(ctx, &StoredEvent{
		RunID:      event.RunID,
		PipelineID: event.PipelineID,
		NodeID:     event.NodeID,
		Type:       event.Type,
		Payload:    payload,
		Timestamp:  event.Timestamp,
	})
}

// GetEvents returns events for a run with sequence > since.
func (el *EventLog) GetEvents(ctx context.Context, runID string, since int64) ([]*StoredEvent, error) {
	return el.store.GetRunEvents(ctx, runID, since)
}

// ReplayNodeStatuses rebuilds each node's last known status from a run's
// events. Returns STORE_ERROR if the sequence has gaps.
func (el *EventLog) ReplayNodeStatuses(ctx context.Context, runID string) (map[string]schema.NodeStatus, error) {
	events, err := el.store.GetRunEvents(ctx, runID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in run %s: expected %d, got %d", runID, expected, e.Sequence)
		}
	}

	states := make(map[string]schema.NodeStatus)
	for _, e := range events {
		if e.NodeID == "" {
			continue
		}
		switch e.Type {
		case schema.EventNodeReset:
			states[e.NodeID] = schema.NodeStatusIdle
		case schema.EventNodeStarted:
			states[e.NodeID] = schema.NodeStatusRunning
		case schema.EventNodeSucceeded:
			states[e.NodeID] = schema.NodeStatusSuccess
		case schema.EventNodeFailed:
			states[e.NodeID] = schema.NodeStatusError
		}
	}
	return states, nil
}

var _ engine.EventAppender = (*EventLog)(nil)
