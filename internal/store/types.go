package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/pipekit/pkg/schema"
)

// PipelineRecord is a saved pipeline definition.
type PipelineRecord struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Version   int             `json:"version"`
	Pipeline  schema.Pipeline `json:"pipeline"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// PipelineFilter narrows ListPipelines. NameContains matches case-insensitively.
type PipelineFilter struct {
	NameContains string
	Limit        int
	Offset       int
}

// Run is the persisted record of one execution.
type Run struct {
	ID           string           `json:"id"`
	PipelineID   string           `json:"pipeline_id"`
	Status       schema.RunStatus `json:"status"`
	Order        []string         `json:"order"`
	FailedNodeID string           `json:"failed_node_id,omitempty"`
	Error        string           `json:"error,omitempty"`
	StartedAt    time.Time        `json:"started_at"`
	CompletedAt  *time.Time       `json:"completed_at,omitempty"`
}

// RunUpdate holds the terminal fields written by FinishRun.
type RunUpdate struct {
	Status       schema.RunStatus
	FailedNodeID string
	Error        string
	CompletedAt  time.Time
}

// RunFilter narrows ListRuns. Runs are returned newest first.
type RunFilter struct {
	PipelineID string
	Status     schema.RunStatus
	Limit      int
}

// LogEntry is an execution log line with its run and sequence.
type LogEntry struct {
	RunID    string `json:"run_id"`
	Sequence int64  `json:"sequence"`
	schema.ExecutionLogEntry
}

// StoredEvent is an immutable entry in a run's event log.
type StoredEvent struct {
	ID         int64           `json:"id"`
	RunID      string          `json:"run_id"`
	PipelineID string          `json:"pipeline_id,omitempty"`
	NodeID     string          `json:"node_id,omitempty"`
	Type       string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Sequence   int64           `json:"sequence"`
}
