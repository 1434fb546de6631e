package schema

import "time"

// Event type constants for the run event stream.
const (
	EventRunStarted   = "run_started"
	EventRunSucceeded = "run_succeeded"
	EventRunFailed    = "run_failed"
	EventRunCancelled = "run_cancelled"

	EventNodeReset     = "node_reset"
	EventNodeStarted   = "node_started"
	EventNodeSucceeded = "node_succeeded"
	EventNodeFailed    = "node_failed"

	EventLogAppended = "log_appended"
)

// RunStatus is the terminal outcome of an execution run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// LogStatus is the status recorded on an execution log entry.
type LogStatus string

const (
	LogStatusRunning LogStatus = "running"
	LogStatusSuccess LogStatus = "success"
	LogStatusError   LogStatus = "error"
)

// ExecutionLogEntry is one line of a run's append-only log.
type ExecutionLogEntry struct {
	Timestamp  time.Time `json:"timestamp"`
	NodeID     string    `json:"node_id"`
	NodeLabel  string    `json:"node_label"`
	Status     LogStatus `json:"status"`
	Message    string    `json:"message"`
	DurationMs *int64    `json:"duration_ms,omitempty"`
}

// RunEvent is one entry of the run event stream: a run lifecycle change or a
// node status transition.
type RunEvent struct {
	RunID      string         `json:"run_id"`
	PipelineID string         `json:"pipeline_id,omitempty"`
	NodeID     string         `json:"node_id,omitempty"`
	Type       string         `json:"type"`
	Payload    map[string]any `json:"payload,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}
