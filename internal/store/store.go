package store

import (
	"context"

	"github.com/rendis/pipekit/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Pipelines
	SavePipeline(ctx context.Context, p *schema.Pipeline) (*PipelineRecord, error)
	GetPipeline(ctx context.Context, id string) (*PipelineRecord, error)
	ListPipelines(ctx context.Context, filter PipelineFilter) ([]*PipelineRecord, error)
	DeletePipeline(ctx context.Context, id string) error

	// Runs
	CreateRun(ctx context.Context, run *Run) error
	FinishRun(ctx context.Context, id string, update RunUpdate) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)

	// Run log (append-only)
	AppendLogEntry(ctx context.Context, runID string, entry schema.ExecutionLogEntry) (int64, error)
	ListLogEntries(ctx context.Context, runID string) ([]*LogEntry, error)

	// Run events (append-only)
	AppendRunEvent(ctx context.Context, event *StoredEvent) error
	GetRunEvents(ctx context.Context, runID string, since int64) ([]*StoredEvent, error)

	// Connectors
	UpsertConnector(ctx context.Context, c *schema.Connector) error
	GetConnector(ctx context.Context, id string) (*schema.Connector, error)
	ListConnectors(ctx context.Context, kind string) ([]*schema.Connector, error)
	DeleteConnector(ctx context.Context, id string) error

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
