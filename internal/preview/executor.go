// Package preview executes nodes against small in-memory row sets so a user
// can test a node before running the whole pipeline.
package preview

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"github.com/rendis/pipekit/internal/engine"
	"github.com/rendis/pipekit/internal/expressions"
	"github.com/rendis/pipekit/pkg/schema"

	// libSQL driver for database sources.
	_ "github.com/tursodatabase/go-libsql"
)

// DefaultRowLimit caps how many rows a source reads during preview.
const DefaultRowLimit = 100

// ConnectorDirectory resolves connector ids. Satisfied by the store.
type ConnectorDirectory interface {
	GetConnector(ctx context.Context, id string) (*schema.Connector, error)
}

// Executor implements engine.NodeExecutor over []map[string]any rows.
// Destinations are dry runs: they count rows and write nothing.
type Executor struct {
	engines    *expressions.Engines
	connectors ConnectorDirectory
	client     *http.Client
	rowLimit   int
	logger     *slog.Logger
	openDB     func(driver, dsn string) (*sql.DB, error)
}

// Option configures an Executor.
type Option func(*Executor)

// WithConnectors sets the directory used by database sources.
func WithConnectors(dir ConnectorDirectory) Option {
	return func(e *Executor) { e.connectors = dir }
}

// WithHTTPClient sets the client used by API sources.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Executor) { e.client = c }
}

// WithRowLimit sets the per-source row cap. Values < 1 are ignored.
func WithRowLimit(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.rowLimit = n
		}
	}
}

// WithLogger sets the executor's logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// NewExecutor creates a preview Executor.
func NewExecutor(engines *expressions.Engines, opts ...Option) *Executor {
	e := &Executor{
		engines:  engines,
		client:   &http.Client{Timeout: 30 * time.Second},
		rowLimit: DefaultRowLimit,
		logger:   slog.Default(),
		openDB:   sql.Open,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RowLimit returns the per-source row cap.
func (e *Executor) RowLimit() int {
	return e.rowLimit
}

// Execute dispatches on the node's category and subtype.
func (e *Executor) Execute(ctx context.Context, node *schema.Node, inputs []*engine.NodeOutput) (*engine.NodeOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, schema.NewError(schema.ErrCodeCancelled, "preview cancelled").WithNode(node.ID).WithCause(err)
	}

	var (
		rows []map[string]any
		meta map[string]any
		err  error
	)
	switch node.Category {
	case schema.CategorySource:
		rows, err = e.readSource(ctx, node)
	case schema.CategoryTransformation:
		rows, err = e.transform(ctx, node, inputs)
	case schema.CategoryDestination:
		rows, meta = e.dryRun(node, inputs)
	default:
		err = schema.NewErrorf(schema.ErrCodeValidation, "unknown category %q", node.Category)
	}
	if err != nil {
		return nil, nodeError(node.ID, err)
	}

	return &engine.NodeOutput{
		NodeID:   node.ID,
		Rows:     rows,
		RowCount: len(rows),
		Meta:     meta,
	}, nil
}

func (e *Executor) readSource(ctx context.Context, node *schema.Node) ([]map[string]any, error) {
	switch node.Subtype {
	case schema.SubtypeFile:
		return e.readFile(node.Config)
	case schema.SubtypeAPI:
		return e.fetchAPI(ctx, node.Config)
	case schema.SubtypeDatabase:
		return e.queryDatabase(ctx, node.Config)
	default:
		return nil, unsupported(node)
	}
}

func (e *Executor) transform(ctx context.Context, node *schema.Node, inputs []*engine.NodeOutput) ([]map[string]any, error) {
	switch node.Subtype {
	case schema.SubtypeFilter:
		return e.filter(ctx, node.Config, concat(inputs))
	case schema.SubtypeMap:
		return e.mapRows(ctx, node.Config, concat(inputs))
	case schema.SubtypeAggregate:
		return e.aggregate(ctx, node.Config, concat(inputs))
	case schema.SubtypeSort:
		return sortRows(node.Config, concat(inputs))
	case schema.SubtypeJoin:
		return joinRows(node.Config, inputs)
	default:
		return nil, unsupported(node)
	}
}

// dryRun passes rows through and describes where they would have gone.
func (e *Executor) dryRun(node *schema.Node, inputs []*engine.NodeOutput) ([]map[string]any, map[string]any) {
	rows := concat(inputs)
	meta := map[string]any{"dry_run": true, "rows_written": 0, "rows_received": len(rows)}
	for _, key := range []string{"path", "table", "url", "schema", "connector_id", "write_mode"} {
		if v, ok := node.Config[key]; ok {
			meta[key] = v
		}
	}
	return rows, meta
}

func concat(inputs []*engine.NodeOutput) []map[string]any {
	var rows []map[string]any
	for _, in := range inputs {
		if in != nil {
			rows = append(rows, in.Rows...)
		}
	}
	return rows
}

func unsupported(node *schema.Node) error {
	return schema.NewErrorf(schema.ErrCodeUnsupported, "preview does not support %s/%s", node.Category, node.Subtype)
}

func nodeError(nodeID string, err error) error {
	if pe, ok := err.(*schema.PipelineError); ok {
		if pe.NodeID == "" {
			return pe.WithNode(nodeID)
		}
		return pe
	}
	return schema.NewError(schema.ErrCodeExecution, err.Error()).WithNode(nodeID).WithCause(err)
}

var _ engine.NodeExecutor = (*Executor)(nil)
