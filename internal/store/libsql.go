package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/pipekit/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/pipekit.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Pipelines ---

// SavePipeline inserts p or replaces its definition, bumping the version.
// An empty ID is assigned a new UUID, written back to p.
func (s *LibSQLStore) SavePipeline(ctx context.Context, p *schema.Pipeline) (*PipelineRecord, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Edges == nil {
		p.Edges = []schema.Edge{}
	}
	def, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal pipeline: %w", err)
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO pipelines (id, name, version, definition, created_at, updated_at) VALUES (?, ?, 1, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, definition=excluded.definition,
		   version=pipelines.version + 1, updated_at=excluded.updated_at`,
		p.ID, p.Name, string(def), now, now,
	)
	if err != nil {
		return nil, storeError("save pipeline", err)
	}
	return s.GetPipeline(ctx, p.ID)
}

func (s *LibSQLStore) GetPipeline(ctx context.Context, id string) (*PipelineRecord, error) {
	rec, err := scanPipeline(s.db.QueryRowContext(ctx,
		`SELECT id, name, version, definition, created_at, updated_at FROM pipelines WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("pipeline", id)
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *LibSQLStore) ListPipelines(ctx context.Context, filter PipelineFilter) ([]*PipelineRecord, error) {
	var where []string
	var args []any

	if filter.NameContains != "" {
		where = append(where, "LOWER(name) LIKE ?")
		args = append(args, "%"+strings.ToLower(filter.NameContains)+"%")
	}

	query := "SELECT id, name, version, definition, created_at, updated_at FROM pipelines"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY updated_at DESC, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*PipelineRecord
	for rows.Next() {
		rec, err := scanPipeline(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) DeletePipeline(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM pipelines WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "pipeline", id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPipeline(row rowScanner) (*PipelineRecord, error) {
	rec := &PipelineRecord{}
	var defJSON string
	if err := row.Scan(&rec.ID, &rec.Name, &rec.Version, &defJSON, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(defJSON), &rec.Pipeline); err != nil {
		return nil, fmt.Errorf("unmarshal pipeline definition: %w", err)
	}
	return rec, nil
}

// --- Runs ---

func (s *LibSQLStore) CreateRun(ctx context.Context, run *Run) error {
	order, err := json.Marshal(orEmpty(run.Order))
	if err != nil {
		return fmt.Errorf("marshal run order: %w", err)
	}
	if run.Status == "" {
		run.Status = schema.RunStatusRunning
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, pipeline_id, status, node_order, failed_node_id, error, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.PipelineID, string(run.Status), string(order),
		nullStr(run.FailedNodeID), nullStr(run.Error), timeOrNow(run.StartedAt), nullTime(run.CompletedAt),
	)
	if err != nil {
		return storeError("create run", err)
	}
	return nil
}

// FinishRun records the terminal status of a run.
func (s *LibSQLStore) FinishRun(ctx context.Context, id string, update RunUpdate) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, failed_node_id = ?, error = ?, completed_at = ? WHERE id = ?`,
		string(update.Status), nullStr(update.FailedNodeID), nullStr(update.Error), timeOrNow(update.CompletedAt), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run", id)
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx,
		`SELECT id, pipeline_id, status, node_order, failed_node_id, error, started_at, completed_at FROM runs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", id)
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	var where []string
	var args []any

	if filter.PipelineID != "" {
		where = append(where, "pipeline_id = ?")
		args = append(args, filter.PipelineID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}

	query := "SELECT id, pipeline_id, status, node_order, failed_node_id, error, started_at, completed_at FROM runs"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC, rowid DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func scanRun(row rowScanner) (*Run, error) {
	run := &Run{}
	var (
		status, orderJSON string
		failedNode, errText sql.NullString
		completedAt         sql.NullTime
	)
	if err := row.Scan(&run.ID, &run.PipelineID, &status, &orderJSON, &failedNode, &errText, &run.StartedAt, &completedAt); err != nil {
		return nil, err
	}
	run.Status = schema.RunStatus(status)
	run.FailedNodeID = failedNode.String
	run.Error = errText.String
	if err := json.Unmarshal([]byte(orderJSON), &run.Order); err != nil {
		return nil, fmt.Errorf("unmarshal run order: %w", err)
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	return run, nil
}

// --- Run log ---

// AppendLogEntry appends entry to the run's log and returns its sequence,
// which starts at 1 and increases by one per entry.
func (s *LibSQLStore) AppendLogEntry(ctx context.Context, runID string, entry schema.ExecutionLogEntry) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM run_log WHERE run_id = ?`, runID,
	).Scan(&seq); err != nil {
		return 0, fmt.Errorf("get next log sequence: %w", err)
	}

	var duration any
	if entry.DurationMs != nil {
		duration = *entry.DurationMs
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO run_log (run_id, sequence, node_id, node_label, status, message, duration_ms, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, seq, entry.NodeID, entry.NodeLabel, string(entry.Status), entry.Message, duration, timeOrNow(entry.Timestamp),
	); err != nil {
		return 0, storeError("insert log entry", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit log entry: %w", err)
	}
	return seq, nil
}

// ListLogEntries returns a run's log in sequence order.
func (s *LibSQLStore) ListLogEntries(ctx context.Context, runID string) ([]*LogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, sequence, node_id, node_label, status, message, duration_ms, timestamp
		 FROM run_log WHERE run_id = ? ORDER BY sequence ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*LogEntry
	for rows.Next() {
		e := &LogEntry{}
		var status string
		var duration sql.NullInt64
		if err := rows.Scan(&e.RunID, &e.Sequence, &e.NodeID, &e.NodeLabel, &status, &e.Message, &duration, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Status = schema.LogStatus(status)
		if duration.Valid {
			d := duration.Int64
			e.DurationMs = &d
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Run events ---

// AppendRunEvent appends event with the next per-run sequence number.
func (s *LibSQLStore) AppendRunEvent(ctx context.Context, event *StoredEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM run_events WHERE run_id = ?`, event.RunID,
	).Scan(&seq); err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq
	event.Timestamp = timeOrNow(event.Timestamp)

	res, err := tx.ExecContext(ctx,
		`INSERT INTO run_events (run_id, pipeline_id, node_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.RunID, nullStr(event.PipelineID), nullStr(event.NodeID), event.Type, nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// GetRunEvents returns events with sequence > since, ordered by sequence.
func (s *LibSQLStore) GetRunEvents(ctx context.Context, runID string, since int64) ([]*StoredEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, pipeline_id, node_id, event_type, payload, timestamp, sequence
		 FROM run_events WHERE run_id = ? AND sequence > ? ORDER BY sequence ASC`, runID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*StoredEvent
	for rows.Next() {
		e := &StoredEvent{}
		var pipelineID, nodeID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &pipelineID, &nodeID, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.PipelineID = pipelineID.String
		e.NodeID = nodeID.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Connectors ---

func (s *LibSQLStore) UpsertConnector(ctx context.Context, c *schema.Connector) error {
	if c.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "connector id is required")
	}
	if c.Kind == "" {
		return schema.NewError(schema.ErrCodeValidation, "connector kind is required")
	}
	opts, err := marshalMapOrNil(c.Options)
	if err != nil {
		return fmt.Errorf("marshal connector options: %w", err)
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO connectors (id, name, kind, dsn, options, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, kind=excluded.kind, dsn=excluded.dsn,
		   options=excluded.options, updated_at=excluded.updated_at`,
		c.ID, c.Name, c.Kind, c.DSN, opts, timeOrNow(c.CreatedAt), now,
	)
	return err
}

func (s *LibSQLStore) GetConnector(ctx context.Context, id string) (*schema.Connector, error) {
	c, err := scanConnector(s.db.QueryRowContext(ctx,
		`SELECT id, name, kind, dsn, options, created_at, updated_at FROM connectors WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("connector", id)
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ListConnectors returns connectors ordered by id. An empty kind lists all.
func (s *LibSQLStore) ListConnectors(ctx context.Context, kind string) ([]*schema.Connector, error) {
	query := `SELECT id, name, kind, dsn, options, created_at, updated_at FROM connectors`
	var args []any
	if kind != "" {
		query += " WHERE kind = ?"
		args = append(args, kind)
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schema.Connector
	for rows.Next() {
		c, err := scanConnector(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) DeleteConnector(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM connectors WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "connector", id)
}

func scanConnector(row rowScanner) (*schema.Connector, error) {
	c := &schema.Connector{}
	var opts sql.NullString
	if err := row.Scan(&c.ID, &c.Name, &c.Kind, &c.DSN, &opts, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	if opts.Valid && opts.String != "" {
		if err := json.Unmarshal([]byte(opts.String), &c.Options); err != nil {
			return nil, fmt.Errorf("unmarshal connector options: %w", err)
		}
	}
	return c, nil
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.PipelineError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func storeError(op string, err error) *schema.PipelineError {
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %s", op, err.Error()).WithCause(err)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func marshalMapOrNil(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

var _ Store = (*LibSQLStore)(nil)
