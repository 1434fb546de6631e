package preview

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/rendis/pipekit/pkg/schema"
)

// readFile loads csv, json (array of objects) or jsonl files.
func (e *Executor) readFile(cfg map[string]any) ([]map[string]any, error) {
	path := str(cfg, "path")
	format := str(cfg, "format")
	if format == "parquet" {
		return nil, schema.NewError(schema.ErrCodeUnsupported, "parquet files cannot be previewed")
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "open %s: %s", path, err.Error()).WithCause(err)
	}
	defer f.Close()

	switch format {
	case "csv":
		return readCSV(f, str(cfg, "delimiter"), e.rowLimit)
	case "json":
		return readJSONArray(f, e.rowLimit)
	case "jsonl":
		return readJSONLines(f, e.rowLimit)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeUnsupported, "unknown file format %q", format)
	}
}

func readCSV(r io.Reader, delimiter string, limit int) ([]map[string]any, error) {
	cr := csv.NewReader(r)
	if delimiter != "" {
		d := []rune(delimiter)
		if len(d) != 1 {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "csv delimiter must be one character, got %q", delimiter)
		}
		cr.Comma = d[0]
	}

	header, err := cr.Read()
	if err == io.EOF {
		return []map[string]any{}, nil
	}
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "read csv header: "+err.Error()).WithCause(err)
	}

	rows := make([]map[string]any, 0)
	for len(rows) < limit {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeExecution, "read csv: "+err.Error()).WithCause(err)
		}
		row := make(map[string]any, len(header))
		for i, col := range header {
			if i < len(rec) {
				row[col] = inferScalar(rec[i])
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// inferScalar turns csv text into int64, float64 or bool where it parses cleanly.
func inferScalar(s string) any {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(s); err == nil && (s == "true" || s == "false") {
		return b
	}
	return s
}

func readJSONArray(r io.Reader, limit int) ([]map[string]any, error) {
	var rows []map[string]any
	if err := json.NewDecoder(r).Decode(&rows); err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "decode json array: "+err.Error()).WithCause(err)
	}
	return capRows(rows, limit), nil
}

func readJSONLines(r io.Reader, limit int) ([]map[string]any, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	rows := make([]map[string]any, 0)
	line := 0
	for sc.Scan() && len(rows) < limit {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		var row map[string]any
		if err := json.Unmarshal([]byte(text), &row); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "decode jsonl line %d: %s", line, err.Error()).WithCause(err)
		}
		rows = append(rows, row)
	}
	if err := sc.Err(); err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "read jsonl: "+err.Error()).WithCause(err)
	}
	return rows, nil
}

// fetchAPI calls the endpoint and accepts a JSON array of objects or an
// object whose "data" field holds one.
func (e *Executor) fetchAPI(ctx context.Context, cfg map[string]any) ([]map[string]any, error) {
	method := str(cfg, "method")
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, str(cfg, "url"), nil)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "build request: "+err.Error()).WithCause(err)
	}
	req.Header.Set("Accept", "application/json")
	if headers, ok := cfg["headers"].(map[string]any); ok {
		for k, v := range headers {
			req.Header.Set(k, fmt.Sprint(v))
		}
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "request failed: "+err.Error()).WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "api returned %s", resp.Status).
			WithDetails(map[string]any{"status_code": resp.StatusCode})
	}

	var body any
	if err := json.NewDecoder(io.LimitReader(resp.Body, 16<<20)).Decode(&body); err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "decode response: "+err.Error()).WithCause(err)
	}
	if obj, ok := body.(map[string]any); ok {
		body = obj["data"]
	}
	items, ok := body.([]any)
	if !ok {
		return nil, schema.NewError(schema.ErrCodeExecution, `response is neither an array nor an object with a "data" array`)
	}

	limit := e.rowLimit
	if n, ok := intOf(cfg, "limit"); ok && n > 0 && n < limit {
		limit = n
	}
	rows := make([]map[string]any, 0, min(len(items), limit))
	for _, it := range items {
		if len(rows) >= limit {
			break
		}
		row, ok := it.(map[string]any)
		if !ok {
			row = map[string]any{"value": it}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// queryDatabase reads from a libSQL connector: a bounded table scan or a
// caller-supplied query wrapped in a LIMIT.
func (e *Executor) queryDatabase(ctx context.Context, cfg map[string]any) ([]map[string]any, error) {
	if e.connectors == nil {
		return nil, schema.NewError(schema.ErrCodeUnsupported, "no connector directory configured")
	}
	conn, err := e.connectors.GetConnector(ctx, str(cfg, "connector_id"))
	if err != nil {
		return nil, err
	}
	if conn.Kind != schema.ConnectorKindLibSQL {
		return nil, schema.NewErrorf(schema.ErrCodeUnsupported, "preview cannot query %s connectors", conn.Kind)
	}

	var query string
	if table := str(cfg, "table"); table != "" {
		if !identifier.MatchString(table) {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid table name %q", table)
		}
		query = fmt.Sprintf("SELECT * FROM %s LIMIT %d", table, e.rowLimit)
	} else {
		q := strings.TrimRight(strings.TrimSpace(str(cfg, "query")), ";")
		if q == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "database source needs a table or a query")
		}
		query = fmt.Sprintf("SELECT * FROM (%s) LIMIT %d", q, e.rowLimit)
	}

	db, err := e.openDB("libsql", conn.DSN)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "open connector %s: %s", conn.ID, err.Error()).WithCause(err)
	}
	defer db.Close()

	rs, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "query failed: "+err.Error()).WithCause(err)
	}
	defer rs.Close()

	cols, err := rs.Columns()
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "read columns: "+err.Error()).WithCause(err)
	}

	rows := make([]map[string]any, 0)
	for rs.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rs.Scan(ptrs...); err != nil {
			return nil, schema.NewError(schema.ErrCodeExecution, "scan row: "+err.Error()).WithCause(err)
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			if b, ok := vals[i].([]byte); ok {
				row[c] = string(b)
			} else {
				row[c] = vals[i]
			}
		}
		rows = append(rows, row)
	}
	if err := rs.Err(); err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "iterate rows: "+err.Error()).WithCause(err)
	}
	return rows, nil
}

func capRows(rows []map[string]any, limit int) []map[string]any {
	if rows == nil {
		return []map[string]any{}
	}
	if len(rows) > limit {
		return rows[:limit]
	}
	return rows
}

func str(cfg map[string]any, key string) string {
	s, _ := cfg[key].(string)
	return s
}

func intOf(cfg map[string]any, key string) (int, bool) {
	switch v := cfg[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		return int(n), err == nil
	default:
		return 0, false
	}
}
