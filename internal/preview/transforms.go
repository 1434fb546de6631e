package preview

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"sort"
	"strings"

	"github.com/rendis/pipekit/internal/engine"
	"github.com/rendis/pipekit/pkg/schema"
)

func (e *Executor) filter(ctx context.Context, cfg map[string]any, rows []map[string]any) ([]map[string]any, error) {
	cond := str(cfg, "condition")
	out := make([]map[string]any, 0, len(rows))
	for i, row := range rows {
		ok, err := e.engines.CEL.Matches(ctx, cond, row)
		if err != nil {
			return nil, withRow(err, i)
		}
		if ok {
			out = append(out, row)
		}
	}
	return out, nil
}

// mapRows evaluates each mapping against the row and sets the result under
// the mapping's name. Unmapped fields are kept.
func (e *Executor) mapRows(ctx context.Context, cfg map[string]any, rows []map[string]any) ([]map[string]any, error) {
	mappings, _ := cfg["mappings"].(map[string]any)
	names := sortedKeys(mappings)

	out := make([]map[string]any, 0, len(rows))
	for i, row := range rows {
		next := maps.Clone(row)
		if next == nil {
			next = map[string]any{}
		}
		for _, name := range names {
			expr, _ := mappings[name].(string)
			v, err := e.engines.JQ.Evaluate(ctx, expr, row)
			if err != nil {
				return nil, withRow(err, i)
			}
			next[name] = v
		}
		out = append(out, next)
	}
	return out, nil
}

// aggregate groups rows by the group_by fields in first-seen order and
// evaluates every aggregation with the group bound to rows.
func (e *Executor) aggregate(ctx context.Context, cfg map[string]any, rows []map[string]any) ([]map[string]any, error) {
	groupBy := stringList(cfg["group_by"])
	aggs, _ := cfg["aggregations"].(map[string]any)
	names := sortedKeys(aggs)

	type group struct {
		key  map[string]any
		rows []map[string]any
	}
	var order []string
	groups := make(map[string]*group)
	for _, row := range rows {
		key := make(map[string]any, len(groupBy))
		for _, f := range groupBy {
			key[f] = row[f]
		}
		b, err := json.Marshal(key)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeExecution, "group key: "+err.Error()).WithCause(err)
		}
		id := string(b)
		g, ok := groups[id]
		if !ok {
			g = &group{key: key}
			groups[id] = g
			order = append(order, id)
		}
		g.rows = append(g.rows, row)
	}

	out := make([]map[string]any, 0, len(order))
	for _, id := range order {
		g := groups[id]
		res := maps.Clone(g.key)
		for _, name := range names {
			expr, _ := aggs[name].(string)
			v, err := e.engines.Expr.Aggregate(ctx, expr, g.rows)
			if err != nil {
				return nil, err
			}
			res[name] = v
		}
		out = append(out, res)
	}
	return out, nil
}

// sortRows is a stable sort on one field. Numbers compare numerically,
// everything else by its text; missing values sort last either way.
func sortRows(cfg map[string]any, rows []map[string]any) ([]map[string]any, error) {
	field := str(cfg, "field")
	desc := strings.EqualFold(str(cfg, "order"), "desc")

	out := append([]map[string]any(nil), rows...)
	sort.SliceStable(out, func(i, j int) bool {
		a, aok := out[i][field]
		b, bok := out[j][field]
		if !aok || a == nil {
			return false
		}
		if !bok || b == nil {
			return true
		}
		c := compareValues(a, b)
		if desc {
			return c > 0
		}
		return c < 0
	})
	return out, nil
}

func compareValues(a, b any) int {
	fa, aNum := toFloat(a)
	fb, bNum := toFloat(b)
	if aNum && bNum {
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// joinRows joins exactly two inputs on key. Right-hand fields overwrite
// left-hand fields of the same name.
func joinRows(cfg map[string]any, inputs []*engine.NodeOutput) ([]map[string]any, error) {
	if len(inputs) != 2 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "join needs exactly two inputs, got %d", len(inputs))
	}
	key := str(cfg, "key")
	joinType := str(cfg, "join_type")
	left, right := inputs[0].Rows, inputs[1].Rows

	index := make(map[string][]int)
	for i, r := range right {
		if v, ok := r[key]; ok {
			k := fmt.Sprint(v)
			index[k] = append(index[k], i)
		}
	}

	matchedRight := make([]bool, len(right))
	out := make([]map[string]any, 0)
	for _, l := range left {
		v, ok := l[key]
		var hits []int
		if ok {
			hits = index[fmt.Sprint(v)]
		}
		for _, ri := range hits {
			merged := maps.Clone(l)
			maps.Copy(merged, right[ri])
			out = append(out, merged)
			matchedRight[ri] = true
		}
		if len(hits) == 0 && (joinType == "left" || joinType == "full") {
			out = append(out, maps.Clone(l))
		}
	}
	if joinType == "right" || joinType == "full" {
		for i, r := range right {
			if !matchedRight[i] {
				out = append(out, maps.Clone(r))
			}
		}
	}
	return out, nil
}

func withRow(err error, row int) error {
	if pe, ok := err.(*schema.PipelineError); ok {
		details := map[string]any{"row": row}
		maps.Copy(details, pe.Details)
		return pe.WithDetails(details)
	}
	return err
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func stringList(v any) []string {
	switch l := v.(type) {
	case []string:
		return l
	case []any:
		out := make([]string, 0, len(l))
		for _, it := range l {
			out = append(out, fmt.Sprint(it))
		}
		return out
	default:
		return nil
	}
}
