package expressions

import (
	"context"
	"testing"

	"github.com/rendis/pipekit/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func salesRows() []map[string]any {
	return []map[string]any{
		{"region": "north", "amount": 10.0},
		{"region": "north", "amount": 30.0},
		{"region": "north", "amount": 20.0},
	}
}

func TestExpr_Aggregate(t *testing.T) {
	e := NewExprEngine()
	ctx := context.Background()

	tests := []struct {
		name string
		expr string
		want any
	}{
		{"count", "len(rows)", 3},
		{"sum", "sum(map(rows, .amount))", 60.0},
		{"max", "max(map(rows, .amount))", 30.0},
		{"filtered count", "count(rows, .amount > 15)", 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Aggregate(ctx, tt.expr, salesRows())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExpr_Evaluate(t *testing.T) {
	out, err := NewExprEngine().Evaluate(context.Background(), `threshold ?? 5`, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, 5, out)
}

func TestExpr_Check(t *testing.T) {
	e := NewExprEngine()
	assert.NoError(t, e.Check("sum(map(rows, .amount))"))

	err := e.Check("sum(")
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidExpression))

	assert.True(t, schema.HasCode(e.Check(""), schema.ErrCodeInvalidExpression))
	assert.Zero(t, e.programs.len())
}

func TestExpr_RuntimeError(t *testing.T) {
	_, err := NewExprEngine().Evaluate(context.Background(), "items[5]",
		map[string]any{"items": []any{1}})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeExecution))
}

func TestExpr_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewExprEngine().Evaluate(ctx, "1 + 1", nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeCancelled))
}
