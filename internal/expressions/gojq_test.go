package expressions

import (
	"context"
	"testing"

	"github.com/rendis/pipekit/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJQ_Reshape(t *testing.T) {
	out, err := NewGoJQEngine().Evaluate(context.Background(),
		`{name: .first + " " + .last, total: (.price * .qty)}`,
		map[string]any{"first": "Ada", "last": "Lovelace", "price": 2, "qty": 3})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"name": "Ada Lovelace", "total": 6.0}, out)
}

func TestJQ_MultipleOutputs(t *testing.T) {
	e := NewGoJQEngine()
	data := map[string]any{"tags": []any{"a", "b"}}

	out, err := e.Evaluate(context.Background(), ".tags[]", data)
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, out)

	out, err = e.Evaluate(context.Background(), "empty", data)
	require.NoError(t, err)
	assert.Nil(t, out)

	all, err := e.EvaluateAll(context.Background(), ".tags[0]", data)
	require.NoError(t, err)
	assert.Equal(t, []any{"a"}, all)
}

func TestJQ_Check(t *testing.T) {
	e := NewGoJQEngine()
	assert.NoError(t, e.Check(".a | tostring"))

	err := e.Check(".a |")
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidExpression))
	assert.True(t, schema.HasCode(e.Check(""), schema.ErrCodeInvalidExpression))
}

func TestJQ_RuntimeError(t *testing.T) {
	_, err := NewGoJQEngine().Evaluate(context.Background(), `error("boom")`, map[string]any{})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeExecution))
}

func TestJQ_EnvSandboxed(t *testing.T) {
	out, err := NewGoJQEngine().Evaluate(context.Background(), "$ENV | length", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, 0, out)
}

func TestNormalizeForJQ(t *testing.T) {
	got := normalizeForJQ(map[string]any{"a": 1, "b": []any{int64(2)}, "c": "x", "d": nil})
	assert.Equal(t, map[string]any{"a": 1.0, "b": []any{2.0}, "c": "x", "d": nil}, got)
}
