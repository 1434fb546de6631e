package expressions

import (
	"context"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rendis/pipekit/pkg/schema"
)

// ExprEngine implements the Engine interface using expr-lang/expr. Aggregate
// nodes use it to reduce a group of rows: the group is bound to "rows" and the
// builtins (sum, mean, min, max, count, map, filter, len) do the work.
type ExprEngine struct {
	programs *programCache[*vm.Program]
}

func NewExprEngine() *ExprEngine {
	return &ExprEngine{programs: newProgramCache[*vm.Program]()}
}

func (e *ExprEngine) Name() string { return "expr" }

// Check compiles the expression with an open environment. The result is not
// cached because the real environment type is only known at evaluation.
func (e *ExprEngine) Check(expression string) error {
	if expression == "" {
		return schema.NewError(schema.ErrCodeInvalidExpression, "empty expr expression")
	}
	if _, err := expr.Compile(expression, expr.AllowUndefinedVariables()); err != nil {
		return compileError("expr", expression, err)
	}
	return nil
}

// Evaluate runs expression with every key of data as a top-level variable.
func (e *ExprEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeInvalidExpression, "empty expr expression")
	}
	if err := ctx.Err(); err != nil {
		return nil, schema.NewError(schema.ErrCodeCancelled, "expr evaluation cancelled").WithCause(err)
	}

	env := data
	if env == nil {
		env = map[string]any{}
	}

	prg, err := e.programs.get(expression, func() (*vm.Program, error) {
		// The first env seen types the program; later groups share its shape.
		prg, err := expr.Compile(expression, expr.Env(env), expr.AllowUndefinedVariables())
		if err != nil {
			return nil, compileError("expr", expression, err)
		}
		return prg, nil
	})
	if err != nil {
		return nil, err
	}
	out, err := vm.Run(prg, env)
	if err != nil {
		return nil, evalError("expr", expression, err)
	}
	return out, nil
}

// Aggregate evaluates expression with the group bound to "rows".
func (e *ExprEngine) Aggregate(ctx context.Context, expression string, rows []map[string]any) (any, error) {
	group := make([]any, len(rows))
	for i, r := range rows {
		group[i] = r
	}
	return e.Evaluate(ctx, expression, map[string]any{"rows": group})
}

func compileError(engine, expression string, err error) *schema.PipelineError {
	return schema.NewErrorf(schema.ErrCodeInvalidExpression, "%s compile error in %q: %s", engine, expression, err).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression})
}

func evalError(engine, expression string, err error) *schema.PipelineError {
	return schema.NewErrorf(schema.ErrCodeExecution, "%s evaluation failed for %q: %s", engine, expression, err).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression})
}

var _ Engine = (*ExprEngine)(nil)
