package expressions

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/rendis/pipekit/pkg/schema"
)

// CELEngine evaluates filter conditions against one row at a time.
type CELEngine struct {
	env      *cel.Env
	programs *programCache[cel.Program]
}

// NewCELEngine creates a CEL engine. Conditions see two variables, row (the
// record being filtered) and params (pipeline-level parameters), both
// map(string, dyn). Ints and doubles compare across types.
func NewCELEngine() (*CELEngine, error) {
	dynMap := cel.MapType(cel.StringType, cel.DynType)
	env, err := cel.NewEnv(
		cel.Variable("row", dynMap),
		cel.Variable("params", dynMap),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &CELEngine{env: env, programs: newProgramCache[cel.Program]()}, nil
}

func (e *CELEngine) Name() string { return "cel" }

// Check compiles the expression and caches the program.
func (e *CELEngine) Check(expression string) error {
	if expression == "" {
		return schema.NewError(schema.ErrCodeInvalidExpression, "empty CEL expression")
	}
	_, err := e.program(expression)
	return err
}

// Evaluate runs expression with data["row"] and data["params"] bound.
// Either may be missing; it is bound to an empty map.
func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeInvalidExpression, "empty CEL expression")
	}
	prg, err := e.program(expression)
	if err != nil {
		return nil, err
	}
	out, _, err := prg.ContextEval(ctx, activation(data))
	if err != nil {
		return nil, evalError("CEL", expression, err)
	}
	return out.Value(), nil
}

// Matches evaluates a condition against a row and requires a boolean result.
func (e *CELEngine) Matches(ctx context.Context, expression string, row map[string]any) (bool, error) {
	out, err := e.Evaluate(ctx, expression, map[string]any{"row": row})
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeExecution,
			"condition %q returned %T, expected bool", expression, out)
	}
	return b, nil
}

func (e *CELEngine) program(expression string) (cel.Program, error) {
	return e.programs.get(expression, func() (cel.Program, error) {
		ast, issues := e.env.Compile(expression)
		if issues != nil && issues.Err() != nil {
			return nil, compileError("CEL", expression, issues.Err())
		}
		prg, err := e.env.Program(ast)
		if err != nil {
			return nil, compileError("CEL", expression, err)
		}
		return prg, nil
	})
}

func activation(data map[string]any) map[string]any {
	vars := map[string]any{"row": map[string]any{}, "params": map[string]any{}}
	for k := range vars {
		if v, ok := data[k]; ok && v != nil {
			vars[k] = v
		}
	}
	return vars
}

var _ Engine = (*CELEngine)(nil)
