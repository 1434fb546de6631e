package expressions

import (
	"context"

	"github.com/rendis/pipekit/pkg/schema"
)

// Language names an expression dialect used in node configuration.
type Language string

const (
	LanguageCEL  Language = "cel"  // filter conditions
	LanguageExpr Language = "expr" // aggregations
	LanguageJQ   Language = "jq"   // field mappings
)

// Engine evaluates expressions inside transformation nodes.
// Three implementations: CEL (conditions), GoJQ (mappings), Expr (aggregations).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
	// Check compiles the expression without evaluating it.
	Check(expression string) error
}

// Engines bundles one engine per language.
type Engines struct {
	CEL  *CELEngine
	Expr *ExprEngine
	JQ   *GoJQEngine
}

// NewEngines creates all three engines.
func NewEngines() (*Engines, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &Engines{
		CEL:  celEngine,
		Expr: NewExprEngine(),
		JQ:   NewGoJQEngine(),
	}, nil
}

// For returns the engine for a language, or nil if unknown.
func (e *Engines) For(lang Language) Engine {
	switch lang {
	case LanguageCEL:
		return e.CEL
	case LanguageExpr:
		return e.Expr
	case LanguageJQ:
		return e.JQ
	default:
		return nil
	}
}

// Check compiles expression in the given language.
func (e *Engines) Check(lang Language, expression string) error {
	engine := e.For(lang)
	if engine == nil {
		return schema.NewErrorf(schema.ErrCodeUnsupported, "unknown expression language %q", lang)
	}
	return engine.Check(expression)
}
