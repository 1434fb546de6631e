package validation

import (
	"context"

	"github.com/rendis/pipekit/pkg/schema"
)

// Validator checks a pipeline snapshot before it is saved or run.
type Validator interface {
	Validate(ctx context.Context, p *schema.Pipeline) (*schema.ValidationResult, error)
}

// ConfigValidator checks one node's configuration. Satisfied by *registry.Registry.
type ConfigValidator interface {
	Validate(category schema.Category, subtype schema.Subtype, config map[string]any) *schema.ValidationResult
}
