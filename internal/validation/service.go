package validation

import (
	"context"

	"github.com/rendis/pipekit/pkg/schema"
)

// Service orchestrates the three-stage validation pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (ids, edge endpoints, invariants, node config)
// 3. DAG (cycles, reachability)
type Service struct {
	structural *structuralValidator
	configs    ConfigValidator
}

// NewService creates a Service. configs may be nil to skip node config checks.
func NewService(configs ConfigValidator) (*Service, error) {
	sv, err := newStructuralValidator()
	if err != nil {
		return nil, err
	}
	return &Service{structural: sv, configs: configs}, nil
}

// Validate runs all stages. Structural errors short-circuit the later stages.
// The DAG stage runs once the graph itself is sound, even if some node
// configs are invalid.
func (s *Service) Validate(ctx context.Context, p *schema.Pipeline) (*schema.ValidationResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, schema.NewError(schema.ErrCodeCancelled, "validation cancelled").WithCause(err)
	}
	if p == nil {
		r := &schema.ValidationResult{}
		r.AddError("", schema.ErrCodeValidation, "pipeline is nil")
		return r, nil
	}

	result := s.structural.validate(p)
	if !result.Valid() {
		return result, nil
	}

	semantic := validateSemantic(p)
	result.Merge(semantic)

	if semantic.Valid() {
		result.Merge(validateDAG(p))
	}
	if s.configs != nil {
		result.Merge(validateConfigs(p, s.configs))
	}
	return result, nil
}

var _ Validator = (*Service)(nil)
