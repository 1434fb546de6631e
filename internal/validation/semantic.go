package validation

import (
	"fmt"

	"github.com/rendis/pipekit/pkg/schema"
)

// validateSemantic checks what the JSON Schema cannot: identity, edge
// endpoints, the structural invariants and category coverage.
func validateSemantic(p *schema.Pipeline) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	nodes := make(map[string]*schema.Node, len(p.Nodes))
	var sources, destinations int
	for i := range p.Nodes {
		n := &p.Nodes[i]
		path := fmt.Sprintf("nodes[%d]", i)

		if _, dup := nodes[n.ID]; dup {
			result.AddError(path+".id", schema.ErrCodeConflict, fmt.Sprintf("duplicate node id %q", n.ID))
			continue
		}
		nodes[n.ID] = n

		if !n.Category.Allows(n.Subtype) {
			result.AddError(path+".subtype", schema.ErrCodeValidation,
				fmt.Sprintf("subtype %q is not valid for category %q", n.Subtype, n.Category))
			continue
		}

		switch n.Category {
		case schema.CategorySource:
			sources++
		case schema.CategoryDestination:
			destinations++
		}
	}

	if sources == 0 {
		result.AddError("nodes", schema.ErrCodeValidation, "pipeline needs at least one source node")
	}
	if destinations == 0 {
		result.AddError("nodes", schema.ErrCodeValidation, "pipeline needs at least one destination node")
	}

	pairs := make(map[string]bool, len(p.Edges))
	for i, e := range p.Edges {
		path := fmt.Sprintf("edges[%d]", i)
		src, srcOK := nodes[e.Source]
		tgt, tgtOK := nodes[e.Target]

		switch {
		case !srcOK:
			result.AddError(path+".source", schema.ErrCodeValidation, fmt.Sprintf("references non-existent node %q", e.Source))
		case !tgtOK:
			result.AddError(path+".target", schema.ErrCodeValidation, fmt.Sprintf("references non-existent node %q", e.Target))
		case e.Source == e.Target:
			result.AddError(path, schema.ErrCodeConnectionRejected, fmt.Sprintf("node %q connects to itself", e.Source))
		case tgt.Category == schema.CategorySource:
			result.AddError(path+".target", schema.ErrCodeConnectionRejected,
				fmt.Sprintf("source node %q cannot receive incoming edges", e.Target))
		case src.Category == schema.CategoryDestination:
			result.AddError(path+".source", schema.ErrCodeConnectionRejected,
				fmt.Sprintf("destination node %q cannot emit outgoing edges", e.Source))
		default:
			key := schema.EdgeID(e.Source, e.Target)
			if pairs[key] {
				result.AddError(path, schema.ErrCodeConnectionRejected,
					fmt.Sprintf("duplicate edge %s -> %s", e.Source, e.Target))
				continue
			}
			pairs[key] = true
			if e.ID != "" && e.ID != key {
				result.AddWarning(path+".id", schema.ErrCodeValidation,
					fmt.Sprintf("edge id %q will be normalized to %q", e.ID, key))
			}
		}
	}

	return result
}

// validateConfigs checks every node's config against the registry. Issue
// paths look like nodes[2].config.condition.
func validateConfigs(p *schema.Pipeline, configs ConfigValidator) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	for i, n := range p.Nodes {
		if !n.Category.Allows(n.Subtype) {
			continue
		}
		result.Merge(configs.Validate(n.Category, n.Subtype, n.Config).Prefix(fmt.Sprintf("nodes[%d]", i)))
	}
	return result
}
