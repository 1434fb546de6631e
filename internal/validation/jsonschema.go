package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rendis/pipekit/pkg/schema"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

const pipelineSchemaURL = "https://pipekit.dev/schemas/pipeline.json"

// pipelineSchemaJSON is the JSON Schema for a pipeline snapshot.
const pipelineSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://pipekit.dev/schemas/pipeline.json",
  "type": "object",
  "required": ["nodes"],
  "properties": {
    "id": { "type": "string" },
    "name": { "type": "string" },
    "nodes": {
      "type": "array",
      "items": { "$ref": "#/$defs/node" }
    },
    "edges": {
      "type": ["array", "null"],
      "items": { "$ref": "#/$defs/edge" }
    },
    "metadata": { "type": ["object", "null"] }
  },
  "$defs": {
    "node": {
      "type": "object",
      "required": ["id", "category", "subtype"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "category": { "enum": ["source", "transformation", "destination"] },
        "subtype": {
          "enum": ["database", "api", "file", "filter", "map", "aggregate", "sort", "join", "warehouse"]
        },
        "label": { "type": "string" },
        "config": { "type": ["object", "null"] },
        "position": {
          "type": "object",
          "properties": {
            "x": { "type": "number" },
            "y": { "type": "number" }
          }
        },
        "status": { "enum": ["", "idle", "running", "success", "error"] },
        "configured": { "type": "boolean" }
      }
    },
    "edge": {
      "type": "object",
      "required": ["source", "target"],
      "properties": {
        "id": { "type": "string" },
        "source": { "type": "string", "minLength": 1 },
        "target": { "type": "string", "minLength": 1 }
      }
    }
  }
}`

// structuralValidator validates snapshots against the pipeline JSON Schema.
// It is safe for concurrent use.
type structuralValidator struct {
	schema  *jsonschema.Schema
	printer *message.Printer
}

func newStructuralValidator() (*structuralValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(pipelineSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal pipeline schema: %w", err)
	}
	if err := c.AddResource(pipelineSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add pipeline schema resource: %w", err)
	}
	compiled, err := c.Compile(pipelineSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile pipeline schema: %w", err)
	}
	return &structuralValidator{schema: compiled, printer: message.NewPrinter(language.English)}, nil
}

// validate reports every schema violation with a dotted instance path.
func (v *structuralValidator) validate(p *schema.Pipeline) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	doc, err := toJSONValue(p)
	if err != nil {
		result.AddError("", schema.ErrCodeValidation, "failed to serialize pipeline: "+err.Error())
		return result
	}

	if err := v.schema.Validate(doc); err != nil {
		verr, ok := err.(*jsonschema.ValidationError)
		if !ok {
			result.AddError("", schema.ErrCodeValidation, err.Error())
			return result
		}
		v.collectViolations(verr, result)
	}
	return result
}

// collectViolations walks a ValidationError tree and records its leaves.
func (v *structuralValidator) collectViolations(verr *jsonschema.ValidationError, result *schema.ValidationResult) {
	if len(verr.Causes) == 0 {
		result.AddError(dottedPath(verr.InstanceLocation), schema.ErrCodeValidation,
			verr.ErrorKind.LocalizedString(v.printer))
		return
	}
	for _, cause := range verr.Causes {
		v.collectViolations(cause, result)
	}
}

// dottedPath renders ["nodes","0","config"] as "nodes[0].config".
func dottedPath(loc []string) string {
	var b strings.Builder
	for _, part := range loc {
		if isIndex(part) {
			b.WriteString("[" + part + "]")
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('.')
		}
		b.WriteString(part)
	}
	return b.String()
}

func isIndex(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}
