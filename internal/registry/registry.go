// Package registry holds the node catalog: the subtypes each category offers
// and the configuration each subtype requires.
package registry

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/rendis/pipekit/internal/expressions"
	"github.com/rendis/pipekit/pkg/schema"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/santhosh-tekuri/jsonschema/v6/kind"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// ExpressionChecker compile-checks expression fields.
type ExpressionChecker interface {
	Check(lang expressions.Language, expression string) error
}

type specKey struct {
	category schema.Category
	subtype  schema.Subtype
}

// Registry validates node configuration against compiled node specs.
// It is immutable after construction and safe for concurrent use.
type Registry struct {
	order   []specKey
	specs   map[specKey]*NodeSpec
	schemas map[specKey]*jsonschema.Schema
	checker ExpressionChecker
	printer *message.Printer
}

// New compiles specs into JSON Schemas. checker may be nil to skip
// expression checks.
func New(specs []NodeSpec, checker ExpressionChecker) (*Registry, error) {
	r := &Registry{
		specs:   make(map[specKey]*NodeSpec, len(specs)),
		schemas: make(map[specKey]*jsonschema.Schema, len(specs)),
		checker: checker,
		printer: message.NewPrinter(language.English),
	}

	c := jsonschema.NewCompiler()
	c.AssertFormat()

	for i := range specs {
		spec := specs[i]
		if !spec.Category.Allows(spec.Subtype) {
			return nil, fmt.Errorf("spec %s/%s: subtype not allowed in category", spec.Category, spec.Subtype)
		}
		key := specKey{spec.Category, spec.Subtype}
		if _, dup := r.specs[key]; dup {
			return nil, fmt.Errorf("spec %s/%s registered twice", spec.Category, spec.Subtype)
		}

		raw, err := json.Marshal(configSchema(&spec))
		if err != nil {
			return nil, fmt.Errorf("marshal schema for %s/%s: %w", spec.Category, spec.Subtype, err)
		}
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
		if err != nil {
			return nil, fmt.Errorf("unmarshal schema for %s/%s: %w", spec.Category, spec.Subtype, err)
		}
		url := fmt.Sprintf("https://pipekit.dev/schemas/nodes/%s/%s.json", spec.Category, spec.Subtype)
		if err := c.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("add schema resource %s: %w", url, err)
		}
		compiled, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", url, err)
		}

		r.order = append(r.order, key)
		r.specs[key] = &spec
		r.schemas[key] = compiled
	}
	return r, nil
}

// Default returns a registry with the built-in catalog and all three
// expression engines.
func Default() (*Registry, error) {
	engines, err := expressions.NewEngines()
	if err != nil {
		return nil, err
	}
	return New(DefaultSpecs(), engines)
}

// Lookup returns the spec for a category/subtype pair.
func (r *Registry) Lookup(category schema.Category, subtype schema.Subtype) (*NodeSpec, bool) {
	s, ok := r.specs[specKey{category, subtype}]
	return s, ok
}

// Specs returns every registered spec in palette order.
func (r *Registry) Specs() []NodeSpec {
	out := make([]NodeSpec, 0, len(r.order))
	for _, k := range r.order {
		out = append(out, *r.specs[k])
	}
	return out
}

// Label returns the palette label for a subtype, or the subtype name.
func (r *Registry) Label(category schema.Category, subtype schema.Subtype) string {
	if s, ok := r.Lookup(category, subtype); ok && s.Label != "" {
		return s.Label
	}
	return string(subtype)
}

// Validate checks config against the subtype's spec. Issue paths are
// "config.<field>". Unknown fields produce warnings only.
func (r *Registry) Validate(category schema.Category, subtype schema.Subtype, config map[string]any) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	key := specKey{category, subtype}
	spec, ok := r.specs[key]
	if !ok {
		result.AddError("config", schema.ErrCodeValidation,
			fmt.Sprintf("no configuration spec for %s/%s", category, subtype))
		return result
	}
	if config == nil {
		config = map[string]any{}
	}

	doc, err := toJSONValue(config)
	if err != nil {
		result.AddError("config", schema.ErrCodeValidation, "config is not JSON-serializable: "+err.Error())
		return result
	}
	if err := r.schemas[key].Validate(doc); err != nil {
		r.addViolations(result, spec, err)
	}

	unknown := make([]string, 0)
	for name := range config {
		if _, known := spec.Field(name); !known {
			unknown = append(unknown, name)
		}
	}
	sort.Strings(unknown)
	for _, name := range unknown {
		result.AddWarning("config."+name, schema.ErrCodeValidation,
			fmt.Sprintf("unknown field %q for %s/%s", name, category, subtype))
	}

	if r.checker != nil {
		r.checkExpressions(result, spec, config)
	}
	return result
}

// IsConfigured reports whether node carries a non-empty config that passes
// validation.
func (r *Registry) IsConfigured(node *schema.Node) bool {
	if node == nil || len(node.Config) == 0 {
		return false
	}
	return r.Validate(node.Category, node.Subtype, node.Config).Valid()
}

func (r *Registry) checkExpressions(result *schema.ValidationResult, spec *NodeSpec, config map[string]any) {
	for _, f := range spec.Fields {
		if f.Expression == "" {
			continue
		}
		switch v := config[f.Name].(type) {
		case string:
			if err := r.checker.Check(f.Expression, v); err != nil {
				result.AddError("config."+f.Name, schema.ErrCodeInvalidExpression, errorMessage(err))
			}
		case map[string]any:
			names := make([]string, 0, len(v))
			for name := range v {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				path := "config." + f.Name + "." + name
				expr, ok := v[name].(string)
				if !ok {
					continue // reported by the schema
				}
				if err := r.checker.Check(f.Expression, expr); err != nil {
					result.AddError(path, schema.ErrCodeInvalidExpression, errorMessage(err))
				}
			}
		}
	}
}

// addViolations walks the jsonschema error tree and records its leaves.
func (r *Registry) addViolations(result *schema.ValidationResult, spec *NodeSpec, err error) {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		result.AddError("config", schema.ErrCodeValidation, err.Error())
		return
	}
	r.walk(result, spec, verr)
}

func (r *Registry) walk(result *schema.ValidationResult, spec *NodeSpec, verr *jsonschema.ValidationError) {
	switch k := verr.ErrorKind.(type) {
	case *kind.Required:
		for _, missing := range k.Missing {
			result.AddError(instancePath(verr.InstanceLocation, missing), schema.ErrCodeValidation,
				fmt.Sprintf("missing required field %q", missing))
		}
		return
	case *kind.AnyOf:
		result.AddError("config", schema.ErrCodeValidation,
			"requires one of: "+describeAnyOf(spec.AnyOf))
		return
	}

	if len(verr.Causes) == 0 {
		result.AddError(instancePath(verr.InstanceLocation, ""), schema.ErrCodeValidation,
			verr.ErrorKind.LocalizedString(r.printer))
		return
	}
	for _, cause := range verr.Causes {
		r.walk(result, spec, cause)
	}
}

func instancePath(loc []string, leaf string) string {
	parts := append([]string{"config"}, loc...)
	if leaf != "" {
		parts = append(parts, leaf)
	}
	return strings.Join(parts, ".")
}

func describeAnyOf(groups [][]string) string {
	alts := make([]string, len(groups))
	for i, g := range groups {
		alts[i] = strings.Join(g, " + ")
	}
	return strings.Join(alts, " | ")
}

func errorMessage(err error) string {
	if pe, ok := err.(*schema.PipelineError); ok {
		return pe.Message
	}
	return err.Error()
}

// configSchema renders a spec as a draft 2020-12 JSON Schema document.
func configSchema(spec *NodeSpec) map[string]any {
	props := make(map[string]any, len(spec.Fields))
	required := make([]string, 0)
	for _, f := range spec.Fields {
		prop := map[string]any{"type": string(f.Type)}
		if f.Description != "" {
			prop["description"] = f.Description
		}
		if len(f.Enum) > 0 {
			prop["enum"] = f.Enum
		}
		if f.Format != "" {
			prop["format"] = f.Format
		}
		if f.Type == TypeString && f.Required {
			prop["minLength"] = 1
		}
		if f.Type == TypeArray {
			prop["items"] = map[string]any{"type": "string"}
			if f.MinItems > 0 {
				prop["minItems"] = f.MinItems
			}
		}
		if f.Type == TypeObject && f.Expression != "" {
			prop["minProperties"] = 1
			prop["additionalProperties"] = map[string]any{"type": "string", "minLength": 1}
		}
		props[f.Name] = prop
		if f.Required {
			required = append(required, f.Name)
		}
	}

	doc := map[string]any{
		"$schema":    "https://json-schema.org/draft/2020-12/schema",
		"type":       "object",
		"properties": props,
		"required":   required,
	}
	if len(spec.AnyOf) > 0 {
		alts := make([]any, len(spec.AnyOf))
		for i, group := range spec.AnyOf {
			// Presence alone is not enough: an empty string names nothing.
			nonEmpty := map[string]any{}
			for _, name := range group {
				if f, ok := spec.Field(name); ok && f.Type == TypeString {
					nonEmpty[name] = map[string]any{"minLength": 1}
				}
			}
			alts[i] = map[string]any{"required": group, "properties": nonEmpty}
		}
		doc["anyOf"] = alts
	}
	return doc
}

// toJSONValue round-trips a Go value through JSON so numbers become
// json.Number, as the jsonschema library expects.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}
