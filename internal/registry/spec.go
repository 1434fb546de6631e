package registry

import (
	"github.com/rendis/pipekit/internal/expressions"
	"github.com/rendis/pipekit/pkg/schema"
)

// FieldType is the JSON type of a configuration field.
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeInteger FieldType = "integer"
	TypeNumber  FieldType = "number"
	TypeBoolean FieldType = "boolean"
	TypeArray   FieldType = "array"
	TypeObject  FieldType = "object"
)

// FieldSpec describes one configuration field of a node subtype.
type FieldSpec struct {
	Name     string    `json:"name"`
	Type     FieldType `json:"type"`
	Required bool      `json:"required,omitempty"`
	Enum     []string  `json:"enum,omitempty"`
	Format   string    `json:"format,omitempty"`
	MinItems int       `json:"min_items,omitempty"`
	// Expression marks string fields (or the values of object fields) that
	// hold expressions in the named language.
	Expression  expressions.Language `json:"expression,omitempty"`
	Description string               `json:"description,omitempty"`
}

// NodeSpec describes a node subtype: its palette label and its config shape.
type NodeSpec struct {
	Category    schema.Category `json:"category"`
	Subtype     schema.Subtype  `json:"subtype"`
	Label       string          `json:"label"`
	Description string          `json:"description,omitempty"`
	Fields      []FieldSpec     `json:"fields"`
	// AnyOf lists alternative groups of fields; at least one group must be fully present.
	AnyOf [][]string `json:"any_of,omitempty"`
}

// Field returns the named field spec.
func (s *NodeSpec) Field(name string) (FieldSpec, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldSpec{}, false
}

var fileFormats = []string{"csv", "json", "jsonl", "parquet"}

// DefaultSpecs returns the built-in node catalog.
func DefaultSpecs() []NodeSpec {
	return []NodeSpec{
		{
			Category: schema.CategorySource, Subtype: schema.SubtypeDatabase,
			Label:       "Database Source",
			Description: "Reads rows from a table or query on a registered connector.",
			Fields: []FieldSpec{
				{Name: "connector_id", Type: TypeString, Required: true, Description: "Registered connector id."},
				{Name: "table", Type: TypeString, Description: "Table to read."},
				{Name: "query", Type: TypeString, Description: "SQL query to run instead of a table scan."},
			},
			AnyOf: [][]string{{"table"}, {"query"}},
		},
		{
			Category: schema.CategorySource, Subtype: schema.SubtypeAPI,
			Label:       "API Source",
			Description: "Fetches records from an HTTP endpoint returning JSON.",
			Fields: []FieldSpec{
				{Name: "url", Type: TypeString, Required: true, Format: "uri"},
				{Name: "method", Type: TypeString, Required: true, Enum: []string{"GET", "POST", "PUT", "PATCH", "DELETE"}},
				{Name: "limit", Type: TypeInteger, Description: "Maximum records to read."},
				{Name: "headers", Type: TypeObject},
			},
		},
		{
			Category: schema.CategorySource, Subtype: schema.SubtypeFile,
			Label:       "File Source",
			Description: "Reads a local file.",
			Fields: []FieldSpec{
				{Name: "path", Type: TypeString, Required: true},
				{Name: "format", Type: TypeString, Required: true, Enum: fileFormats},
				{Name: "delimiter", Type: TypeString, Description: "CSV field delimiter, defaults to comma."},
			},
		},
		{
			Category: schema.CategoryTransformation, Subtype: schema.SubtypeFilter,
			Label:       "Filter",
			Description: "Keeps rows for which the condition holds.",
			Fields: []FieldSpec{
				{Name: "condition", Type: TypeString, Required: true, Expression: expressions.LanguageCEL,
					Description: "CEL condition over row, e.g. row.total > 10."},
			},
		},
		{
			Category: schema.CategoryTransformation, Subtype: schema.SubtypeMap,
			Label:       "Map",
			Description: "Computes output fields from each row.",
			Fields: []FieldSpec{
				{Name: "mappings", Type: TypeObject, Required: true, Expression: expressions.LanguageJQ,
					Description: "Output field to jq expression evaluated against the row."},
			},
		},
		{
			Category: schema.CategoryTransformation, Subtype: schema.SubtypeAggregate,
			Label:       "Aggregate",
			Description: "Groups rows and reduces each group.",
			Fields: []FieldSpec{
				{Name: "group_by", Type: TypeArray, Required: true, MinItems: 1},
				{Name: "aggregations", Type: TypeObject, Required: true, Expression: expressions.LanguageExpr,
					Description: "Output field to expr expression over rows, e.g. sum(map(rows, .amount))."},
			},
		},
		{
			Category: schema.CategoryTransformation, Subtype: schema.SubtypeSort,
			Label: "Sort",
			Fields: []FieldSpec{
				{Name: "field", Type: TypeString, Required: true},
				{Name: "order", Type: TypeString, Required: true, Enum: []string{"asc", "desc"}},
			},
		},
		{
			Category: schema.CategoryTransformation, Subtype: schema.SubtypeJoin,
			Label:       "Join",
			Description: "Joins the rows of two inputs on a key.",
			Fields: []FieldSpec{
				{Name: "key", Type: TypeString, Required: true},
				{Name: "join_type", Type: TypeString, Required: true, Enum: []string{"inner", "left", "right", "full"}},
			},
		},
		{
			Category: schema.CategoryDestination, Subtype: schema.SubtypeDatabase,
			Label: "Database Destination",
			Fields: []FieldSpec{
				{Name: "connector_id", Type: TypeString, Required: true},
				{Name: "table", Type: TypeString, Required: true},
				{Name: "write_mode", Type: TypeString, Required: true, Enum: []string{"append", "overwrite", "upsert"}},
				{Name: "batch_size", Type: TypeInteger},
			},
		},
		{
			Category: schema.CategoryDestination, Subtype: schema.SubtypeFile,
			Label: "File Destination",
			Fields: []FieldSpec{
				{Name: "path", Type: TypeString, Required: true},
				{Name: "format", Type: TypeString, Required: true, Enum: fileFormats},
			},
		},
		{
			Category: schema.CategoryDestination, Subtype: schema.SubtypeAPI,
			Label: "API Destination",
			Fields: []FieldSpec{
				{Name: "url", Type: TypeString, Required: true, Format: "uri"},
				{Name: "method", Type: TypeString, Required: true, Enum: []string{"POST", "PUT", "PATCH"}},
			},
		},
		{
			Category: schema.CategoryDestination, Subtype: schema.SubtypeWarehouse,
			Label: "Data Warehouse",
			Fields: []FieldSpec{
				{Name: "connector_id", Type: TypeString, Required: true},
				{Name: "schema", Type: TypeString, Required: true},
				{Name: "table", Type: TypeString, Required: true},
			},
		},
	}
}
