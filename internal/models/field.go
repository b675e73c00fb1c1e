package models

import (
	"fmt"
	"strings"
	"time"
)

// FieldType is the inferred logical type of a discovered parameter.
type FieldType string

const (
	FieldTypeString  FieldType = "STRING"
	FieldTypeInteger FieldType = "INTEGER"
	FieldTypeBigint  FieldType = "BIGINT"
	FieldTypeFloat   FieldType = "FLOAT"
	FieldTypeBoolean FieldType = "BOOLEAN"
)

// ParseFieldType accepts the canonical names case-insensitively.
func ParseFieldType(s string) (FieldType, error) {
	switch t := FieldType(strings.ToUpper(strings.TrimSpace(s))); t {
	case FieldTypeString, FieldTypeInteger, FieldTypeBigint, FieldTypeFloat, FieldTypeBoolean:
		return t, nil
	default:
		return "", fmt.Errorf("unknown field type %q", s)
	}
}

// FieldDefinition is one entry of the virtual key registry.
type FieldDefinition struct {
	Name       string    `json:"name" db:"name"`
	ParentPath string    `json:"parent_field" db:"parent_field"`
	Type       FieldType `json:"field_type" db:"field_type"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// SchemaVectorEntry is a field description stored in the vector index.
type SchemaVectorEntry struct {
	ID          string    `json:"id"`
	Vector      []float32 `json:"-"`
	Name        string    `json:"name"`
	Type        string    `json:"type"`
	Description string    `json:"description"`
	ParentField string    `json:"parent_field"`
	Source      string    `json:"source"`
	FullText    string    `json:"full_text"`
}

// Field is one resolved warehouse field.
type Field struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// FieldMappingResult is the outcome of resolving a query to fields.
type FieldMappingResult struct {
	Fields      []Field `json:"fields"`
	Description string  `json:"description"`
}

// Names returns the field names in order.
func (r FieldMappingResult) Names() []string {
	out := make([]string, 0, len(r.Fields))
	for _, f := range r.Fields {
		out = append(out, f.Name)
	}
	return out
}

// Intent is the structured reading of a user question.
type Intent struct {
	Key         string           `json:"key"`
	Description string           `json:"description"`
	Parameters  IntentParameters `json:"parameters"`
}

// IntentParameters carries the fragments that need field resolution.
type IntentParameters struct {
	Target     string   `json:"target"`
	Conditions []string `json:"conditions"`
	TimeRange  string   `json:"time_range,omitempty"`
}
