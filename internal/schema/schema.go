// Package schema validates LLM JSON payloads against declared analyzer output
// schemas and coerces them into model.AnalyzerOutput values.
package schema

import (
	"strings"

	"github.com/rotisserie/eris"
)

// FieldType is the declared type of a schema field.
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeNumber  FieldType = "number"
	TypeInteger FieldType = "integer"
	TypeBoolean FieldType = "boolean"
	TypeEnum    FieldType = "enum"
	TypeDate    FieldType = "date"
	TypeList    FieldType = "list"
	TypeObject  FieldType = "object"
)

// Reserved top-level keys every analyzer payload carries.
const (
	KeyConfidence = "confidence"
	KeyRisks      = "risks"
)

// Field declares one field of an analyzer output. Optional fields are
// implicitly nullable; required fields accept null only when Nullable is set.
type Field struct {
	Name        string    `yaml:"name"`
	Type        FieldType `yaml:"type"`
	Description string    `yaml:"description,omitempty"`
	Required    bool      `yaml:"required,omitempty"`
	Nullable    bool      `yaml:"nullable,omitempty"`
	Values      []string  `yaml:"values,omitempty"`
	Items       *Field    `yaml:"items,omitempty"`
	Fields      []Field   `yaml:"fields,omitempty"`
}

func (f Field) allowsNull() bool {
	return f.Nullable || !f.Required
}

// Schema is the declared output shape of one analyzer node.
type Schema struct {
	ID     string  `yaml:"id"`
	Fields []Field `yaml:"fields"`
}

// Check verifies the schema declaration itself: known types, enum values,
// unique names and no use of the reserved keys.
func (s *Schema) Check() error {
	if s == nil {
		return eris.New("schema: nil schema")
	}
	if s.ID == "" {
		return eris.New("schema: schema with empty id")
	}
	for _, f := range s.Fields {
		if f.Name == KeyConfidence || f.Name == KeyRisks {
			return eris.Errorf("schema: %s: field %q is reserved", s.ID, f.Name)
		}
	}
	return checkFields(s.ID, "", s.Fields)
}

func checkFields(schemaID, prefix string, fields []Field) error {
	seen := make(map[string]bool, len(fields))
	for _, f := range fields {
		path := joinPath(prefix, f.Name)
		if f.Name == "" {
			return eris.Errorf("schema: %s: field with empty name under %q", schemaID, prefix)
		}
		if seen[f.Name] {
			return eris.Errorf("schema: %s: duplicate field %q", schemaID, path)
		}
		seen[f.Name] = true
		if err := checkField(schemaID, path, f); err != nil {
			return err
		}
	}
	return nil
}

func checkField(schemaID, path string, f Field) error {
	switch f.Type {
	case TypeString, TypeNumber, TypeInteger, TypeBoolean, TypeDate:
		return nil
	case TypeEnum:
		if len(f.Values) == 0 {
			return eris.Errorf("schema: %s: enum %q declares no values", schemaID, path)
		}
		return nil
	case TypeList:
		if f.Items == nil {
			return nil
		}
		return checkField(schemaID, path+"[]", *f.Items)
	case TypeObject:
		return checkFields(schemaID, path, f.Fields)
	default:
		return eris.Errorf("schema: %s: field %q has unknown type %q", schemaID, path, f.Type)
	}
}

func joinPath(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

func enumContains(values []string, v string) bool {
	for _, allowed := range values {
		if strings.EqualFold(strings.TrimSpace(allowed), v) {
			return true
		}
	}
	return false
}
