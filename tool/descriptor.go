package tool

import (
	"reflect"
	"time"
)

// Constraint kinds accepted in descriptor schemas.
const (
	TypeString  = "string"
	TypeNumber  = "number"
	TypeInteger = "integer"
	TypeBoolean = "boolean"
	TypeArray   = "array"
	TypeObject  = "object"
	TypeAny     = "any"
)

var validTypes = map[string]struct{}{
	TypeString:  {},
	TypeNumber:  {},
	TypeInteger: {},
	TypeBoolean: {},
	TypeArray:   {},
	TypeObject:  {},
	TypeAny:     {},
}

// FieldSpec is a recursive constraint node. Arrays carry an Items spec,
// objects carry Properties, and Enum restricts a field to listed values.
type FieldSpec struct {
	Type        string               `json:"type"`
	Required    bool                 `json:"required,omitempty"`
	Description string               `json:"description,omitempty"`
	Enum        []any                `json:"enum,omitempty"`
	Items       *FieldSpec           `json:"items,omitempty"`
	Properties  map[string]FieldSpec `json:"properties,omitempty"`
}

// Descriptor describes one tool exposed by a server. (ServerID, Name) is the
// registry key; SchemaVersion increments on explicit overwrite.
type Descriptor struct {
	Name          string               `json:"name"`
	Description   string               `json:"description,omitempty"`
	ServerID      string               `json:"server_id"`
	SchemaVersion int                  `json:"schema_version"`
	Params        map[string]FieldSpec `json:"params,omitempty"`
	Cacheable     bool                 `json:"cacheable,omitempty"`
	RegisteredAt  time.Time            `json:"registered_at,omitempty"`
}

// Clone returns a deep copy so registry-held descriptors can never be mutated
// through a returned value.
func (d Descriptor) Clone() Descriptor {
	out := d
	out.Params = cloneFields(d.Params)
	return out
}

// SchemaEqual reports whether two descriptors declare the same constraint tree.
func SchemaEqual(a, b Descriptor) bool {
	return reflect.DeepEqual(a.Params, b.Params)
}

func cloneFields(fields map[string]FieldSpec) map[string]FieldSpec {
	if fields == nil {
		return nil
	}
	out := make(map[string]FieldSpec, len(fields))
	for name, spec := range fields {
		out[name] = cloneFieldSpec(spec)
	}
	return out
}

func cloneFieldSpec(spec FieldSpec) FieldSpec {
	out := spec
	if spec.Enum != nil {
		out.Enum = make([]any, len(spec.Enum))
		copy(out.Enum, spec.Enum)
	}
	if spec.Items != nil {
		items := cloneFieldSpec(*spec.Items)
		out.Items = &items
	}
	out.Properties = cloneFields(spec.Properties)
	return out
}

func isValidType(name string) bool {
	_, ok := validTypes[name]
	return ok
}
