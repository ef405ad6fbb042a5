package tool

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"slices"
	"strings"
)

// Diagnostic is one validation finding. Field uses dot/bracket paths so a
// caller can point at the exact violating value.
type Diagnostic struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (d Diagnostic) String() string {
	return d.Field + ": " + d.Reason
}

// ValidateSchema checks a constraint tree structurally: every node must use a
// known type and array nodes must declare items.
func ValidateSchema(fields map[string]FieldSpec) []Diagnostic {
	diags := make([]Diagnostic, 0)
	for _, name := range sortedFieldNames(fields) {
		validateSpecNode(name, fields[name], &diags)
	}
	return diags
}

func validateSpecNode(path string, spec FieldSpec, diags *[]Diagnostic) {
	if !isValidType(spec.Type) {
		*diags = append(*diags, Diagnostic{
			Field:  path,
			Reason: fmt.Sprintf("unsupported type %q; allowed: string, number, integer, boolean, array, object, any", spec.Type),
		})
		return
	}
	if spec.Type == TypeArray {
		if spec.Items == nil {
			*diags = append(*diags, Diagnostic{Field: path + ".items", Reason: "items is required when type is array"})
			return
		}
		validateSpecNode(path+".items", *spec.Items, diags)
	}
	for _, name := range sortedFieldNames(spec.Properties) {
		validateSpecNode(path+"."+name, spec.Properties[name], diags)
	}
}

// ValidateParams checks params against a descriptor's constraint tree and
// returns every violation, not just the first.
func ValidateParams(desc Descriptor, params map[string]any) []Diagnostic {
	diags := make([]Diagnostic, 0)
	validateObject("", desc.Params, params, &diags)
	return diags
}

func validateObject(prefix string, fields map[string]FieldSpec, values map[string]any, diags *[]Diagnostic) {
	for _, name := range sortedFieldNames(fields) {
		spec := fields[name]
		path := name
		if prefix != "" {
			path = prefix + "." + name
		}
		value, present := values[name]
		if !present {
			if spec.Required {
				*diags = append(*diags, Diagnostic{Field: path, Reason: "required field is missing"})
			}
			continue
		}
		validateValue(path, spec, value, diags)
	}
}

func validateValue(path string, spec FieldSpec, value any, diags *[]Diagnostic) {
	if value == nil {
		if spec.Required {
			*diags = append(*diags, Diagnostic{Field: path, Reason: "required field is null"})
		}
		return
	}

	switch spec.Type {
	case TypeAny:
		// No constraint beyond presence.
	case TypeString:
		if _, ok := value.(string); !ok {
			*diags = append(*diags, typeMismatch(path, TypeString, value))
			return
		}
	case TypeBoolean:
		if _, ok := value.(bool); !ok {
			*diags = append(*diags, typeMismatch(path, TypeBoolean, value))
			return
		}
	case TypeNumber:
		if _, ok := asFloat(value); !ok {
			*diags = append(*diags, typeMismatch(path, TypeNumber, value))
			return
		}
	case TypeInteger:
		f, ok := asFloat(value)
		if !ok || f != math.Trunc(f) {
			*diags = append(*diags, typeMismatch(path, TypeInteger, value))
			return
		}
	case TypeArray:
		items, ok := value.([]any)
		if !ok {
			*diags = append(*diags, typeMismatch(path, TypeArray, value))
			return
		}
		if spec.Items != nil {
			for i, item := range items {
				validateValue(fmt.Sprintf("%s[%d]", path, i), *spec.Items, item, diags)
			}
		}
	case TypeObject:
		obj, ok := value.(map[string]any)
		if !ok {
			*diags = append(*diags, typeMismatch(path, TypeObject, value))
			return
		}
		validateObject(path, spec.Properties, obj, diags)
	default:
		*diags = append(*diags, Diagnostic{Field: path, Reason: fmt.Sprintf("descriptor declares unsupported type %q", spec.Type)})
		return
	}

	if len(spec.Enum) > 0 && !enumContains(spec.Enum, value) {
		*diags = append(*diags, Diagnostic{
			Field:  path,
			Reason: fmt.Sprintf("value %v is not one of the allowed values %v", value, spec.Enum),
		})
	}
}

func typeMismatch(path, want string, got any) Diagnostic {
	return Diagnostic{Field: path, Reason: fmt.Sprintf("expected %s, got %T", want, got)}
}

// asFloat accepts the numeric shapes a decoded JSON payload can carry.
func asFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func enumContains(allowed []any, value any) bool {
	for _, candidate := range allowed {
		if reflect.DeepEqual(candidate, value) {
			return true
		}
		// Numeric enums compare by value so 2 matches 2.0 after JSON decoding.
		cf, cok := asFloat(candidate)
		vf, vok := asFloat(value)
		if cok && vok && cf == vf {
			return true
		}
	}
	return false
}

// DiagnosticDetails shapes diagnostics for an envelope's details map.
func DiagnosticDetails(diags []Diagnostic) map[string]any {
	violations := make([]map[string]any, 0, len(diags))
	fields := make([]string, 0, len(diags))
	for _, d := range diags {
		violations = append(violations, map[string]any{"field": d.Field, "reason": d.Reason})
		fields = append(fields, d.Field)
	}
	return map[string]any{
		"violations": violations,
		"fields":     strings.Join(fields, ","),
	}
}

func sortedFieldNames(fields map[string]FieldSpec) []string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
