package tool

import (
	"fmt"
	"strings"
)

// WireDescriptor is the tool-list entry shape exchanged with peers.
// ParametersSchema stays untyped on the wire so one malformed entry can be
// skipped without aborting the batch.
type WireDescriptor struct {
	Name             string         `json:"name"`
	Description      string         `json:"description,omitempty"`
	ParametersSchema map[string]any `json:"parameters-schema,omitempty"`
	SchemaVersion    int            `json:"schema_version,omitempty"`
	Cacheable        bool           `json:"cacheable,omitempty"`
}

// ToWire converts a descriptor into its wire representation.
func ToWire(desc Descriptor) WireDescriptor {
	return WireDescriptor{
		Name:             desc.Name,
		Description:      desc.Description,
		ParametersSchema: fieldsToWire(desc.Params),
		SchemaVersion:    desc.SchemaVersion,
		Cacheable:        desc.Cacheable,
	}
}

// FromWire converts one discovered tool-list entry into a descriptor,
// rejecting entries with missing names or unmappable schemas.
func FromWire(serverID string, entry WireDescriptor) (Descriptor, error) {
	name := strings.TrimSpace(entry.Name)
	if name == "" {
		return Descriptor{}, fmt.Errorf("tool: discovered entry has no name")
	}
	params, err := wireToFields("", entry.ParametersSchema)
	if err != nil {
		return Descriptor{}, fmt.Errorf("tool %q: %w", name, err)
	}
	return Descriptor{
		Name:          name,
		Description:   strings.TrimSpace(entry.Description),
		ServerID:      serverID,
		SchemaVersion: entry.SchemaVersion,
		Params:        params,
		Cacheable:     entry.Cacheable,
	}, nil
}

func fieldsToWire(fields map[string]FieldSpec) map[string]any {
	if len(fields) == 0 {
		return nil
	}
	out := make(map[string]any, len(fields))
	for name, spec := range fields {
		out[name] = specToWire(spec)
	}
	return out
}

func specToWire(spec FieldSpec) map[string]any {
	node := map[string]any{"type": spec.Type}
	if spec.Required {
		node["required"] = true
	}
	if spec.Description != "" {
		node["description"] = spec.Description
	}
	if len(spec.Enum) > 0 {
		node["enum"] = spec.Enum
	}
	if spec.Items != nil {
		node["items"] = specToWire(*spec.Items)
	}
	if len(spec.Properties) > 0 {
		node["properties"] = fieldsToWire(spec.Properties)
	}
	return node
}

func wireToFields(path string, raw map[string]any) (map[string]FieldSpec, error) {
	if len(raw) == 0 {
		return map[string]FieldSpec{}, nil
	}
	out := make(map[string]FieldSpec, len(raw))
	for name, value := range raw {
		node, ok := value.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("schema field %q is not an object", joinPath(path, name))
		}
		spec, err := wireToSpec(joinPath(path, name), node)
		if err != nil {
			return nil, err
		}
		out[name] = spec
	}
	return out, nil
}

func wireToSpec(path string, node map[string]any) (FieldSpec, error) {
	typeName, _ := node["type"].(string)
	typeName = strings.TrimSpace(typeName)
	if typeName == "" {
		typeName = TypeAny
	}
	if !isValidType(typeName) {
		return FieldSpec{}, fmt.Errorf("schema field %q has unsupported type %q", path, typeName)
	}

	spec := FieldSpec{Type: typeName}
	if required, ok := node["required"].(bool); ok {
		spec.Required = required
	}
	if description, ok := node["description"].(string); ok {
		spec.Description = description
	}
	if enum, ok := node["enum"].([]any); ok {
		spec.Enum = enum
	}

	if items, ok := node["items"]; ok {
		itemNode, ok := items.(map[string]any)
		if !ok {
			return FieldSpec{}, fmt.Errorf("schema field %q has non-object items", path)
		}
		itemSpec, err := wireToSpec(path+".items", itemNode)
		if err != nil {
			return FieldSpec{}, err
		}
		spec.Items = &itemSpec
	}
	if typeName == TypeArray && spec.Items == nil {
		return FieldSpec{}, fmt.Errorf("schema field %q is an array without items", path)
	}

	if props, ok := node["properties"]; ok {
		propNode, ok := props.(map[string]any)
		if !ok {
			return FieldSpec{}, fmt.Errorf("schema field %q has non-object properties", path)
		}
		children, err := wireToFields(path, propNode)
		if err != nil {
			return FieldSpec{}, err
		}
		spec.Properties = children
	}
	return spec, nil
}

func joinPath(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}
