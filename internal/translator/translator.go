// Package translator turns a child server's tool definitions into the
// parameter surface the aggregator re-registers under a prefixed name.
//
// The interesting work is the JSON-Schema mapping: each property of the
// tool's object schema becomes one typed parameter, with required/optional
// status, defaults, and an "absent" sentinel for optional parameters without
// a default. Property names that are not clean identifiers are sanitized on
// the presented surface while the original spelling is restored when the
// outgoing tools/call arguments are assembled.
package translator

import (
	"fmt"
	"regexp"
	"sort"

	"mcpregistry/pkg/logging"

	"github.com/mark3labs/mcp-go/mcp"
)

// ParamType is the closed set of parameter types the surface supports.
type ParamType string

const (
	TypeString  ParamType = "string"
	TypeInteger ParamType = "integer"
	TypeNumber  ParamType = "number"
	TypeBoolean ParamType = "boolean"
	TypeObject  ParamType = "object"
	TypeArray   ParamType = "array"
	TypeNull    ParamType = "null"
)

// Param is one translated parameter.
type Param struct {
	// Name is the sanitized spelling presented on the aggregator surface.
	Name string
	// Original is the property name used in outgoing tools/call arguments.
	Original string
	Type     ParamType
	// Optional is true for properties not listed in required.
	Optional bool
	// HasDefault distinguishes an optional parameter with a schema default
	// from one whose absence is conveyed by omission.
	HasDefault  bool
	Default     any
	Description string
}

// Translated is the callable surface derived from one tool definition.
type Translated struct {
	// Name is the tool's original name, used verbatim in tools/call.
	Name        string
	Description string
	Params      []Param
}

var nonIdentifier = regexp.MustCompile(`[^a-zA-Z0-9_]`)

// SanitizeName rewrites a property name into a safe identifier: every
// non-alphanumeric rune becomes an underscore, and a leading digit gets an
// underscore prepended.
func SanitizeName(name string) string {
	s := nonIdentifier.ReplaceAllString(name, "_")
	if s == "" {
		return "_"
	}
	if s[0] >= '0' && s[0] <= '9' {
		s = "_" + s
	}
	return s
}

// Translate validates a tool definition and derives its parameter surface.
// A malformed definition (empty name, non-object schema, missing type) is
// refused; the caller logs and skips the tool without failing the mount.
func Translate(tool mcp.Tool) (*Translated, error) {
	if tool.Name == "" {
		return nil, fmt.Errorf("tool has no name")
	}
	if tool.InputSchema.Type != "object" {
		return nil, fmt.Errorf("tool %s: input schema type is %q, want object", tool.Name, tool.InputSchema.Type)
	}

	required := make(map[string]bool, len(tool.InputSchema.Required))
	for _, name := range tool.InputSchema.Required {
		required[name] = true
	}

	// Properties arrive as an unordered map; sort for a deterministic
	// surface.
	names := make([]string, 0, len(tool.InputSchema.Properties))
	for name := range tool.InputSchema.Properties {
		names = append(names, name)
	}
	sort.Strings(names)

	t := &Translated{
		Name:        tool.Name,
		Description: tool.Description,
	}

	for _, name := range names {
		sub, _ := tool.InputSchema.Properties[name].(map[string]any)
		p := Param{
			Name:     SanitizeName(name),
			Original: name,
			Type:     resolveType(tool.Name, name, sub),
			Optional: !required[name],
		}
		if sub != nil {
			if desc, ok := sub["description"].(string); ok {
				p.Description = desc
			}
			if def, ok := sub["default"]; ok && p.Optional {
				p.HasDefault = true
				p.Default = def
			}
		}
		t.Params = append(t.Params, p)
	}

	return t, nil
}

// resolveType maps a property's JSON-Schema type to the closed parameter
// set. Two-element unions with null collapse to the non-null member (the
// parameter is simply optional); wider unions take their first non-null
// member with a log line.
func resolveType(toolName, propName string, sub map[string]any) ParamType {
	if sub == nil {
		return TypeObject
	}

	switch typ := sub["type"].(type) {
	case string:
		return scalarType(typ)

	case []any:
		var nonNull []string
		sawNull := false
		for _, member := range typ {
			s, ok := member.(string)
			if !ok {
				continue
			}
			if s == "null" {
				sawNull = true
				continue
			}
			nonNull = append(nonNull, s)
		}
		if len(nonNull) == 0 {
			return TypeNull
		}
		if len(nonNull) > 1 || (len(nonNull) == 1 && !sawNull && len(typ) > 1) {
			logging.Debug("Translator", "Tool %s param %s has union type %v, using %q", toolName, propName, typ, nonNull[0])
		}
		return scalarType(nonNull[0])

	default:
		// Untyped property, accept anything.
		return TypeObject
	}
}

func scalarType(typ string) ParamType {
	switch typ {
	case "string":
		return TypeString
	case "integer":
		return TypeInteger
	case "number":
		return TypeNumber
	case "boolean":
		return TypeBoolean
	case "array":
		return TypeArray
	case "null":
		return TypeNull
	case "object":
		return TypeObject
	default:
		logging.Debug("Translator", "Unknown schema type %q, treating as object", typ)
		return TypeObject
	}
}

// InputSchema rebuilds the object schema presented on the aggregator for
// this tool, using sanitized parameter names.
func (t *Translated) InputSchema() mcp.ToolInputSchema {
	schema := mcp.ToolInputSchema{
		Type:       "object",
		Properties: make(map[string]any, len(t.Params)),
	}
	for _, p := range t.Params {
		prop := map[string]any{"type": string(p.Type)}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if p.HasDefault {
			prop["default"] = p.Default
		}
		schema.Properties[p.Name] = prop
		if !p.Optional {
			schema.Required = append(schema.Required, p.Name)
		}
	}
	return schema
}

// BuildArguments assembles the outgoing tools/call arguments from the raw
// arguments received on the aggregator surface. Sanitized names map back to
// the original spellings, schema defaults fill in for omitted optionals, and
// optionals without a default are simply left out.
func (t *Translated) BuildArguments(raw map[string]any) map[string]any {
	out := make(map[string]any, len(t.Params))
	for _, p := range t.Params {
		if v, ok := raw[p.Name]; ok {
			out[p.Original] = v
			continue
		}
		if p.HasDefault {
			out[p.Original] = p.Default
		}
	}
	return out
}
