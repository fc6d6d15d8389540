package translator

import (
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func objectSchema(properties map[string]any, required ...string) mcp.ToolInputSchema {
	return mcp.ToolInputSchema{
		Type:       "object",
		Properties: properties,
		Required:   required,
	}
}

func paramByName(t *testing.T, tr *Translated, name string) Param {
	t.Helper()
	for _, p := range tr.Params {
		if p.Name == name {
			return p
		}
	}
	t.Fatalf("param %s not found", name)
	return Param{}
}

func TestTranslateBasicTypes(t *testing.T) {
	tool := mcp.Tool{
		Name:        "read_query",
		Description: "Run a SELECT",
		InputSchema: objectSchema(map[string]any{
			"query":   map[string]any{"type": "string", "description": "SQL to run"},
			"limit":   map[string]any{"type": "integer"},
			"ratio":   map[string]any{"type": "number"},
			"dry_run": map[string]any{"type": "boolean"},
			"filters": map[string]any{"type": "object"},
			"columns": map[string]any{"type": "array"},
		}, "query"),
	}

	tr, err := Translate(tool)
	require.NoError(t, err)
	assert.Equal(t, "read_query", tr.Name)
	assert.Equal(t, "Run a SELECT", tr.Description)
	require.Len(t, tr.Params, 6)

	query := paramByName(t, tr, "query")
	assert.Equal(t, TypeString, query.Type)
	assert.False(t, query.Optional)
	assert.Equal(t, "SQL to run", query.Description)

	assert.Equal(t, TypeInteger, paramByName(t, tr, "limit").Type)
	assert.Equal(t, TypeNumber, paramByName(t, tr, "ratio").Type)
	assert.Equal(t, TypeBoolean, paramByName(t, tr, "dry_run").Type)
	assert.Equal(t, TypeObject, paramByName(t, tr, "filters").Type)
	assert.Equal(t, TypeArray, paramByName(t, tr, "columns").Type)
	assert.True(t, paramByName(t, tr, "limit").Optional)
}

func TestTranslateNullUnionBecomesOptionalBase(t *testing.T) {
	tool := mcp.Tool{
		Name: "search",
		InputSchema: objectSchema(map[string]any{
			"cursor": map[string]any{"type": []any{"string", "null"}},
			"multi":  map[string]any{"type": []any{"integer", "string", "null"}},
			"void":   map[string]any{"type": []any{"null"}},
		}),
	}

	tr, err := Translate(tool)
	require.NoError(t, err)

	assert.Equal(t, TypeString, paramByName(t, tr, "cursor").Type)
	// Wider unions collapse to the first non-null member.
	assert.Equal(t, TypeInteger, paramByName(t, tr, "multi").Type)
	assert.Equal(t, TypeNull, paramByName(t, tr, "void").Type)
}

func TestTranslateDefaults(t *testing.T) {
	tool := mcp.Tool{
		Name: "list_tables",
		InputSchema: objectSchema(map[string]any{
			"schema":  map[string]any{"type": "string", "default": "public"},
			"verbose": map[string]any{"type": "boolean"},
		}),
	}

	tr, err := Translate(tool)
	require.NoError(t, err)

	schema := paramByName(t, tr, "schema")
	assert.True(t, schema.HasDefault)
	assert.Equal(t, "public", schema.Default)

	verbose := paramByName(t, tr, "verbose")
	assert.True(t, verbose.Optional)
	assert.False(t, verbose.HasDefault, "no default means the absent sentinel")
}

func TestTranslateRefusesMalformed(t *testing.T) {
	_, err := Translate(mcp.Tool{InputSchema: objectSchema(nil)})
	assert.Error(t, err, "empty name must be refused")

	_, err = Translate(mcp.Tool{Name: "x", InputSchema: mcp.ToolInputSchema{Type: "string"}})
	assert.Error(t, err, "non-object schema must be refused")

	_, err = Translate(mcp.Tool{Name: "x", InputSchema: mcp.ToolInputSchema{}})
	assert.Error(t, err, "missing type must be refused")
}

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		in, out string
	}{
		{"query", "query"},
		{"max-results", "max_results"},
		{"a.b.c", "a_b_c"},
		{"weird name!", "weird_name_"},
		{"1st", "_1st"},
		{"", "_"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.out, SanitizeName(tt.in), "input %q", tt.in)
	}
}

func TestInputSchemaRebuild(t *testing.T) {
	tool := mcp.Tool{
		Name: "fetch",
		InputSchema: objectSchema(map[string]any{
			"max-results": map[string]any{"type": "integer", "default": float64(10)},
			"url":         map[string]any{"type": "string", "description": "target"},
		}, "url"),
	}

	tr, err := Translate(tool)
	require.NoError(t, err)

	schema := tr.InputSchema()
	assert.Equal(t, "object", schema.Type)
	assert.Equal(t, []string{"url"}, schema.Required)

	// The surface presents the sanitized spelling.
	require.Contains(t, schema.Properties, "max_results")
	maxResults := schema.Properties["max_results"].(map[string]any)
	assert.Equal(t, "integer", maxResults["type"])
	assert.Equal(t, float64(10), maxResults["default"])

	url := schema.Properties["url"].(map[string]any)
	assert.Equal(t, "target", url["description"])
}

func TestBuildArguments(t *testing.T) {
	tool := mcp.Tool{
		Name: "fetch",
		InputSchema: objectSchema(map[string]any{
			"url":         map[string]any{"type": "string"},
			"max-results": map[string]any{"type": "integer", "default": float64(10)},
			"cursor":      map[string]any{"type": []any{"string", "null"}},
		}, "url"),
	}

	tr, err := Translate(tool)
	require.NoError(t, err)

	args := tr.BuildArguments(map[string]any{
		"url":         "https://example.com",
		"max_results": float64(5),
	})

	// Sanitized names map back to original spellings.
	assert.Equal(t, "https://example.com", args["url"])
	assert.Equal(t, float64(5), args["max-results"])
	// Absent optional without default stays absent.
	_, present := args["cursor"]
	assert.False(t, present)

	// Omitted optional with default picks up the default.
	args = tr.BuildArguments(map[string]any{"url": "x"})
	assert.Equal(t, float64(10), args["max-results"])
}

func TestBuildArgumentsIgnoresUnknownKeys(t *testing.T) {
	tr, err := Translate(mcp.Tool{
		Name: "t",
		InputSchema: objectSchema(map[string]any{
			"a": map[string]any{"type": "string"},
		}),
	})
	require.NoError(t, err)

	args := tr.BuildArguments(map[string]any{"a": "v", "bogus": "x"})
	assert.Equal(t, map[string]any{"a": "v"}, args)
}
