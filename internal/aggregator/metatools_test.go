package aggregator

import (
	"context"
	"encoding/json"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"mcpregistry/internal/catalog"
	"mcpregistry/internal/clients"
	"mcpregistry/internal/launcher"
	"mcpregistry/internal/mount"
	"mcpregistry/internal/scheduler"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAggServer(t *testing.T) *AggregatorServer {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}

	dir := t.TempDir()
	cat := catalog.NewRegistry(filepath.Join(dir, "catalog.json"))
	store := mount.NewStore(filepath.Join(dir, "active_mounts.json"))
	mcpServer := server.NewMCPServer("test", "0.0.0", server.WithToolCapabilities(true))
	reg := NewDynamicRegistry(mcpServer)
	cm := clients.NewManager()

	a := &AggregatorServer{
		config:    Config{Name: "test", Version: "0.0.0"},
		catalog:   cat,
		scheduler: scheduler.New(cat, nil, time.Hour, time.Hour),
		store:     store,
		clients:   cm,
		registry:  reg,
		server:    mcpServer,
	}
	a.orchestrator = NewOrchestrator(cat, store, launcher.New(), cm, reg, KeepOnDeath, 5*time.Second)
	a.registerMetaTools()
	return a
}

func callMeta(t *testing.T, handler func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error), args map[string]any) (*mcp.CallToolResult, string) {
	t.Helper()
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args

	result, err := handler(context.Background(), req)
	require.NoError(t, err)
	require.NotEmpty(t, result.Content)

	text, ok := mcp.AsTextContent(result.Content[0])
	require.True(t, ok)
	return result, text.Text
}

func TestHandleAddListRemove(t *testing.T) {
	a := newTestAggServer(t)

	result, _ := callMeta(t, a.handleAdd, map[string]any{
		"id":          "custom/sqlite",
		"name":        "SQLite",
		"description": "Local SQLite",
		"image":       "mcp/sqlite:latest",
		"tags":        []any{"db", "sql"},
	})
	assert.False(t, result.IsError)

	e, ok := a.catalog.Get("custom/sqlite")
	require.True(t, ok)
	assert.Equal(t, catalog.LaunchPodman, e.Launch)
	assert.Equal(t, catalog.OriginManual, e.Origin)
	assert.Equal(t, []string{"db", "sql"}, e.Tags)

	_, text := callMeta(t, a.handleList, map[string]any{"origin": "manual"})
	var listed struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal([]byte(text), &listed))
	assert.Equal(t, 1, listed.Count)

	result, _ = callMeta(t, a.handleRemove, map[string]any{"id": "custom/sqlite"})
	assert.False(t, result.IsError)
	assert.Zero(t, a.catalog.Count())
}

func TestHandleAddCommandEntry(t *testing.T) {
	a := newTestAggServer(t)

	result, _ := callMeta(t, a.handleAdd, map[string]any{
		"id":      "custom/fetch",
		"command": "npx",
		"args":    []any{"-y", "@x/fetch"},
		"env":     map[string]any{"API_KEY": "k"},
	})
	assert.False(t, result.IsError)

	e, ok := a.catalog.Get("custom/fetch")
	require.True(t, ok)
	assert.Equal(t, catalog.LaunchStdioProxy, e.Launch)
	require.NotNil(t, e.Command)
	assert.Equal(t, []string{"npx", "-y", "@x/fetch"}, e.Command.Argv())
	assert.Equal(t, "k", e.Command.Env["API_KEY"])
}

func TestAddedEntrySurvivesCustomDirRefresh(t *testing.T) {
	a := newTestAggServer(t)

	result, _ := callMeta(t, a.handleAdd, map[string]any{
		"id":    "custom/sqlite",
		"image": "mcp/sqlite:latest",
	})
	require.False(t, result.IsError)

	// A refresh of the watched directory replaces only custom-origin
	// entries; tool-added ones are not the source's to reclaim.
	src := catalog.NewCustomDirSource(t.TempDir())
	require.NoError(t, a.catalog.Refresh(context.Background(), src))

	_, ok := a.catalog.Get("custom/sqlite")
	assert.True(t, ok, "tool-added entry must survive a custom-dir refresh")
}

func TestHandleFind(t *testing.T) {
	a := newTestAggServer(t)
	require.NoError(t, a.catalog.Add(&catalog.Entry{
		ID:          "custom/sqlite",
		Name:        "SQLite",
		Description: "Query SQLite databases",
	}))

	result, text := callMeta(t, a.handleFind, map[string]any{"query": "sqlite"})
	assert.False(t, result.IsError)
	assert.Contains(t, text, "custom/sqlite")

	result, _ = callMeta(t, a.handleFind, map[string]any{})
	assert.True(t, result.IsError, "missing query must be refused")
}

func TestHandleActivateAndActive(t *testing.T) {
	a := newTestAggServer(t)

	rig := &testRig{catalog: a.catalog}
	rig.addScriptedEntry(t, "example/sqlite", sqliteScript)

	result, text := callMeta(t, a.handleActivate, map[string]any{
		"entry_id": "example/sqlite",
		"prefix":   "sq",
	})
	require.False(t, result.IsError, text)
	assert.Contains(t, text, "mcp_sq_read_query")
	defer a.orchestrator.Deactivate(context.Background(), "example/sqlite")

	_, text = callMeta(t, a.handleActive, nil)
	var active struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal([]byte(text), &active))
	assert.Equal(t, 1, active.Count)

	_, text = callMeta(t, a.handleStatus, nil)
	assert.Contains(t, text, "mcp_sq_read_query")

	result, text = callMeta(t, a.handleDeactivate, map[string]any{"entry_id": "example/sqlite"})
	assert.False(t, result.IsError, text)
	assert.Empty(t, a.store.List())
}

func TestHandleActivateUnknownEntryReportsKind(t *testing.T) {
	a := newTestAggServer(t)

	result, text := callMeta(t, a.handleActivate, map[string]any{"entry_id": "no/such"})
	assert.True(t, result.IsError)
	assert.Contains(t, text, "EntryNotFound")
}

func TestHandleRemoveRefusesMountedEntry(t *testing.T) {
	a := newTestAggServer(t)
	rig := &testRig{catalog: a.catalog}
	rig.addScriptedEntry(t, "example/sqlite", sqliteScript)

	_, err := a.orchestrator.Activate(context.Background(), "example/sqlite", ActivateOptions{Prefix: "sq"})
	require.NoError(t, err)
	defer a.orchestrator.Deactivate(context.Background(), "example/sqlite")

	result, text := callMeta(t, a.handleRemove, map[string]any{"id": "example/sqlite"})
	assert.True(t, result.IsError)
	assert.Contains(t, text, "deactivate it first")
}

func TestHandleConfigSet(t *testing.T) {
	a := newTestAggServer(t)
	rig := &testRig{catalog: a.catalog}
	rig.addScriptedEntry(t, "example/sqlite", sqliteScript)

	_, err := a.orchestrator.Activate(context.Background(), "example/sqlite", ActivateOptions{Prefix: "sq"})
	require.NoError(t, err)
	defer a.orchestrator.Deactivate(context.Background(), "example/sqlite")

	result, _ := callMeta(t, a.handleConfigSet, map[string]any{
		"entry_id":    "example/sqlite",
		"environment": map[string]any{"GITHUB_TOKEN": "t"},
	})
	assert.False(t, result.IsError)

	m, ok := a.store.Get("example/sqlite")
	require.True(t, ok)
	assert.Equal(t, "t", m.Environment["GITHUB_TOKEN"])

	// Non-credential names are refused.
	result, text := callMeta(t, a.handleConfigSet, map[string]any{
		"entry_id":    "example/sqlite",
		"environment": map[string]any{"PATH": "/evil"},
	})
	assert.True(t, result.IsError)
	assert.Contains(t, text, "not allowed")
}

func TestHandleRefreshAndStatus(t *testing.T) {
	dir := t.TempDir()
	cat := catalog.NewRegistry(filepath.Join(dir, "catalog.json"))
	src := &staticTestSource{}
	a := newTestAggServer(t)
	a.catalog = cat
	a.scheduler = scheduler.New(cat, []catalog.Source{src}, time.Hour, time.Hour)

	result, text := callMeta(t, a.handleRefresh, map[string]any{"override": true})
	assert.False(t, result.IsError)
	assert.Contains(t, text, `"static": "ok"`)
	assert.Equal(t, 1, cat.Count())

	result, text = callMeta(t, a.handleRefresh, map[string]any{"source": "nope", "override": true})
	assert.False(t, result.IsError)
	assert.Contains(t, text, "unknown source")
}

type staticTestSource struct{}

func (s *staticTestSource) Name() string           { return "static" }
func (s *staticTestSource) Origin() catalog.Origin { return catalog.OriginCustom }
func (s *staticTestSource) Fetch(context.Context) ([]*catalog.Entry, error) {
	return []*catalog.Entry{{ID: "custom/static"}}, nil
}

func TestAllowedEnvKey(t *testing.T) {
	allowed := []string{
		"API_KEY", "MY_API_KEY", "GITHUB_TOKEN", "AUTH_HEADER",
		"AWS_ACCESS_KEY_ID", "OPENAI_API_KEY", "CLIENT_SECRET", "SLACK_BOT_TOKEN",
	}
	for _, key := range allowed {
		assert.True(t, allowedEnvKey(key), "expected %q to be allowed", key)
	}

	denied := []string{
		"PATH", "HOME", "LD_PRELOAD", "lowercase_token", "", "WEIRD-NAME_TOKEN",
	}
	for _, key := range denied {
		assert.False(t, allowedEnvKey(key), "expected %q to be denied", key)
	}
}
