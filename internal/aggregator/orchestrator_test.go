package aggregator

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"mcpregistry/internal/catalog"
	"mcpregistry/internal/clients"
	"mcpregistry/internal/launcher"
	"mcpregistry/internal/mount"
	"mcpregistry/internal/translator"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sqliteScript is a scripted MCP server for the full activate flow: it
// answers initialize, serves six tools, rejects resources/prompts, and
// echoes a canned result for every call.
const sqliteScript = `#!/bin/sh
read line
printf '%s\n' '{"jsonrpc":"2.0","id":1,"result":{"protocolVersion":"2024-11-05","capabilities":{"tools":{}},"serverInfo":{"name":"sqlite","version":"0.1"}}}'
read line
read line
printf '%s\n' '{"jsonrpc":"2.0","id":2,"result":{"tools":[{"name":"read_query","description":"Run a SELECT","inputSchema":{"type":"object","properties":{"query":{"type":"string"}},"required":["query"]}},{"name":"write_query","inputSchema":{"type":"object","properties":{"query":{"type":"string"}},"required":["query"]}},{"name":"create_table","inputSchema":{"type":"object","properties":{"query":{"type":"string"}},"required":["query"]}},{"name":"list_tables","inputSchema":{"type":"object","properties":{}}},{"name":"describe_table","inputSchema":{"type":"object","properties":{"table_name":{"type":"string"}},"required":["table_name"]}},{"name":"append_insight","inputSchema":{"type":"object","properties":{"insight":{"type":"string"}},"required":["insight"]}}]}}'
read line
printf '%s\n' '{"jsonrpc":"2.0","id":3,"error":{"code":-32601,"message":"resources not supported"}}'
read line
printf '%s\n' '{"jsonrpc":"2.0","id":4,"error":{"code":-32601,"message":"prompts not supported"}}'
i=5
while read line; do
  printf '{"jsonrpc":"2.0","id":%d,"result":{"content":[{"type":"text","text":"3 rows"}]}}\n' "$i"
  i=$((i+1))
done
`

type testRig struct {
	catalog      *catalog.Registry
	store        *mount.Store
	registry     *DynamicRegistry
	clients      *clients.Manager
	orchestrator *Orchestrator
	mcp          *server.MCPServer
	statePath    string
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}

	dir := t.TempDir()
	cat := catalog.NewRegistry(filepath.Join(dir, "catalog.json"))
	statePath := filepath.Join(dir, "active_mounts.json")
	store := mount.NewStore(statePath)
	mcpServer := server.NewMCPServer("test", "0.0.0", server.WithToolCapabilities(true))
	reg := NewDynamicRegistry(mcpServer)
	cm := clients.NewManager()

	o := NewOrchestrator(cat, store, launcher.New(), cm, reg, KeepOnDeath, 5*time.Second)
	return &testRig{
		catalog:      cat,
		store:        store,
		registry:     reg,
		clients:      cm,
		orchestrator: o,
		mcp:          mcpServer,
		statePath:    statePath,
	}
}

func (r *testRig) addScriptedEntry(t *testing.T, id, script string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "server.sh")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	require.NoError(t, r.catalog.Add(&catalog.Entry{
		ID:     id,
		Name:   "Scripted " + id,
		Launch: catalog.LaunchStdioProxy,
		Command: &catalog.ServerCommand{
			Command: "sh",
			Args:    []string{path},
		},
	}))
}

func TestActivateUnknownEntry(t *testing.T) {
	rig := newTestRig(t)
	_, err := rig.orchestrator.Activate(context.Background(), "no/such", ActivateOptions{})
	assert.Equal(t, mount.KindEntryNotFound, mount.KindOf(err))
}

func TestActivateRemoteHTTPFailsAsLaunch(t *testing.T) {
	rig := newTestRig(t)
	require.NoError(t, rig.catalog.Add(&catalog.Entry{
		ID:     "hosted/thing",
		Launch: catalog.LaunchRemoteHTTP,
	}))

	_, err := rig.orchestrator.Activate(context.Background(), "hosted/thing", ActivateOptions{})
	assert.Equal(t, mount.KindLaunchFailed, mount.KindOf(err))
}

func TestActivateEndToEnd(t *testing.T) {
	rig := newTestRig(t)
	rig.addScriptedEntry(t, "example/sqlite", sqliteScript)

	m, err := rig.orchestrator.Activate(context.Background(), "example/sqlite", ActivateOptions{Prefix: "sq"})
	require.NoError(t, err)

	// Discovery order is preserved.
	assert.Equal(t, []string{
		"read_query", "write_query", "create_table",
		"list_tables", "describe_table", "append_insight",
	}, m.Tools)
	assert.Equal(t, "sq", m.Prefix)
	assert.False(t, m.MountedAt.IsZero())
	assert.Empty(t, m.Resources)
	assert.Empty(t, m.Prompts)

	assert.Equal(t, []string{
		"mcp_sq_read_query", "mcp_sq_write_query", "mcp_sq_create_table",
		"mcp_sq_list_tables", "mcp_sq_describe_table", "mcp_sq_append_insight",
	}, rig.registry.Names(m.Handle))

	// The state file reflects the mount.
	data, err := os.ReadFile(rig.statePath)
	require.NoError(t, err)
	var state struct {
		Version int `json:"version"`
		Mounts  []struct {
			EntryID string   `json:"entry_id"`
			Prefix  string   `json:"prefix"`
			Tools   []string `json:"tools"`
		} `json:"mounts"`
	}
	require.NoError(t, json.Unmarshal(data, &state))
	require.Len(t, state.Mounts, 1)
	assert.Equal(t, "sq", state.Mounts[0].Prefix)
	assert.Len(t, state.Mounts[0].Tools, 6)

	// A call routes through the session to the child.
	sess, ok := rig.clients.Session(m.Handle)
	require.True(t, ok)
	result, err := sess.CallTool(context.Background(), "read_query", map[string]any{"query": "SELECT 1"})
	require.NoError(t, err)
	require.Len(t, result.Content, 1)

	// Deactivation removes everything.
	require.NoError(t, rig.orchestrator.Deactivate(context.Background(), "example/sqlite"))
	assert.Empty(t, rig.registry.AllNames())
	assert.Empty(t, rig.store.List())
	assert.Equal(t, 0, rig.clients.Count())

	err = rig.orchestrator.Deactivate(context.Background(), "example/sqlite")
	assert.Equal(t, mount.KindEntryNotFound, mount.KindOf(err))
}

func TestActivateNotifiesListChangedOnce(t *testing.T) {
	rig := newTestRig(t)
	rig.addScriptedEntry(t, "example/sqlite", sqliteScript)
	sess := connectListener(t, rig.mcp)

	_, err := rig.orchestrator.Activate(context.Background(), "example/sqlite", ActivateOptions{Prefix: "sq"})
	require.NoError(t, err)
	assert.Equal(t, 1, sess.listChangedCount(),
		"mounting six tools must emit a single tools/list_changed")

	require.NoError(t, rig.orchestrator.Deactivate(context.Background(), "example/sqlite"))
	assert.Equal(t, 1, sess.listChangedCount(),
		"unmounting must emit a single tools/list_changed")
}

func TestActivateTwiceIsAlreadyActive(t *testing.T) {
	rig := newTestRig(t)
	rig.addScriptedEntry(t, "example/sqlite", sqliteScript)

	_, err := rig.orchestrator.Activate(context.Background(), "example/sqlite", ActivateOptions{Prefix: "sq"})
	require.NoError(t, err)
	defer rig.orchestrator.Deactivate(context.Background(), "example/sqlite")

	_, err = rig.orchestrator.Activate(context.Background(), "example/sqlite", ActivateOptions{Prefix: "sq2"})
	assert.Equal(t, mount.KindAlreadyActive, mount.KindOf(err))
}

func TestActivatePrefixConflict(t *testing.T) {
	rig := newTestRig(t)
	rig.addScriptedEntry(t, "one/fs", sqliteScript)
	rig.addScriptedEntry(t, "two/fs", sqliteScript)

	_, err := rig.orchestrator.Activate(context.Background(), "one/fs", ActivateOptions{})
	require.NoError(t, err)
	defer rig.orchestrator.Deactivate(context.Background(), "one/fs")

	// Both derive the prefix "fs".
	_, err = rig.orchestrator.Activate(context.Background(), "two/fs", ActivateOptions{})
	assert.Equal(t, mount.KindPrefixConflict, mount.KindOf(err))
	assert.Len(t, rig.store.List(), 1)
}

func TestActivateChildDiesBeforeHandshake(t *testing.T) {
	rig := newTestRig(t)
	require.NoError(t, rig.catalog.Add(&catalog.Entry{
		ID:     "broken/exits",
		Launch: catalog.LaunchStdioProxy,
		Command: &catalog.ServerCommand{
			Command: "sh",
			Args:    []string{"-c", "exit 0"},
		},
	}))

	// Death during the handshake is a failed initialization, not a dead
	// transport on an established session.
	_, err := rig.orchestrator.Activate(context.Background(), "broken/exits", ActivateOptions{})
	require.Error(t, err)
	assert.Equal(t, mount.KindInitFailed, mount.KindOf(err))

	// Nothing leaks from the failed activation.
	assert.Empty(t, rig.store.List())
	assert.Empty(t, rig.registry.AllNames())
	assert.Equal(t, 0, rig.clients.Count())
}

func TestReplayRestoresPersistedMounts(t *testing.T) {
	rig := newTestRig(t)
	rig.addScriptedEntry(t, "example/sqlite", sqliteScript)

	_, err := rig.orchestrator.Activate(context.Background(), "example/sqlite", ActivateOptions{Prefix: "sq"})
	require.NoError(t, err)
	require.NoError(t, rig.orchestrator.Deactivate(context.Background(), "example/sqlite"))

	// Craft a persisted state with one live entry and one that no longer
	// exists in the catalog.
	data := `{"version":1,"mounts":[
		{"entry_id":"example/sqlite","prefix":"sq","tools":[],"mounted_at":"2026-01-01T00:00:00Z"},
		{"entry_id":"gone/away","prefix":"ga","tools":[],"mounted_at":"2026-01-01T00:00:00Z"}
	]}`
	require.NoError(t, os.WriteFile(rig.statePath, []byte(data), 0o644))

	rig.orchestrator.Replay(context.Background())
	defer rig.orchestrator.Deactivate(context.Background(), "example/sqlite")

	mounts := rig.store.List()
	require.Len(t, mounts, 1, "the dead entry is dropped, the live one returns")
	assert.Equal(t, "example/sqlite", mounts[0].EntryID)
	assert.Equal(t, "sq", mounts[0].Prefix)
	assert.Len(t, rig.registry.AllNames(), 6)

	// The rewritten file no longer contains the dead mount.
	raw, err := os.ReadFile(rig.statePath)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "gone/away")
}

func TestToolHandlerRoutesCall(t *testing.T) {
	rig := newTestRig(t)
	rig.addScriptedEntry(t, "example/sqlite", sqliteScript)

	m, err := rig.orchestrator.Activate(context.Background(), "example/sqlite", ActivateOptions{Prefix: "sq"})
	require.NoError(t, err)
	defer rig.orchestrator.Deactivate(context.Background(), "example/sqlite")

	tr := translatedFixture(t)
	handler := rig.orchestrator.makeToolHandler(m.Handle, tr)

	req := mcp.CallToolRequest{}
	req.Params.Name = "mcp_sq_read_query"
	req.Params.Arguments = map[string]any{"query": "SELECT 1"}

	result, err := handler(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)
	require.NotEmpty(t, result.Content)
}

func TestToolHandlerAfterDeactivateFailsFast(t *testing.T) {
	rig := newTestRig(t)
	rig.addScriptedEntry(t, "example/sqlite", sqliteScript)

	m, err := rig.orchestrator.Activate(context.Background(), "example/sqlite", ActivateOptions{Prefix: "sq"})
	require.NoError(t, err)

	handler := rig.orchestrator.makeToolHandler(m.Handle, translatedFixture(t))
	require.NoError(t, rig.orchestrator.Deactivate(context.Background(), "example/sqlite"))

	req := mcp.CallToolRequest{}
	req.Params.Name = "mcp_sq_read_query"
	req.Params.Arguments = map[string]any{"query": "SELECT 1"}

	result, err := handler(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError, "a call after unmount must report an error result")
}

func TestLaunchSpecMapping(t *testing.T) {
	entry := &catalog.Entry{
		ID:     "a/container",
		Launch: catalog.LaunchPodman,
		Image:  "mcp/sqlite:latest",
	}
	spec, err := launchSpec(entry, ActivateOptions{Environment: map[string]string{"API_KEY": "k"}})
	require.NoError(t, err)
	assert.Equal(t, launcher.KindContainer, spec.Kind)
	assert.Equal(t, "mcp/sqlite:latest", spec.Image)
	assert.Equal(t, "k", spec.Env["API_KEY"])

	entry = &catalog.Entry{
		ID:     "a/cmd",
		Launch: catalog.LaunchStdioProxy,
		Command: &catalog.ServerCommand{
			Command: "npx",
			Args:    []string{"-y", "@x/server"},
			Env:     map[string]string{"BASE": "1", "API_KEY": "old"},
		},
	}
	spec, err = launchSpec(entry, ActivateOptions{Environment: map[string]string{"API_KEY": "new"}})
	require.NoError(t, err)
	assert.Equal(t, launcher.KindCommand, spec.Kind)
	assert.Equal(t, []string{"npx", "-y", "@x/server"}, spec.Command)
	assert.Equal(t, "1", spec.Env["BASE"])
	assert.Equal(t, "new", spec.Env["API_KEY"], "activation env overrides the entry's own env")

	// An override can force a method.
	entry = &catalog.Entry{ID: "a/unknown", Launch: catalog.LaunchUnknown, Image: "mcp/x"}
	_, err = launchSpec(entry, ActivateOptions{})
	assert.Error(t, err)
	spec, err = launchSpec(entry, ActivateOptions{LaunchOverride: catalog.LaunchPodman})
	require.NoError(t, err)
	assert.Equal(t, launcher.KindContainer, spec.Kind)
}

func TestFullToolName(t *testing.T) {
	assert.Equal(t, "mcp_sq_read_query", FullToolName("sq", "read_query"))
}

func translatedFixture(t *testing.T) *translator.Translated {
	t.Helper()
	tr, err := translator.Translate(mcp.Tool{
		Name: "read_query",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"query": map[string]any{"type": "string"},
			},
			Required: []string{"query"},
		},
	})
	require.NoError(t, err)
	return tr
}
