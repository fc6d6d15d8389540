package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"mcpregistry/internal/catalog"
	"mcpregistry/internal/mount"
	"mcpregistry/internal/scheduler"

	"github.com/mark3labs/mcp-go/mcp"
)

// allowedEnvKey gates which environment variables registry_config_set may
// store for a mount. Only credential-shaped names pass; arbitrary variables
// would let a client rewrite a child's runtime environment.
func allowedEnvKey(key string) bool {
	if key == "" {
		return false
	}
	for _, r := range key {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') && r != '_' {
			return false
		}
	}
	for _, prefix := range []string{"AUTH_", "GITHUB_", "AWS_", "OPENAI_", "ANTHROPIC_"} {
		if strings.HasPrefix(key, prefix) {
			return true
		}
	}
	for _, marker := range []string{"API_KEY", "TOKEN", "SECRET"} {
		if strings.Contains(key, marker) {
			return true
		}
	}
	return false
}

// registerMetaTools adds the registry management surface to the MCP server.
// These tools are permanent; only mounted servers' tools come and go.
func (a *AggregatorServer) registerMetaTools() {
	findTool := mcp.NewTool("registry_find",
		mcp.WithDescription("Search the server catalog by name, description, tags or categories"),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("Free-text search query"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of results (default 10)"),
		),
	)
	a.server.AddTool(findTool, a.handleFind)

	listTool := mcp.NewTool("registry_list",
		mcp.WithDescription("List catalog entries, optionally filtered by origin"),
		mcp.WithString("origin",
			mcp.Description("Only entries from this origin (docker, mcpservers, mcp-official, awesome, custom, manual)"),
		),
	)
	a.server.AddTool(listTool, a.handleList)

	addTool := mcp.NewTool("registry_add",
		mcp.WithDescription("Add a custom entry to the catalog"),
		mcp.WithString("id", mcp.Required(), mcp.Description("Unique entry id")),
		mcp.WithString("name", mcp.Description("Display name (defaults to the id)")),
		mcp.WithString("description", mcp.Description("What the server does")),
		mcp.WithString("image", mcp.Description("Container image reference for podman launch")),
		mcp.WithString("command", mcp.Description("Local command for stdio launch")),
		mcp.WithArray("args", mcp.Description("Arguments for the local command")),
		mcp.WithObject("env", mcp.Description("Environment for the local command")),
		mcp.WithArray("tags", mcp.Description("Free-form tags")),
	)
	a.server.AddTool(addTool, a.handleAdd)

	removeTool := mcp.NewTool("registry_remove",
		mcp.WithDescription("Remove a catalog entry"),
		mcp.WithString("id", mcp.Required(), mcp.Description("Entry id to remove")),
	)
	a.server.AddTool(removeTool, a.handleRemove)

	activateTool := mcp.NewTool("registry_activate",
		mcp.WithDescription("Mount a catalog entry: launch its server and expose its tools under mcp_<prefix>_*"),
		mcp.WithString("entry_id", mcp.Required(), mcp.Description("Catalog entry to mount")),
		mcp.WithString("prefix", mcp.Description("Namespace prefix (defaults to the last entry id segment)")),
		mcp.WithObject("environment", mcp.Description("Environment variables for the child")),
		mcp.WithString("launch_method", mcp.Description("Override the launch method (podman, stdio-proxy)")),
	)
	a.server.AddTool(activateTool, a.handleActivate)

	deactivateTool := mcp.NewTool("registry_deactivate",
		mcp.WithDescription("Unmount an active entry and remove its tools"),
		mcp.WithString("entry_id", mcp.Required(), mcp.Description("Active entry to unmount")),
	)
	a.server.AddTool(deactivateTool, a.handleDeactivate)

	activeTool := mcp.NewTool("registry_active",
		mcp.WithDescription("List the active mounts and their tool surfaces"),
	)
	a.server.AddTool(activeTool, a.handleActive)

	configSetTool := mcp.NewTool("registry_config_set",
		mcp.WithDescription("Store credential environment variables for an active mount; applied on next remount"),
		mcp.WithString("entry_id", mcp.Required(), mcp.Description("Active entry to configure")),
		mcp.WithObject("environment", mcp.Required(), mcp.Description("Variables to store (credential-shaped names only)")),
	)
	a.server.AddTool(configSetTool, a.handleConfigSet)

	refreshTool := mcp.NewTool("registry_refresh",
		mcp.WithDescription("Refresh catalog sources now"),
		mcp.WithString("source", mcp.Description("Only this source (default: all)")),
		mcp.WithBoolean("override", mcp.Description("Bypass the minimum refresh interval")),
	)
	a.server.AddTool(refreshTool, a.handleRefresh)

	statusTool := mcp.NewTool("registry_status",
		mcp.WithDescription("Report catalog size, active mounts and source refresh state"),
	)
	a.server.AddTool(statusTool, a.handleStatus)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to format result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (a *AggregatorServer) handleFind(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	query, _ := args["query"].(string)
	if query == "" {
		return mcp.NewToolResultError("query is required"), nil
	}
	limit := 10
	if l, ok := args["limit"].(float64); ok && l > 0 {
		limit = int(l)
	}

	results := a.catalog.Search(query, limit, 0)
	type hit struct {
		ID          string  `json:"id"`
		Name        string  `json:"name"`
		Description string  `json:"description,omitempty"`
		Launch      string  `json:"launch"`
		Score       float64 `json:"score"`
	}
	hits := make([]hit, 0, len(results))
	for _, r := range results {
		hits = append(hits, hit{
			ID:          r.Entry.ID,
			Name:        r.Entry.Name,
			Description: r.Entry.Description,
			Launch:      string(r.Entry.Launch),
			Score:       r.Score,
		})
	}
	return jsonResult(map[string]any{"query": query, "results": hits})
}

func (a *AggregatorServer) handleList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	origin, _ := req.GetArguments()["origin"].(string)

	var entries []*catalog.Entry
	for _, e := range a.catalog.List() {
		if origin != "" && string(e.Origin) != origin {
			continue
		}
		entries = append(entries, e)
	}
	return jsonResult(map[string]any{"count": len(entries), "entries": entries})
}

func (a *AggregatorServer) handleAdd(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	id, _ := args["id"].(string)
	if id == "" {
		return mcp.NewToolResultError("id is required"), nil
	}

	// No source owns OriginManual, so refreshes never replace these
	// entries.
	e := &catalog.Entry{
		ID:     id,
		Name:   id,
		Origin: catalog.OriginManual,
		Launch: catalog.LaunchUnknown,
	}
	if name, ok := args["name"].(string); ok && name != "" {
		e.Name = name
	}
	if desc, ok := args["description"].(string); ok {
		e.Description = desc
	}
	if image, ok := args["image"].(string); ok && image != "" {
		e.Image = image
		e.Launch = catalog.LaunchPodman
	}
	if command, ok := args["command"].(string); ok && command != "" {
		cmd := &catalog.ServerCommand{Command: command}
		if rawArgs, ok := args["args"].([]any); ok {
			for _, v := range rawArgs {
				if s, ok := v.(string); ok {
					cmd.Args = append(cmd.Args, s)
				}
			}
		}
		if rawEnv, ok := args["env"].(map[string]any); ok {
			cmd.Env = stringMap(rawEnv)
		}
		e.Command = cmd
		if e.Launch == catalog.LaunchUnknown {
			e.Launch = catalog.LaunchStdioProxy
		}
	}
	if rawTags, ok := args["tags"].([]any); ok {
		for _, v := range rawTags {
			if s, ok := v.(string); ok {
				e.Tags = append(e.Tags, s)
			}
		}
	}

	if err := a.catalog.Add(e); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(map[string]any{"added": e.ID, "launch": e.Launch})
}

func (a *AggregatorServer) handleRemove(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, _ := req.GetArguments()["id"].(string)
	if id == "" {
		return mcp.NewToolResultError("id is required"), nil
	}
	if _, mounted := a.store.Get(id); mounted {
		return mcp.NewToolResultError(fmt.Sprintf("entry %s is mounted; deactivate it first", id)), nil
	}
	if err := a.catalog.Remove(id); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(map[string]any{"removed": id})
}

func (a *AggregatorServer) handleActivate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	entryID, _ := args["entry_id"].(string)
	if entryID == "" {
		return mcp.NewToolResultError("entry_id is required"), nil
	}

	opts := ActivateOptions{}
	if prefix, ok := args["prefix"].(string); ok {
		opts.Prefix = prefix
	}
	if rawEnv, ok := args["environment"].(map[string]any); ok {
		opts.Environment = stringMap(rawEnv)
	}
	if method, ok := args["launch_method"].(string); ok && method != "" {
		opts.LaunchOverride = catalog.LaunchMethod(method)
	}

	m, err := a.orchestrator.Activate(ctx, entryID, opts)
	if err != nil {
		return mountErrorResult(err), nil
	}

	names := make([]string, 0, len(m.Tools))
	for _, t := range m.Tools {
		names = append(names, FullToolName(m.Prefix, t))
	}
	return jsonResult(map[string]any{
		"mounted":    m.EntryID,
		"prefix":     m.Prefix,
		"tools":      names,
		"mounted_at": m.MountedAt,
	})
}

func (a *AggregatorServer) handleDeactivate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	entryID, _ := req.GetArguments()["entry_id"].(string)
	if entryID == "" {
		return mcp.NewToolResultError("entry_id is required"), nil
	}
	if err := a.orchestrator.Deactivate(ctx, entryID); err != nil {
		return mountErrorResult(err), nil
	}
	return jsonResult(map[string]any{"unmounted": entryID})
}

func (a *AggregatorServer) handleActive(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	mounts := a.store.List()
	return jsonResult(map[string]any{"count": len(mounts), "mounts": mounts})
}

func (a *AggregatorServer) handleConfigSet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	entryID, _ := args["entry_id"].(string)
	if entryID == "" {
		return mcp.NewToolResultError("entry_id is required"), nil
	}
	rawEnv, ok := args["environment"].(map[string]any)
	if !ok || len(rawEnv) == 0 {
		return mcp.NewToolResultError("environment is required"), nil
	}

	env := stringMap(rawEnv)
	for key := range env {
		if !allowedEnvKey(key) {
			return mcp.NewToolResultError(fmt.Sprintf("environment variable %q is not allowed; only credential-shaped names (API keys, tokens, secrets) can be stored", key)), nil
		}
	}

	if err := a.store.SetEnvironment(entryID, env); err != nil {
		return mountErrorResult(err), nil
	}
	return jsonResult(map[string]any{
		"entry_id": entryID,
		"stored":   len(env),
		"note":     "values take effect when the entry is remounted",
	})
}

func (a *AggregatorServer) handleRefresh(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	override, _ := args["override"].(bool)

	names := a.scheduler.SourceNames()
	if source, ok := args["source"].(string); ok && source != "" {
		names = []string{source}
	}

	results := make(map[string]string, len(names))
	for _, name := range names {
		if err := a.scheduler.ForceRefresh(ctx, name, override); err != nil {
			results[name] = err.Error()
		} else {
			results[name] = "ok"
		}
	}
	return jsonResult(map[string]any{"refreshed": results, "catalog_size": a.catalog.Count()})
}

func (a *AggregatorServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	type mountStatus struct {
		EntryID   string `json:"entry_id"`
		Prefix    string `json:"prefix"`
		ToolCount int    `json:"tool_count"`
		Live      bool   `json:"live"`
	}

	var mounts []mountStatus
	for _, m := range a.store.List() {
		live := false
		if sess, ok := a.clients.Session(m.Handle); ok {
			live = !sess.Closed()
		}
		mounts = append(mounts, mountStatus{
			EntryID:   m.EntryID,
			Prefix:    m.Prefix,
			ToolCount: len(m.Tools),
			Live:      live,
		})
	}

	var sources []scheduler.SourceStatus
	if a.scheduler != nil {
		sources = a.scheduler.Status()
	}

	return jsonResult(map[string]any{
		"catalog_entries":  a.catalog.Count(),
		"active_mounts":    mounts,
		"registered_tools": a.registry.AllNames(),
		"sources":          sources,
	})
}

// mountErrorResult renders a classified mount error with its kind leading so
// clients can pattern-match.
func mountErrorResult(err error) *mcp.CallToolResult {
	if kind := mount.KindOf(err); kind != "" {
		return mcp.NewToolResultError(fmt.Sprintf("[%s] %v", kind, err))
	}
	return mcp.NewToolResultError(err.Error())
}

func stringMap(raw map[string]any) map[string]string {
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		} else {
			out[k] = fmt.Sprintf("%v", v)
		}
	}
	return out
}
