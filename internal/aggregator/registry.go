package aggregator

import (
	"fmt"
	"sort"
	"sync"

	"mcpregistry/pkg/logging"

	"github.com/mark3labs/mcp-go/server"
)

// DynamicRegistry mediates all dynamic tool registration on the MCP server.
//
// The underlying server would silently overwrite a tool registered twice, so
// the registry keeps its own ownership table and refuses collisions; a
// colliding registration aborts the mount that attempted it. A side table
// from mount handle to registered names lets deactivation remove exactly
// what activation added. A mount's tools go to the server as one batch in
// each direction, so connected clients see a single tools/list_changed per
// activation and one per deactivation; with no client connected the
// notification is skipped by the framework.
type DynamicRegistry struct {
	mcp *server.MCPServer

	mu       sync.Mutex
	owners   map[string]string   // full tool name -> owning handle
	byHandle map[string][]string // handle -> registered names, in order
}

// NewDynamicRegistry wraps an MCP server.
func NewDynamicRegistry(mcpServer *server.MCPServer) *DynamicRegistry {
	return &DynamicRegistry{
		mcp:      mcpServer,
		owners:   make(map[string]string),
		byHandle: make(map[string][]string),
	}
}

// Register adds a batch of tools owned by handle. The whole batch is
// reserved in the ownership table before the server sees any of it, so a
// name collision refuses the batch and nothing is registered, and a
// successful batch reaches the server as one AddTools call.
func (r *DynamicRegistry) Register(handle string, tools ...server.ServerTool) error {
	if len(tools) == 0 {
		return nil
	}

	r.mu.Lock()
	seen := make(map[string]bool, len(tools))
	for _, st := range tools {
		if owner, exists := r.owners[st.Tool.Name]; exists {
			r.mu.Unlock()
			return fmt.Errorf("tool %s is already registered by %s", st.Tool.Name, owner)
		}
		if seen[st.Tool.Name] {
			r.mu.Unlock()
			return fmt.Errorf("tool %s appears twice in the batch", st.Tool.Name)
		}
		seen[st.Tool.Name] = true
	}
	for _, st := range tools {
		r.owners[st.Tool.Name] = handle
		r.byHandle[handle] = append(r.byHandle[handle], st.Tool.Name)
	}
	r.mu.Unlock()

	r.mcp.AddTools(tools...)
	logging.Debug("Registry", "Registered %d tools for %s", len(tools), handle)
	return nil
}

// Unregister removes one tool by name. Unknown names are a no-op.
func (r *DynamicRegistry) Unregister(fullName string) {
	r.mu.Lock()
	handle, exists := r.owners[fullName]
	if exists {
		delete(r.owners, fullName)
		names := r.byHandle[handle]
		for i, n := range names {
			if n == fullName {
				r.byHandle[handle] = append(names[:i], names[i+1:]...)
				break
			}
		}
		if len(r.byHandle[handle]) == 0 {
			delete(r.byHandle, handle)
		}
	}
	r.mu.Unlock()

	if exists {
		r.mcp.DeleteTools(fullName)
		logging.Debug("Registry", "Unregistered tool %s", fullName)
	}
}

// UnregisterHandle removes every tool the handle registered and returns the
// removed names.
func (r *DynamicRegistry) UnregisterHandle(handle string) []string {
	r.mu.Lock()
	names := r.byHandle[handle]
	delete(r.byHandle, handle)
	for _, n := range names {
		delete(r.owners, n)
	}
	r.mu.Unlock()

	if len(names) > 0 {
		r.mcp.DeleteTools(names...)
		logging.Debug("Registry", "Unregistered %d tools for %s", len(names), handle)
	}
	return names
}

// Names returns the tools registered by a handle, in registration order.
func (r *DynamicRegistry) Names(handle string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.byHandle[handle]))
	copy(out, r.byHandle[handle])
	return out
}

// AllNames returns every dynamically registered tool name, sorted.
func (r *DynamicRegistry) AllNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.owners))
	for name := range r.owners {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
