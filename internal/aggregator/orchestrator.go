package aggregator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mcpregistry/internal/catalog"
	"mcpregistry/internal/clients"
	"mcpregistry/internal/launcher"
	"mcpregistry/internal/mount"
	"mcpregistry/internal/session"
	"mcpregistry/internal/translator"
	"mcpregistry/pkg/logging"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"golang.org/x/sync/errgroup"
)

// replayConcurrency bounds how many persisted mounts come back in parallel
// at startup.
const replayConcurrency = 4

// TransportDeathPolicy says what happens to a mount whose child dies
// underneath it.
type TransportDeathPolicy string

const (
	// KeepOnDeath leaves the mount registered; its tools fail until the
	// entry is remounted. This is the default.
	KeepOnDeath TransportDeathPolicy = "keep"
	// UnmountOnDeath deactivates the mount as soon as the transport dies.
	UnmountOnDeath TransportDeathPolicy = "unmount"
)

// ActivateOptions tune one activation.
type ActivateOptions struct {
	// Prefix overrides the derived namespace prefix.
	Prefix string
	// Environment is passed to the child on top of the entry's own env.
	Environment map[string]string
	// LaunchOverride forces a launch method for ambiguous entries.
	LaunchOverride catalog.LaunchMethod
}

// Orchestrator composes launcher, session, translator, registry, store and
// client manager into the activate/deactivate flows.
type Orchestrator struct {
	catalog  *catalog.Registry
	store    *mount.Store
	launcher *launcher.Launcher
	clients  *clients.Manager
	registry *DynamicRegistry

	deathPolicy TransportDeathPolicy
	callTimeout time.Duration
}

// NewOrchestrator wires the collaborators together.
func NewOrchestrator(cat *catalog.Registry, store *mount.Store, l *launcher.Launcher, cm *clients.Manager, reg *DynamicRegistry, deathPolicy TransportDeathPolicy, callTimeout time.Duration) *Orchestrator {
	if deathPolicy == "" {
		deathPolicy = KeepOnDeath
	}
	return &Orchestrator{
		catalog:     cat,
		store:       store,
		launcher:    l,
		clients:     cm,
		registry:    reg,
		deathPolicy: deathPolicy,
		callTimeout: callTimeout,
	}
}

// Activate mounts a registry entry: spawn, handshake, discovery, tool
// registration, persistence. Every failure path tears down whatever was
// built so a failed activation leaves no trace.
func (o *Orchestrator) Activate(ctx context.Context, entryID string, opts ActivateOptions) (*mount.ActiveMount, error) {
	release := o.store.LockEntry(entryID)
	defer release()

	entry, ok := o.catalog.Get(entryID)
	if !ok {
		return nil, mount.NewError(mount.KindEntryNotFound, entryID, nil)
	}
	if _, active := o.store.Get(entryID); active {
		return nil, mount.NewError(mount.KindAlreadyActive, entryID, nil)
	}

	prefix := opts.Prefix
	if prefix == "" {
		prefix = catalog.DerivePrefix(entryID)
	}
	if owner, taken := o.store.GetByPrefix(prefix); taken {
		return nil, mount.NewError(mount.KindPrefixConflict, entryID,
			fmt.Errorf("prefix %q is held by %s", prefix, owner.EntryID))
	}

	spec, err := launchSpec(entry, opts)
	if err != nil {
		return nil, mount.NewError(mount.KindLaunchFailed, entryID, err)
	}

	child, err := o.launcher.Spawn(ctx, spec)
	if err != nil {
		return nil, mount.NewError(mount.KindLaunchFailed, entryID, err)
	}
	handle := childHandle(child)

	sess := session.New(entryID, child.Stdin, child.Stdout)
	if o.callTimeout > 0 {
		sess.SetCallTimeout(o.callTimeout)
	}

	teardown := func() {
		sess.Close()
		if err := child.Teardown(context.Background()); err != nil {
			logging.Warn("Orchestrator", "Teardown of %s: %v", entryID, err)
		}
	}

	if err := sess.Initialize(ctx); err != nil {
		teardown()
		return nil, mount.NewError(initFailureKind(err), entryID, err)
	}

	tools, err := sess.ListTools(ctx)
	if err != nil {
		teardown()
		kind := mount.KindDiscoveryFailed
		if errors.Is(err, session.ErrTimeout) {
			kind = mount.KindTimeout
		}
		return nil, mount.NewError(kind, entryID, err)
	}

	// Resources and prompts are best-effort; many servers implement
	// neither.
	var resources, prompts []string
	if rs, err := sess.ListResources(ctx); err != nil {
		logging.Debug("Orchestrator", "resources/list for %s: %v", entryID, err)
	} else {
		for _, r := range rs {
			resources = append(resources, r.URI)
		}
	}
	if ps, err := sess.ListPrompts(ctx); err != nil {
		logging.Debug("Orchestrator", "prompts/list for %s: %v", entryID, err)
	} else {
		for _, p := range ps {
			prompts = append(prompts, p.Name)
		}
	}

	// The batch registers in one call so connected clients get a single
	// tools/list_changed for the whole mount.
	var registered []string
	var serverTools []server.ServerTool
	for _, tool := range tools {
		translated, err := translator.Translate(tool)
		if err != nil {
			logging.Warn("Orchestrator", "Skipping tool on %s: %v", entryID, err)
			continue
		}

		surface := mcp.Tool{
			Name:        FullToolName(prefix, translated.Name),
			Description: translated.Description,
			InputSchema: translated.InputSchema(),
		}
		serverTools = append(serverTools, server.ServerTool{
			Tool:    surface,
			Handler: o.makeToolHandler(handle, translated),
		})
		registered = append(registered, translated.Name)
	}
	if err := o.registry.Register(handle, serverTools...); err != nil {
		teardown()
		return nil, mount.NewError(mount.KindRegistrationFailed, entryID, err)
	}

	m := &mount.ActiveMount{
		EntryID:     entryID,
		Name:        entry.Name,
		Prefix:      prefix,
		Handle:      handle,
		Environment: opts.Environment,
		Tools:       registered,
		Resources:   resources,
		Prompts:     prompts,
		MountedAt:   time.Now().UTC(),
	}
	if err := o.store.Add(m); err != nil {
		o.registry.UnregisterHandle(handle)
		teardown()
		return nil, err
	}

	o.clients.Register(handle, sess, child)
	go o.watchTransport(entryID, handle, sess)

	logging.Info("Orchestrator", "Mounted %s as prefix %q with %d tools", entryID, prefix, len(registered))
	return m, nil
}

// Deactivate unmounts an entry: tools unregistered, session closed, child
// reaped, record removed and persisted.
func (o *Orchestrator) Deactivate(ctx context.Context, entryID string) error {
	release := o.store.LockEntry(entryID)
	defer release()

	m, ok := o.store.Get(entryID)
	if !ok {
		return mount.NewError(mount.KindEntryNotFound, entryID, nil)
	}

	o.registry.UnregisterHandle(m.Handle)

	if err := o.clients.Remove(ctx, m.Handle); err != nil {
		logging.Warn("Orchestrator", "Releasing client for %s: %v", entryID, err)
	}

	if err := o.store.Remove(entryID); err != nil {
		return err
	}

	logging.Info("Orchestrator", "Unmounted %s", entryID)
	return nil
}

// Replay brings back the persisted mount set at startup. Each record runs
// the full activate flow with its stored prefix and environment; failures
// are logged and the record is dropped from the file.
func (o *Orchestrator) Replay(ctx context.Context) {
	records, err := o.store.Load()
	if err != nil {
		logging.Error("Orchestrator", err, "Failed to load persisted mounts, starting empty")
		return
	}
	if len(records) == 0 {
		return
	}

	logging.Info("Orchestrator", "Replaying %d persisted mounts", len(records))

	var g errgroup.Group
	g.SetLimit(replayConcurrency)
	for _, rec := range records {
		g.Go(func() error {
			_, err := o.Activate(ctx, rec.EntryID, ActivateOptions{
				Prefix:      rec.Prefix,
				Environment: rec.Environment,
			})
			if err != nil {
				logging.Warn("Orchestrator", "Replay of %s failed, dropping: %v", rec.EntryID, err)
			}
			return nil
		})
	}
	g.Wait()

	if err := o.store.Rewrite(); err != nil {
		logging.Error("Orchestrator", err, "Failed to rewrite mount state after replay")
	}
}

// DeactivateAll tears down every active mount, used at shutdown.
func (o *Orchestrator) DeactivateAll(ctx context.Context) {
	for _, m := range o.store.List() {
		if err := o.Deactivate(ctx, m.EntryID); err != nil {
			logging.Warn("Orchestrator", "Shutdown unmount of %s: %v", m.EntryID, err)
		}
	}
}

// watchTransport reacts to a child dying underneath an active mount. Under
// the unmount policy the mount is torn down; otherwise it stays registered
// and its tools fail until remounted.
func (o *Orchestrator) watchTransport(entryID, handle string, sess *session.Session) {
	<-sess.Done()

	m, ok := o.store.Get(entryID)
	if !ok || m.Handle != handle {
		return // deliberate deactivation, or already replaced
	}

	if o.deathPolicy == UnmountOnDeath {
		logging.Warn("Orchestrator", "Transport for %s died, unmounting", entryID)
		if err := o.Deactivate(context.Background(), entryID); err != nil {
			logging.Error("Orchestrator", err, "Failed to unmount dead %s", entryID)
		}
		return
	}
	logging.Warn("Orchestrator", "Transport for %s died; mount kept, calls will fail until remounted", entryID)
}

// makeToolHandler is the executor closure behind each registered tool. The
// session is resolved through the client manager at call time so a removed
// mount fails fast.
func (o *Orchestrator) makeToolHandler(handle string, translated *translator.Translated) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sess, ok := o.clients.Session(handle)
		if !ok {
			return mcp.NewToolResultError(fmt.Sprintf("no live session for tool %s; remount the server", translated.Name)), nil
		}

		args := translated.BuildArguments(req.GetArguments())
		result, err := sess.CallTool(ctx, translated.Name, args)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("call to %s failed: %v", translated.Name, err)), nil
		}
		return result, nil
	}
}

// FullToolName builds the namespaced name a mounted tool is exposed under.
func FullToolName(prefix, tool string) string {
	return fmt.Sprintf("mcp_%s_%s", prefix, tool)
}

// childHandle derives the store handle for a spawned child.
func childHandle(c *launcher.Child) string {
	if c.ContainerName != "" {
		return c.ContainerName
	}
	return fmt.Sprintf("pid:%d", c.Pid())
}

// launchSpec maps a catalog entry (plus overrides) onto a launcher spec.
func launchSpec(entry *catalog.Entry, opts ActivateOptions) (launcher.Spec, error) {
	method := entry.Launch
	if opts.LaunchOverride != "" {
		method = opts.LaunchOverride
	}

	env := make(map[string]string)
	if entry.Command != nil {
		for k, v := range entry.Command.Env {
			env[k] = v
		}
	}
	for k, v := range opts.Environment {
		env[k] = v
	}

	switch method {
	case catalog.LaunchPodman:
		return launcher.Spec{
			EntryID: entry.ID,
			Kind:    launcher.KindContainer,
			Image:   entry.Image,
			Env:     env,
		}, nil
	case catalog.LaunchStdioProxy:
		return launcher.Spec{
			EntryID: entry.ID,
			Kind:    launcher.KindCommand,
			Command: entry.Command.Argv(),
			Env:     env,
		}, nil
	case catalog.LaunchRemoteHTTP:
		return launcher.Spec{}, fmt.Errorf("entry %s is a remote HTTP server", entry.ID)
	default:
		return launcher.Spec{}, fmt.Errorf("entry %s has no usable launch method", entry.ID)
	}
}

// initFailureKind classifies an initialize failure. A child that dies
// mid-handshake counts as a failed initialization, not a dead transport;
// TransportClosed is reserved for sessions that were established first.
func initFailureKind(err error) mount.ErrorKind {
	if errors.Is(err, session.ErrTimeout) {
		return mount.KindTimeout
	}
	return mount.KindInitFailed
}
