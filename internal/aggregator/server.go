// Package aggregator is the MCP server surface of the registry: it exposes
// the management meta tools, dynamically registers every mounted server's
// tools under mcp_<prefix>_* names, and routes calls back to the owning
// child session.
package aggregator

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"mcpregistry/internal/catalog"
	"mcpregistry/internal/clients"
	"mcpregistry/internal/launcher"
	"mcpregistry/internal/mount"
	"mcpregistry/internal/scheduler"
	"mcpregistry/pkg/logging"

	"github.com/mark3labs/mcp-go/server"
)

// Transport selects how the aggregator serves MCP.
type Transport string

const (
	TransportStdio          Transport = "stdio"
	TransportSSE            Transport = "sse"
	TransportStreamableHTTP Transport = "streamable-http"
)

// Config configures the aggregator server.
type Config struct {
	Name      string
	Version   string
	Transport Transport
	Host      string
	Port      int
	// StateDir holds active_mounts.json.
	StateDir string
	// CallTimeout overrides the per-tool-call deadline toward children.
	CallTimeout time.Duration
	// OnTransportDeath says what to do with a mount whose child dies.
	OnTransportDeath TransportDeathPolicy
}

// AggregatorServer ties the MCP surface to the mount machinery.
type AggregatorServer struct {
	config Config

	catalog   *catalog.Registry
	scheduler *scheduler.Scheduler

	store        *mount.Store
	clients      *clients.Manager
	registry     *DynamicRegistry
	orchestrator *Orchestrator

	server               *server.MCPServer
	sseServer            *server.SSEServer
	streamableHTTPServer *server.StreamableHTTPServer
	stdioServer          *server.StdioServer

	ctx        context.Context
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	mu         sync.RWMutex
}

// NewAggregatorServer creates the server around an already-loaded catalog
// and its refresh scheduler.
func NewAggregatorServer(cfg Config, cat *catalog.Registry, sched *scheduler.Scheduler) *AggregatorServer {
	return &AggregatorServer{
		config:    cfg,
		catalog:   cat,
		scheduler: sched,
		store:     mount.NewStore(filepath.Join(cfg.StateDir, "active_mounts.json")),
		clients:   clients.NewManager(),
	}
}

// Start brings up the MCP server, replays persisted mounts, starts the
// refresh scheduler, and begins serving on the configured transport.
func (a *AggregatorServer) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.server != nil {
		a.mu.Unlock()
		return fmt.Errorf("aggregator server already started")
	}

	a.ctx, a.cancelFunc = context.WithCancel(ctx)

	a.server = server.NewMCPServer(
		a.config.Name,
		a.config.Version,
		server.WithToolCapabilities(true),
	)
	a.registry = NewDynamicRegistry(a.server)
	a.orchestrator = NewOrchestrator(
		a.catalog, a.store, launcher.New(), a.clients, a.registry,
		a.config.OnTransportDeath, a.config.CallTimeout,
	)
	a.registerMetaTools()
	a.mu.Unlock()

	// Persisted mounts come back in the background; the transport serves
	// the meta tools immediately.
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.orchestrator.Replay(a.ctx)
	}()

	if a.scheduler != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.scheduler.Run(a.ctx)
		}()
	}

	addr := fmt.Sprintf("%s:%d", a.config.Host, a.config.Port)

	switch a.config.Transport {
	case TransportSSE:
		logging.Info("Aggregator", "Serving MCP over SSE on %s", addr)
		baseURL := fmt.Sprintf("http://%s:%d", a.config.Host, a.config.Port)
		a.sseServer = server.NewSSEServer(
			a.server,
			server.WithBaseURL(baseURL),
			server.WithSSEEndpoint("/sse"),
			server.WithMessageEndpoint("/message"),
			server.WithKeepAlive(true),
			server.WithKeepAliveInterval(30*time.Second),
		)
		sseServer := a.sseServer
		go func() {
			if err := sseServer.Start(addr); err != nil && err != http.ErrServerClosed {
				logging.Error("Aggregator", err, "SSE server error")
			}
		}()

	case TransportStdio:
		logging.Info("Aggregator", "Serving MCP over stdio")
		a.stdioServer = server.NewStdioServer(a.server)
		stdioServer := a.stdioServer
		go func() {
			if err := stdioServer.Listen(a.ctx, os.Stdin, os.Stdout); err != nil {
				logging.Error("Aggregator", err, "Stdio server error")
			}
		}()

	case TransportStreamableHTTP:
		fallthrough
	default:
		logging.Info("Aggregator", "Serving MCP over streamable-http on %s", addr)
		a.streamableHTTPServer = server.NewStreamableHTTPServer(a.server)
		streamableServer := a.streamableHTTPServer
		go func() {
			if err := streamableServer.Start(addr); err != nil && err != http.ErrServerClosed {
				logging.Error("Aggregator", err, "Streamable HTTP server error")
			}
		}()
	}

	return nil
}

// Stop shuts down the transports, tears down every active mount, and waits
// for the background routines.
func (a *AggregatorServer) Stop(ctx context.Context) error {
	a.mu.Lock()
	if a.server == nil {
		a.mu.Unlock()
		return fmt.Errorf("aggregator server not started")
	}

	logging.Info("Aggregator", "Stopping aggregator")

	cancelFunc := a.cancelFunc
	sseServer := a.sseServer
	streamableServer := a.streamableHTTPServer
	orchestrator := a.orchestrator
	a.mu.Unlock()

	if cancelFunc != nil {
		cancelFunc()
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if sseServer != nil {
		if err := sseServer.Shutdown(shutdownCtx); err != nil {
			logging.Error("Aggregator", err, "Error shutting down SSE server")
		}
	}
	if streamableServer != nil {
		if err := streamableServer.Shutdown(shutdownCtx); err != nil {
			logging.Error("Aggregator", err, "Error shutting down streamable HTTP server")
		}
	}
	// The stdio server stops on context cancellation.

	a.wg.Wait()

	orchestrator.DeactivateAll(ctx)

	a.mu.Lock()
	a.server = nil
	a.sseServer = nil
	a.streamableHTTPServer = nil
	a.stdioServer = nil
	a.mu.Unlock()

	return nil
}

// Store exposes the active-mount store for CLI status commands.
func (a *AggregatorServer) Store() *mount.Store {
	return a.store
}

// Orchestrator exposes the mount flows for CLI commands.
func (a *AggregatorServer) Orchestrator() *Orchestrator {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.orchestrator
}
