// Package session implements the MCP client session the aggregator holds
// toward each mounted child server.
//
// A session wraps the child's stdio pipes in JSON-RPC framing and drives the
// MCP handshake and request/response cycle. One background reader goroutine
// owns stdout; concurrent callers share stdin through the framer's write lock
// and await their responses independently via a pending-waiter map keyed by
// request id.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"mcpregistry/internal/jsonrpc"
	"mcpregistry/pkg/logging"

	"github.com/mark3labs/mcp-go/mcp"
)

// ProtocolVersion is the MCP protocol revision spoken to children.
const ProtocolVersion = "2024-11-05"

// ClientName and ClientVersion identify the aggregator in the initialize
// handshake.
const (
	ClientName    = "mcpregistry"
	ClientVersion = "0.1.0"
)

const (
	// InitializeTimeout bounds the initialize round trip.
	InitializeTimeout = 30 * time.Second
	// ListTimeout bounds each tools/list, resources/list and prompts/list call.
	ListTimeout = 30 * time.Second
	// DefaultCallTimeout bounds tools/call unless overridden per session.
	DefaultCallTimeout = 15 * time.Second
)

// ErrTransportClosed indicates the child's stdio transport is gone (EOF or
// write failure). All pending and future calls on the session fail with it.
var ErrTransportClosed = errors.New("session transport closed")

// ErrTimeout indicates a call's deadline elapsed before the child responded.
// The session stays usable; the stale response, if it ever arrives, is
// discarded by the reader.
var ErrTimeout = errors.New("request timed out")

// RemoteError carries a JSON-RPC error returned by the child.
type RemoteError struct {
	Code    int
	Message string
	Data    json.RawMessage
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error %d: %s", e.Code, e.Message)
}

// Session is the stateful JSON-RPC client wrapped around one child's pipes.
// It is single-owner: it belongs to exactly one mount and is never shared.
type Session struct {
	name   string
	framer *jsonrpc.Framer
	stdin  io.WriteCloser

	mu      sync.Mutex
	pending map[int64]chan *jsonrpc.Message
	closed  bool

	initialized  bool
	serverInfo   mcp.Implementation
	capabilities json.RawMessage
	callTimeout  time.Duration

	readerDone chan struct{}
}

// New creates a session over the child's pipes and starts the reader
// goroutine. The name tags log output and is normally the mount's entry id.
func New(name string, stdin io.WriteCloser, stdout io.Reader) *Session {
	s := &Session{
		name:        name,
		framer:      jsonrpc.NewFramer(name, stdin, stdout),
		stdin:       stdin,
		pending:     make(map[int64]chan *jsonrpc.Message),
		callTimeout: DefaultCallTimeout,
		readerDone:  make(chan struct{}),
	}
	go s.readLoop()
	return s
}

// SetCallTimeout overrides the per-call deadline for tools/call.
func (s *Session) SetCallTimeout(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d > 0 {
		s.callTimeout = d
	}
}

// readLoop drains the child's stdout. It completes waiters for responses,
// discards responses with unknown ids, and ignores notifications (a future
// extension point). On EOF or read failure it fails every pending waiter and
// marks the session closed.
func (s *Session) readLoop() {
	defer close(s.readerDone)

	for {
		msg, err := s.framer.ReadMessage()
		if err != nil {
			if err != io.EOF {
				logging.Warn("Session", "Read error from %s: %v", s.name, err)
			}
			s.mu.Lock()
			s.closed = true
			s.failPendingLocked()
			s.mu.Unlock()
			return
		}

		if msg.IsNotification() {
			logging.Debug("Session", "Ignoring notification %s from %s", msg.Method, s.name)
			continue
		}

		s.mu.Lock()
		waiter, ok := s.pending[*msg.ID]
		if ok {
			delete(s.pending, *msg.ID)
		}
		s.mu.Unlock()

		if !ok {
			logging.Warn("Session", "Discarding response with unknown id %d from %s", *msg.ID, s.name)
			continue
		}
		waiter <- msg
	}
}

// failPendingLocked closes every pending waiter channel. Receivers interpret
// the closed channel as ErrTransportClosed. Caller must hold s.mu.
func (s *Session) failPendingLocked() {
	for id, waiter := range s.pending {
		delete(s.pending, id)
		close(waiter)
	}
}

// call sends a request and waits for its correlated response within timeout.
func (s *Session) call(ctx context.Context, method string, params any, timeout time.Duration) (*jsonrpc.Message, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrTransportClosed
	}
	id := s.framer.NextID()
	waiter := make(chan *jsonrpc.Message, 1)
	s.pending[id] = waiter
	s.mu.Unlock()

	if err := s.framer.WriteRequest(id, method, params); err != nil {
		// Write failure is session-terminating.
		s.mu.Lock()
		s.closed = true
		delete(s.pending, id)
		s.failPendingLocked()
		s.mu.Unlock()
		logging.Error("Session", err, "Write failed on %s, closing session", s.name)
		return nil, fmt.Errorf("%w: %v", ErrTransportClosed, err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case msg, ok := <-waiter:
		if !ok {
			return nil, ErrTransportClosed
		}
		if msg.Error != nil {
			return nil, &RemoteError{
				Code:    msg.Error.Code,
				Message: msg.Error.Message,
				Data:    msg.Error.Data,
			}
		}
		return msg, nil

	case <-ctx.Done():
		s.mu.Lock()
		delete(s.pending, id)
		closed := s.closed
		s.mu.Unlock()

		if closed {
			return nil, ErrTransportClosed
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s: %w", method, ErrTimeout)
		}
		return nil, ctx.Err()
	}
}

// Initialize performs the MCP handshake: an initialize request (awaited up to
// 30s) followed by a fire-and-forget notifications/initialized. Server
// capabilities are retained but not interpreted in this release.
func (s *Session) Initialize(ctx context.Context) error {
	params := map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities": map[string]any{
			"tools": map[string]any{},
		},
		"clientInfo": map[string]any{
			"name":    ClientName,
			"version": ClientVersion,
		},
	}

	msg, err := s.call(ctx, "initialize", params, InitializeTimeout)
	if err != nil {
		return fmt.Errorf("initialize failed: %w", err)
	}

	var result struct {
		ProtocolVersion string             `json:"protocolVersion"`
		Capabilities    json.RawMessage    `json:"capabilities"`
		ServerInfo      mcp.Implementation `json:"serverInfo"`
	}
	if err := json.Unmarshal(msg.Result, &result); err != nil {
		return fmt.Errorf("failed to decode initialize result: %w", err)
	}

	s.mu.Lock()
	s.initialized = true
	s.serverInfo = result.ServerInfo
	s.capabilities = result.Capabilities
	s.mu.Unlock()

	if err := s.framer.WriteNotification("notifications/initialized", nil); err != nil {
		logging.Warn("Session", "Failed to send initialized notification to %s: %v", s.name, err)
	}

	logging.Debug("Session", "Initialized %s (server: %s %s)", s.name, result.ServerInfo.Name, result.ServerInfo.Version)
	return nil
}

// Initialized reports whether the handshake has completed.
func (s *Session) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

// ServerInfo returns the child's advertised implementation info.
func (s *Session) ServerInfo() mcp.Implementation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverInfo
}

// ListTools fetches the child's tool definitions.
func (s *Session) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	msg, err := s.call(ctx, "tools/list", nil, ListTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}

	var result mcp.ListToolsResult
	if err := json.Unmarshal(msg.Result, &result); err != nil {
		return nil, fmt.Errorf("failed to decode tools/list result: %w", err)
	}
	return result.Tools, nil
}

// ListResources fetches the child's resource descriptors. Discovery only;
// resources are not routed in this release.
func (s *Session) ListResources(ctx context.Context) ([]mcp.Resource, error) {
	msg, err := s.call(ctx, "resources/list", nil, ListTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}

	var result mcp.ListResourcesResult
	if err := json.Unmarshal(msg.Result, &result); err != nil {
		return nil, fmt.Errorf("failed to decode resources/list result: %w", err)
	}
	return result.Resources, nil
}

// ListPrompts fetches the child's prompt descriptors. Discovery only.
func (s *Session) ListPrompts(ctx context.Context) ([]mcp.Prompt, error) {
	msg, err := s.call(ctx, "prompts/list", nil, ListTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to list prompts: %w", err)
	}

	var result mcp.ListPromptsResult
	if err := json.Unmarshal(msg.Result, &result); err != nil {
		return nil, fmt.Errorf("failed to decode prompts/list result: %w", err)
	}
	return result.Prompts, nil
}

// CallTool invokes a tool on the child and returns its result.
func (s *Session) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	s.mu.Lock()
	timeout := s.callTimeout
	s.mu.Unlock()

	params := map[string]any{
		"name":      name,
		"arguments": args,
	}
	msg, err := s.call(ctx, "tools/call", params, timeout)
	if err != nil {
		return nil, err
	}

	result, err := mcp.ParseCallToolResult(&msg.Result)
	if err != nil {
		return nil, fmt.Errorf("failed to decode tools/call result: %w", err)
	}
	return result, nil
}

// Close marks the session closed, fails all pending waiters, and closes the
// child's stdin. Closing stdin is the graceful shutdown signal; the launcher
// reaps the process afterwards. Safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.failPendingLocked()
	s.mu.Unlock()

	err := s.stdin.Close()
	logging.Debug("Session", "Closed session %s", s.name)
	return err
}

// Closed reports whether the transport is gone or Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Done returns a channel closed when the reader goroutine has exited, which
// happens once the child's stdout reaches EOF.
func (s *Session) Done() <-chan struct{} {
	return s.readerDone
}
