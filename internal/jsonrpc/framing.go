// Package jsonrpc implements line-delimited JSON-RPC 2.0 framing over a
// child process's stdio pipes.
//
// Messages are UTF-8 JSON objects, one per line, terminated by '\n'. Outbound
// the framer emits requests (with an id) and notifications (without). Inbound
// it reads whole lines, parses them, and classifies each as a response or a
// notification. Unparseable lines are logged and discarded; they never
// terminate the stream. Correlation of responses to requests is the session's
// job, not the framer's.
package jsonrpc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"mcpregistry/pkg/logging"
)

// Version is the JSON-RPC protocol version sent on every outbound frame.
const Version = "2.0"

// maxLineBytes bounds a single inbound frame. MCP tool results can be large
// (file contents, query output), so this is generous.
const maxLineBytes = 16 * 1024 * 1024

// Error is the error object carried in a JSON-RPC response.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Message is a single inbound frame. A frame with an id is a response; a
// frame with a method and no id is a notification.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// IsResponse reports whether the message correlates to an outbound request.
func (m *Message) IsResponse() bool {
	return m.ID != nil
}

// IsNotification reports whether the message is a server-initiated
// notification.
func (m *Message) IsNotification() bool {
	return m.ID == nil && m.Method != ""
}

// Framer frames JSON-RPC messages over a byte-oriented bidirectional stream.
// Writes are serialized by an internal lock so concurrent callers never
// interleave partial lines. Reads must come from a single goroutine.
type Framer struct {
	name    string
	writer  io.Writer
	scanner *bufio.Scanner

	writeMu sync.Mutex
	nextID  atomic.Int64
}

// NewFramer creates a framer writing requests to w (the child's stdin) and
// reading frames from r (the child's stdout). The name tags log output.
func NewFramer(name string, w io.Writer, r io.Reader) *Framer {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	return &Framer{
		name:    name,
		writer:  w,
		scanner: scanner,
	}
}

// NextID allocates the next request id. Ids are monotone per framer,
// starting at 1.
func (f *Framer) NextID() int64 {
	return f.nextID.Add(1)
}

// WriteRequest sends a request frame with the given id.
func (f *Framer) WriteRequest(id int64, method string, params any) error {
	return f.writeFrame(request{
		JSONRPC: Version,
		ID:      id,
		Method:  method,
		Params:  params,
	})
}

// WriteNotification sends a notification frame (no id, no reply expected).
func (f *Framer) WriteNotification(method string, params any) error {
	return f.writeFrame(notification{
		JSONRPC: Version,
		Method:  method,
		Params:  params,
	})
}

func (f *Framer) writeFrame(frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}
	data = append(data, '\n')

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	if _, err := f.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// ReadMessage reads the next classifiable frame from the stream. Garbage
// lines are logged and skipped. Returns io.EOF when the stream ends.
func (f *Framer) ReadMessage() (*Message, error) {
	for {
		if !f.scanner.Scan() {
			if err := f.scanner.Err(); err != nil {
				return nil, err
			}
			return nil, io.EOF
		}

		line := f.scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			logging.Warn("JSONRPC", "Discarding unparseable line from %s: %v", f.name, err)
			continue
		}

		if !msg.IsResponse() && !msg.IsNotification() {
			logging.Warn("JSONRPC", "Discarding unclassifiable frame from %s", f.name)
			continue
		}

		return &msg, nil
	}
}
