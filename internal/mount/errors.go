package mount

import (
	"errors"
	"fmt"
)

// ErrorKind classifies mount lifecycle failures. Kinds are stable strings so
// they can be reported verbatim to callers of the management tools.
type ErrorKind string

const (
	// KindEntryNotFound means the entry id is not in the catalog.
	KindEntryNotFound ErrorKind = "EntryNotFound"
	// KindPrefixConflict means the requested or derived prefix collides
	// with an active mount.
	KindPrefixConflict ErrorKind = "PrefixConflict"
	// KindAlreadyActive means the entry is already mounted.
	KindAlreadyActive ErrorKind = "AlreadyActive"
	// KindLaunchFailed means the child process or container failed to start.
	KindLaunchFailed ErrorKind = "LaunchFailed"
	// KindInitFailed means the MCP initialize handshake failed.
	KindInitFailed ErrorKind = "InitFailed"
	// KindTimeout means a lifecycle step exceeded its deadline.
	KindTimeout ErrorKind = "Timeout"
	// KindDiscoveryFailed means tools/list failed after a good handshake.
	KindDiscoveryFailed ErrorKind = "DiscoveryFailed"
	// KindRegistrationFailed means a tool name could not be registered on
	// the aggregator, usually a collision.
	KindRegistrationFailed ErrorKind = "RegistrationFailed"
	// KindRemoteError means the child returned a JSON-RPC error.
	KindRemoteError ErrorKind = "RemoteError"
	// KindTransportClosed means the child's stdio transport died.
	KindTransportClosed ErrorKind = "TransportClosed"
)

// Error is a classified mount lifecycle failure tied to one entry.
type Error struct {
	Kind    ErrorKind
	EntryID string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.EntryID, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.EntryID)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError builds a classified mount error.
func NewError(kind ErrorKind, entryID string, cause error) *Error {
	return &Error{Kind: kind, EntryID: entryID, Cause: cause}
}

// KindOf extracts the kind from an error chain, or "" if the chain carries no
// mount error.
func KindOf(err error) ErrorKind {
	var me *Error
	if errors.As(err, &me) {
		return me.Kind
	}
	return ""
}
