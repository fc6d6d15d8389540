// Package mount holds the active-mount records and their persistent store.
//
// An active mount is the runtime record of one activated registry entry: the
// child handle, the namespace prefix, and the discovered tool surface. The
// store keeps the records in memory under a coarse lock, indexes them by
// prefix, and rewrites active_mounts.json atomically on every mutation.
package mount

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"mcpregistry/pkg/logging"
)

// FormatVersion is the active_mounts.json schema version.
const FormatVersion = 1

// ActiveMount is the runtime record of one mounted registry entry.
type ActiveMount struct {
	EntryID string `json:"entry_id"`
	Name    string `json:"name"`
	Prefix  string `json:"prefix"`
	// Handle identifies the running child (container name for container
	// mounts, pid string for command mounts). Persisted for display only;
	// replay regenerates it.
	Handle      string            `json:"handle,omitempty"`
	Environment map[string]string `json:"environment,omitempty"`
	Tools       []string          `json:"tools"`
	Resources   []string          `json:"resources,omitempty"`
	Prompts     []string          `json:"prompts,omitempty"`
	MountedAt   time.Time         `json:"mounted_at"`
}

type persistedState struct {
	Version int            `json:"version"`
	Mounts  []*ActiveMount `json:"mounts"`
}

// Store is the in-memory active-mount set with synchronous file persistence.
// Mutations hold one coarse lock; the persistence write happens under it so
// the file always reflects a consistent snapshot.
type Store struct {
	path string

	mu       sync.RWMutex
	mounts   map[string]*ActiveMount
	byPrefix map[string]string

	lockMu     sync.Mutex
	entryLocks map[string]*sync.Mutex
}

// NewStore creates a store persisting to path (normally active_mounts.json
// under the config directory).
func NewStore(path string) *Store {
	return &Store{
		path:       path,
		mounts:     make(map[string]*ActiveMount),
		byPrefix:   make(map[string]string),
		entryLocks: make(map[string]*sync.Mutex),
	}
}

// LockEntry serializes activate/deactivate for one entry id. It returns the
// release func. Locks are per-entry so unrelated mounts proceed in parallel.
func (s *Store) LockEntry(entryID string) func() {
	s.lockMu.Lock()
	l, ok := s.entryLocks[entryID]
	if !ok {
		l = &sync.Mutex{}
		s.entryLocks[entryID] = l
	}
	s.lockMu.Unlock()

	l.Lock()
	return l.Unlock
}

// Get returns the mount for an entry id.
func (s *Store) Get(entryID string) (*ActiveMount, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.mounts[entryID]
	return m, ok
}

// GetByPrefix returns the mount owning a prefix.
func (s *Store) GetByPrefix(prefix string) (*ActiveMount, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entryID, ok := s.byPrefix[prefix]
	if !ok {
		return nil, false
	}
	m, ok := s.mounts[entryID]
	return m, ok
}

// List returns all active mounts ordered by entry id.
func (s *Store) List() []*ActiveMount {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedLocked()
}

func (s *Store) sortedLocked() []*ActiveMount {
	out := make([]*ActiveMount, 0, len(s.mounts))
	for _, m := range s.mounts {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntryID < out[j].EntryID })
	return out
}

// Add inserts a mount and persists. It fails with AlreadyActive if the entry
// is mounted and PrefixConflict if another mount owns the prefix; under
// concurrent activation exactly one caller wins.
func (s *Store) Add(m *ActiveMount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.mounts[m.EntryID]; exists {
		return NewError(KindAlreadyActive, m.EntryID, nil)
	}
	if owner, exists := s.byPrefix[m.Prefix]; exists {
		return NewError(KindPrefixConflict, m.EntryID,
			fmt.Errorf("prefix %q is held by %s", m.Prefix, owner))
	}

	s.mounts[m.EntryID] = m
	s.byPrefix[m.Prefix] = m.EntryID

	if err := s.persistLocked(); err != nil {
		delete(s.mounts, m.EntryID)
		delete(s.byPrefix, m.Prefix)
		return fmt.Errorf("failed to persist mount %s: %w", m.EntryID, err)
	}
	return nil
}

// Remove deletes a mount and persists. Removing an unknown entry is a no-op.
func (s *Store) Remove(entryID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.mounts[entryID]
	if !ok {
		return nil
	}
	delete(s.mounts, entryID)
	delete(s.byPrefix, m.Prefix)

	if err := s.persistLocked(); err != nil {
		return fmt.Errorf("failed to persist removal of %s: %w", entryID, err)
	}
	return nil
}

// SetEnvironment replaces a mount's stored environment and persists. The new
// values take effect only after the mount is torn down and recreated.
func (s *Store) SetEnvironment(entryID string, env map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.mounts[entryID]
	if !ok {
		return NewError(KindEntryNotFound, entryID, nil)
	}
	m.Environment = env
	return s.persistLocked()
}

// Rewrite persists the current in-memory set. Replay calls it once at the
// end so mounts that failed to come back are dropped from the file.
func (s *Store) Rewrite() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked()
}

// Load reads the persisted mount set for startup replay. A missing file is
// an empty set. Records are returned in file order; the in-memory store is
// not populated, replay re-adds each mount after it activates.
func (s *Store) Load() ([]*ActiveMount, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", s.path, err)
	}

	var state persistedState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", s.path, err)
	}
	if state.Version > FormatVersion {
		return nil, fmt.Errorf("%s has format version %d, this build understands up to %d",
			s.path, state.Version, FormatVersion)
	}

	logging.Debug("MountStore", "Loaded %d persisted mounts from %s", len(state.Mounts), s.path)
	return state.Mounts, nil
}

// persistLocked rewrites the state file atomically: temp file in the same
// directory, fsync, rename over the canonical path. Caller must hold s.mu.
func (s *Store) persistLocked() error {
	state := persistedState{
		Version: FormatVersion,
		Mounts:  s.sortedLocked(),
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal mount state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".active_mounts-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write mount state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync mount state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close mount state: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", s.path, err)
	}
	return nil
}
