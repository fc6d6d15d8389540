package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"mcpregistry/pkg/logging"

	"github.com/sahilm/fuzzy"
)

// catalogFormatVersion is the catalog.json schema version.
const catalogFormatVersion = 1

// DefaultSearchThreshold is the minimum combined score a search hit needs.
const DefaultSearchThreshold = 60.0

// Source feeds entries into the registry. Implementations scrape one origin.
type Source interface {
	// Name identifies the source in logs and refresh bookkeeping.
	Name() string
	// Origin is the tag stamped on every entry the source produces.
	Origin() Origin
	// Fetch returns the source's current entry set.
	Fetch(ctx context.Context) ([]*Entry, error)
}

// SearchResult is one ranked search hit.
type SearchResult struct {
	Entry *Entry
	Score float64
}

type persistedCatalog struct {
	Version int      `json:"version"`
	Entries []*Entry `json:"entries"`
}

// Registry is the in-memory entry catalog with file persistence. Reads are
// concurrent; mutation goes through the refresher or the add/remove
// management operations, serialized by the write lock.
type Registry struct {
	path string

	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewRegistry creates a registry persisting to path (normally catalog.json
// under the config directory).
func NewRegistry(path string) *Registry {
	return &Registry{
		path:    path,
		entries: make(map[string]*Entry),
	}
}

// Load reads the persisted catalog. A missing file is an empty catalog.
func (r *Registry) Load() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read %s: %w", r.path, err)
	}

	var state persistedCatalog
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("failed to parse %s: %w", r.path, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[string]*Entry, len(state.Entries))
	for _, e := range state.Entries {
		e.Normalize()
		r.entries[e.ID] = e
	}
	logging.Info("Catalog", "Loaded %d entries from %s", len(r.entries), r.path)
	return nil
}

// Get returns the entry with the given id.
func (r *Registry) Get(id string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}

// List returns all entries ordered by id.
func (r *Registry) List() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sortedLocked()
}

// Count returns the number of entries.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *Registry) sortedLocked() []*Entry {
	out := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Add inserts a user-supplied entry. Duplicate ids are refused; the scraped
// catalog is never silently overwritten by hand-added entries.
func (r *Registry) Add(e *Entry) error {
	if e.ID == "" {
		return fmt.Errorf("entry has no id")
	}
	e.Normalize()
	if e.RefreshedAt.IsZero() {
		e.RefreshedAt = time.Now().UTC()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[e.ID]; exists {
		return fmt.Errorf("entry %s already exists", e.ID)
	}
	r.entries[e.ID] = e
	return r.persistLocked()
}

// Remove deletes an entry by id.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[id]; !exists {
		return fmt.Errorf("entry %s not found", id)
	}
	delete(r.entries, id)
	return r.persistLocked()
}

// Refresh replaces every entry of the source's origin with a fresh fetch.
// Entries from other origins are untouched.
func (r *Registry) Refresh(ctx context.Context, source Source) error {
	fetched, err := source.Fetch(ctx)
	if err != nil {
		return fmt.Errorf("source %s fetch failed: %w", source.Name(), err)
	}

	now := time.Now().UTC()
	for _, e := range fetched {
		e.Origin = source.Origin()
		e.RefreshedAt = now
		e.Normalize()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, e := range r.entries {
		if e.Origin == source.Origin() {
			delete(r.entries, id)
			removed++
		}
	}
	for _, e := range fetched {
		r.entries[e.ID] = e
	}

	logging.Info("Catalog", "Refreshed %s: %d entries (replaced %d)", source.Name(), len(fetched), removed)
	return r.persistLocked()
}

// Search ranks entries against a query, blending fuzzy text relevance with
// the popularity score. Relevance carries 60% of the weight, popularity 40%;
// hits below threshold are dropped. A zero threshold means the default.
func (r *Registry) Search(query string, limit int, threshold float64) []SearchResult {
	if threshold <= 0 {
		threshold = DefaultSearchThreshold
	}

	r.mu.RLock()
	entries := r.sortedLocked()
	r.mu.RUnlock()

	if len(entries) == 0 {
		return nil
	}

	corpus := entryCorpus(entries)
	matches := fuzzy.FindFrom(strings.ToLower(query), corpus)
	if len(matches) == 0 {
		return nil
	}

	best := matches[0].Score
	if best <= 0 {
		best = 1
	}

	results := make([]SearchResult, 0, len(matches))
	for _, m := range matches {
		relevance := 100 * float64(m.Score) / float64(best)
		if relevance < 0 {
			relevance = 0
		}
		popularity := float64(entries[m.Index].PopularityScore())
		if popularity > 50 {
			popularity = 50
		}
		score := 0.6*relevance + 0.4*popularity*2

		if score < threshold {
			continue
		}
		results = append(results, SearchResult{Entry: entries[m.Index], Score: score})
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results
}

// entryCorpus adapts an entry slice to the fuzzy matcher.
type entryCorpus []*Entry

func (c entryCorpus) String(i int) string { return c[i].searchText() }
func (c entryCorpus) Len() int            { return len(c) }

// persistLocked rewrites catalog.json atomically. Caller must hold r.mu.
func (r *Registry) persistLocked() error {
	state := persistedCatalog{
		Version: catalogFormatVersion,
		Entries: r.sortedLocked(),
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal catalog: %w", err)
	}

	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".catalog-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write catalog: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync catalog: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close catalog: %w", err)
	}

	if err := os.Rename(tmpName, r.path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", r.path, err)
	}
	return nil
}
