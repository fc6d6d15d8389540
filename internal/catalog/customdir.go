package catalog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"mcpregistry/pkg/logging"

	"github.com/fsnotify/fsnotify"
	"sigs.k8s.io/yaml"
)

// CustomDirSource reads hand-written entry files from a directory. Each
// .yaml/.yml/.json file holds either one entry or a list of entries.
type CustomDirSource struct {
	Dir string
}

// NewCustomDirSource returns a source over dir.
func NewCustomDirSource(dir string) *CustomDirSource {
	return &CustomDirSource{Dir: dir}
}

func (s *CustomDirSource) Name() string   { return "custom-dir:" + s.Dir }
func (s *CustomDirSource) Origin() Origin { return OriginCustom }

// Fetch reads every entry file in the directory. A missing directory is an
// empty set; an unreadable file is logged and skipped so one bad file does
// not hide the rest.
func (s *CustomDirSource) Fetch(_ context.Context) ([]*Entry, error) {
	files, err := os.ReadDir(s.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", s.Dir, err)
	}

	var entries []*Entry
	for _, f := range files {
		if f.IsDir() || !isEntryFile(f.Name()) {
			continue
		}
		path := filepath.Join(s.Dir, f.Name())
		fileEntries, err := readEntryFile(path)
		if err != nil {
			logging.Warn("Catalog", "Skipping %s: %v", path, err)
			continue
		}
		entries = append(entries, fileEntries...)
	}
	return entries, nil
}

func isEntryFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

// readEntryFile parses one file as either a single entry or a list.
// sigs.k8s.io/yaml handles both YAML and JSON input.
func readEntryFile(path string) ([]*Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var list []*Entry
	if err := yaml.Unmarshal(data, &list); err == nil && len(list) > 0 {
		return validateEntries(path, list)
	}

	var single Entry
	if err := yaml.Unmarshal(data, &single); err != nil {
		return nil, fmt.Errorf("not an entry or entry list: %w", err)
	}
	return validateEntries(path, []*Entry{&single})
}

func validateEntries(path string, entries []*Entry) ([]*Entry, error) {
	out := entries[:0]
	for _, e := range entries {
		if e == nil || e.ID == "" {
			return nil, fmt.Errorf("%s contains an entry without an id", path)
		}
		out = append(out, e)
	}
	return out, nil
}

// Watch re-fetches the directory into the registry whenever a file changes,
// debounced so editors that write in bursts trigger one refresh. It blocks
// until ctx is done.
func (s *CustomDirSource) Watch(ctx context.Context, registry *Registry) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", s.Dir, err)
	}
	if err := watcher.Add(s.Dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", s.Dir, err)
	}

	logging.Info("Catalog", "Watching %s for custom entries", s.Dir)

	var debounce *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isEntryFile(event.Name) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.NewTimer(500 * time.Millisecond)
			fire = debounce.C

		case <-fire:
			fire = nil
			if err := registry.Refresh(ctx, s); err != nil {
				logging.Error("Catalog", err, "Custom entry refresh failed")
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logging.Warn("Catalog", "Watcher error: %v", err)
		}
	}
}
