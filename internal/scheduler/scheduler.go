// Package scheduler runs the periodic catalog refresh.
//
// One long-lived goroutine wakes on a fixed interval and refreshes each
// configured source whose last success is older than the minimum interval.
// Refreshes run sequentially; the catalog's own locking makes that safe and
// keeps scraper load predictable.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"mcpregistry/internal/catalog"
	"mcpregistry/pkg/logging"
)

const (
	// DefaultWakeInterval is how often the scheduler checks for due work.
	DefaultWakeInterval = 6 * time.Hour
	// DefaultMinInterval is the minimum age of a source's last success
	// before it is refreshed again.
	DefaultMinInterval = 24 * time.Hour
)

// SourceStatus is the refresh bookkeeping for one source.
type SourceStatus struct {
	Name        string    `json:"name"`
	LastSuccess time.Time `json:"last_success,omitempty"`
	LastAttempt time.Time `json:"last_attempt,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
}

// Scheduler drives refreshes of the catalog's sources.
type Scheduler struct {
	registry *catalog.Registry
	sources  []catalog.Source
	wake     time.Duration
	min      time.Duration

	mu     sync.Mutex
	status map[string]*SourceStatus
}

// New builds a scheduler. Zero intervals take the defaults.
func New(registry *catalog.Registry, sources []catalog.Source, wake, min time.Duration) *Scheduler {
	if wake <= 0 {
		wake = DefaultWakeInterval
	}
	if min <= 0 {
		min = DefaultMinInterval
	}
	s := &Scheduler{
		registry: registry,
		sources:  sources,
		wake:     wake,
		min:      min,
		status:   make(map[string]*SourceStatus),
	}
	for _, src := range sources {
		s.status[src.Name()] = &SourceStatus{Name: src.Name()}
	}
	return s
}

// Run blocks until ctx is done, refreshing due sources on every wake. The
// first pass happens immediately so a fresh process starts with a catalog.
func (s *Scheduler) Run(ctx context.Context) {
	logging.Info("Scheduler", "Refresh scheduler running (wake %s, min interval %s)", s.wake, s.min)

	s.refreshDue(ctx)

	ticker := time.NewTicker(s.wake)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refreshDue(ctx)
		}
	}
}

// refreshDue refreshes every source whose last success is stale. Sources run
// sequentially in configuration order.
func (s *Scheduler) refreshDue(ctx context.Context) {
	for _, src := range s.sources {
		if ctx.Err() != nil {
			return
		}
		s.mu.Lock()
		last := s.status[src.Name()].LastSuccess
		s.mu.Unlock()

		if time.Since(last) < s.min {
			continue
		}
		s.refresh(ctx, src)
	}
}

func (s *Scheduler) refresh(ctx context.Context, src catalog.Source) error {
	now := time.Now().UTC()
	err := s.registry.Refresh(ctx, src)

	s.mu.Lock()
	st := s.status[src.Name()]
	st.LastAttempt = now
	if err != nil {
		st.LastError = err.Error()
	} else {
		st.LastSuccess = now
		st.LastError = ""
	}
	s.mu.Unlock()

	if err != nil {
		logging.Error("Scheduler", err, "Refresh of %s failed", src.Name())
	}
	return err
}

// ForceRefresh refreshes one source on demand. The minimum interval still
// applies unless override is set.
func (s *Scheduler) ForceRefresh(ctx context.Context, name string, override bool) error {
	var src catalog.Source
	for _, candidate := range s.sources {
		if candidate.Name() == name {
			src = candidate
			break
		}
	}
	if src == nil {
		return fmt.Errorf("unknown source %q", name)
	}

	s.mu.Lock()
	last := s.status[name].LastSuccess
	s.mu.Unlock()

	if !override && time.Since(last) < s.min {
		return fmt.Errorf("source %q was refreshed %s ago, minimum interval is %s (use override)",
			name, time.Since(last).Round(time.Second), s.min)
	}
	return s.refresh(ctx, src)
}

// SourceNames lists the configured sources in order.
func (s *Scheduler) SourceNames() []string {
	names := make([]string, 0, len(s.sources))
	for _, src := range s.sources {
		names = append(names, src.Name())
	}
	return names
}

// Status returns a snapshot of every source's refresh bookkeeping.
func (s *Scheduler) Status() []SourceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]SourceStatus, 0, len(s.status))
	for _, st := range s.status {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
