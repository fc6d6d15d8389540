// Package catalog holds the registry of known MCP servers: the immutable
// entry descriptors, the searchable in-memory registry, and the sources that
// feed it.
package catalog

import (
	"strings"
	"time"
)

// Origin tags where an entry was scraped or added from.
type Origin string

const (
	OriginDocker      Origin = "docker"
	OriginMCPServers  Origin = "mcpservers"
	OriginMCPOfficial Origin = "mcp-official"
	OriginAwesome     Origin = "awesome"
	// OriginCustom marks entries fetched from the watched entry directory.
	OriginCustom Origin = "custom"
	// OriginManual marks entries added through the registry_add tool. No
	// source owns this origin, so refreshes never reclaim these entries.
	OriginManual Origin = "manual"
)

// LaunchMethod says how an entry's server is started.
type LaunchMethod string

const (
	LaunchPodman     LaunchMethod = "podman"
	LaunchStdioProxy LaunchMethod = "stdio-proxy"
	LaunchRemoteHTTP LaunchMethod = "remote-http"
	LaunchUnknown    LaunchMethod = "unknown"
)

// ServerCommand is the local command for stdio-proxy entries.
type ServerCommand struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// Argv returns the full argument vector.
func (c *ServerCommand) Argv() []string {
	if c == nil || c.Command == "" {
		return nil
	}
	return append([]string{c.Command}, c.Args...)
}

// Entry is one catalog record. Entries are immutable descriptors: readable
// by anyone, replaced wholesale by the refresher, never mutated in place.
type Entry struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Description    string         `json:"description,omitempty"`
	Origin         Origin         `json:"origin"`
	RepositoryURL  string         `json:"repository_url,omitempty"`
	Image          string         `json:"image,omitempty"`
	Categories     []string       `json:"categories,omitempty"`
	Tags           []string       `json:"tags,omitempty"`
	Official       bool           `json:"official,omitempty"`
	Featured       bool           `json:"featured,omitempty"`
	RequiresAPIKey bool           `json:"requires_api_key,omitempty"`
	Launch         LaunchMethod   `json:"launch"`
	Command        *ServerCommand `json:"command,omitempty"`
	RefreshedAt    time.Time      `json:"refreshed_at"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Normalize cleans an entry on intake: tags are deduplicated preserving
// order, and an empty launch method becomes unknown.
func (e *Entry) Normalize() {
	if len(e.Tags) > 1 {
		seen := make(map[string]bool, len(e.Tags))
		out := e.Tags[:0]
		for _, tag := range e.Tags {
			if seen[tag] {
				continue
			}
			seen[tag] = true
			out = append(out, tag)
		}
		e.Tags = out
	}
	if e.Launch == "" {
		e.Launch = LaunchUnknown
	}
}

// PopularityScore ranks an entry for search ordering. Official and featured
// entries dominate; curated origins and runnable images add smaller boosts.
func (e *Entry) PopularityScore() int {
	score := 0
	if e.Official {
		score += 20
	}
	if e.Featured {
		score += 10
	}
	n := len(e.Categories)
	if n > 3 {
		n = 3
	}
	score += n * 2

	switch e.Origin {
	case OriginMCPOfficial:
		score += 15
	case OriginDocker:
		score += 5
	}

	if e.Image != "" {
		score += 3
	}
	return score
}

// searchText is the haystack fuzzy search matches against.
func (e *Entry) searchText() string {
	parts := []string{e.ID, e.Name, e.Description}
	parts = append(parts, e.Tags...)
	parts = append(parts, e.Categories...)
	return strings.ToLower(strings.Join(parts, " "))
}

// DerivePrefix builds the default mount prefix from an entry id: the last
// path segment with every separator turned into an underscore.
func DerivePrefix(entryID string) string {
	seg := entryID
	if idx := strings.LastIndex(seg, "/"); idx >= 0 {
		seg = seg[idx+1:]
	}
	var b strings.Builder
	for _, r := range seg {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r + ('a' - 'A'))
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}
