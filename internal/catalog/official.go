package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"mcpregistry/pkg/logging"
)

// DefaultOfficialURL is the hosted MCP registry API.
const DefaultOfficialURL = "https://registry.modelcontextprotocol.io/v0/servers"

// maxOfficialPages bounds pagination so a misbehaving cursor cannot loop
// forever.
const maxOfficialPages = 50

// OfficialSource scrapes the hosted MCP registry.
type OfficialSource struct {
	URL    string
	Client *http.Client
}

// NewOfficialSource returns a source against the public registry endpoint.
func NewOfficialSource() *OfficialSource {
	return &OfficialSource{
		URL:    DefaultOfficialURL,
		Client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (s *OfficialSource) Name() string   { return "mcp-official-registry" }
func (s *OfficialSource) Origin() Origin { return OriginMCPOfficial }

// officialServer mirrors the v0 API's server object, the parts we read.
type officialServer struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Repository  struct {
		URL string `json:"url"`
	} `json:"repository"`
	Packages []struct {
		RegistryName string `json:"registry_name"`
		Name         string `json:"name"`
		Version      string `json:"version"`
	} `json:"packages"`
}

type officialPage struct {
	Servers  []officialServer `json:"servers"`
	Metadata struct {
		NextCursor string `json:"next_cursor"`
	} `json:"metadata"`
}

// Fetch walks the paginated server list and maps each server to an entry.
func (s *OfficialSource) Fetch(ctx context.Context) ([]*Entry, error) {
	var entries []*Entry
	cursor := ""

	for page := 0; page < maxOfficialPages; page++ {
		result, err := s.fetchPage(ctx, cursor)
		if err != nil {
			return nil, err
		}
		for i := range result.Servers {
			entries = append(entries, mapOfficialServer(&result.Servers[i]))
		}
		if result.Metadata.NextCursor == "" {
			break
		}
		cursor = result.Metadata.NextCursor
	}

	logging.Debug("Catalog", "Official registry returned %d servers", len(entries))
	return entries, nil
}

func (s *OfficialSource) fetchPage(ctx context.Context, cursor string) (*officialPage, error) {
	endpoint := s.URL
	if cursor != "" {
		endpoint = fmt.Sprintf("%s?cursor=%s", s.URL, url.QueryEscape(cursor))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build registry request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("registry request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("registry returned %s", resp.Status)
	}

	var page officialPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("failed to decode registry response: %w", err)
	}
	return &page, nil
}

// mapOfficialServer converts one API server object into a catalog entry.
// Docker/OCI packages make the entry container-launchable; npm packages get
// an npx stdio command; anything else stays unknown.
func mapOfficialServer(srv *officialServer) *Entry {
	e := &Entry{
		ID:            srv.Name,
		Name:          srv.Name,
		Description:   srv.Description,
		Origin:        OriginMCPOfficial,
		RepositoryURL: srv.Repository.URL,
		Official:      true,
		Launch:        LaunchUnknown,
	}
	if e.ID == "" {
		e.ID = srv.ID
		e.Name = srv.ID
	}

	for _, pkg := range srv.Packages {
		switch pkg.RegistryName {
		case "docker", "oci":
			image := pkg.Name
			if pkg.Version != "" {
				image = fmt.Sprintf("%s:%s", pkg.Name, pkg.Version)
			}
			e.Image = image
			e.Launch = LaunchPodman
		case "npm":
			if e.Launch == LaunchPodman {
				continue // container launch wins
			}
			e.Launch = LaunchStdioProxy
			e.Command = &ServerCommand{
				Command: "npx",
				Args:    []string{"-y", pkg.Name},
			}
		}
	}
	return e
}
