package cmd

import (
	"bytes"
	"path/filepath"
	"testing"

	"mcpregistry/internal/catalog"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedCatalog(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cat := catalog.NewRegistry(filepath.Join(dir, "catalog.json"))
	require.NoError(t, cat.Add(&catalog.Entry{
		ID:          "custom/sqlite",
		Name:        "SQLite",
		Description: "Query SQLite databases",
		Origin:      catalog.OriginCustom,
		Launch:      catalog.LaunchPodman,
		Tags:        []string{"db"},
	}))
	require.NoError(t, cat.Add(&catalog.Entry{
		ID:          "custom/fetch",
		Name:        "Fetch",
		Description: "Fetch web pages",
		Origin:      catalog.OriginCustom,
		Launch:      catalog.LaunchStdioProxy,
	}))
	return dir
}

func runListForTest(t *testing.T) string {
	t.Helper()
	var out bytes.Buffer
	listCmd.SetOut(&out)
	require.NoError(t, runList(listCmd, nil))
	return out.String()
}

func TestListShowsAllEntries(t *testing.T) {
	origDir := configDir
	t.Cleanup(func() { configDir = origDir })
	configDir = seedCatalog(t)

	out := runListForTest(t)
	assert.Contains(t, out, "custom/sqlite")
	assert.Contains(t, out, "custom/fetch")
}

func TestListSearchFiltersEntries(t *testing.T) {
	origDir, origSearch := configDir, listSearch
	t.Cleanup(func() { configDir, listSearch = origDir, origSearch })
	configDir = seedCatalog(t)
	listSearch = "sqlite"

	out := runListForTest(t)
	assert.Contains(t, out, "custom/sqlite")
	assert.NotContains(t, out, "custom/fetch")
}

func TestListEmptyCatalogHint(t *testing.T) {
	origDir := configDir
	t.Cleanup(func() { configDir = origDir })
	configDir = t.TempDir()

	out := runListForTest(t)
	assert.Contains(t, out, "refresh")
}
