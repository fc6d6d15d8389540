package cmd

import (
	"fmt"
	"path/filepath"
	"strings"

	"mcpregistry/internal/catalog"
	pkgstrings "mcpregistry/pkg/strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

// listSearch filters the listing with a fuzzy query instead of showing
// the whole catalog.
var listSearch string

// listOrigin restricts the listing to entries from one origin.
var listOrigin string

// listLimit caps the number of search results.
var listLimit int

// listCmd prints the on-disk catalog. It reads catalog.json directly and
// does not need a running server.
var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List catalog entries",
	Long: `Lists the MCP server entries in the local catalog.

Without flags, every entry is shown sorted by id. With --search, entries
are matched fuzzily against their name, description and tags and sorted
by relevance.`,
	Args: cobra.NoArgs,
	RunE: runList,
}

func runList(cmd *cobra.Command, args []string) error {
	dir, err := resolveConfigDir()
	if err != nil {
		return err
	}

	cat := catalog.NewRegistry(filepath.Join(dir, "catalog.json"))
	if err := cat.Load(); err != nil {
		return fmt.Errorf("failed to load catalog: %w", err)
	}

	t := table.NewWriter()
	t.SetOutputMirror(cmd.OutOrStdout())
	t.SetStyle(table.StyleLight)

	if listSearch != "" {
		t.AppendHeader(table.Row{"ID", "Name", "Launch", "Origin", "Description", "Score"})
		results := cat.Search(listSearch, listLimit, catalog.DefaultSearchThreshold)
		for _, res := range results {
			if listOrigin != "" && string(res.Entry.Origin) != listOrigin {
				continue
			}
			t.AppendRow(table.Row{
				res.Entry.ID, res.Entry.Name, res.Entry.Launch, res.Entry.Origin,
				pkgstrings.TruncateDescription(res.Entry.Description, pkgstrings.DefaultDescriptionMaxLen),
				fmt.Sprintf("%.0f", res.Score),
			})
		}
	} else {
		t.AppendHeader(table.Row{"ID", "Name", "Launch", "Origin", "Description", "Tags"})
		for _, e := range cat.List() {
			if listOrigin != "" && string(e.Origin) != listOrigin {
				continue
			}
			t.AppendRow(table.Row{
				e.ID, e.Name, e.Launch, e.Origin,
				pkgstrings.TruncateDescription(e.Description, pkgstrings.DefaultDescriptionMaxLen),
				strings.Join(e.Tags, ","),
			})
		}
	}

	if t.Length() == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No matching entries. Run 'mcpregistry refresh' to populate the catalog.")
		return nil
	}

	t.Render()
	return nil
}

func init() {
	listCmd.Flags().StringVar(&listSearch, "search", "", "fuzzy query to filter entries")
	listCmd.Flags().StringVar(&listOrigin, "origin", "", "only show entries from this origin")
	listCmd.Flags().IntVar(&listLimit, "limit", 20, "maximum number of search results")
	rootCmd.AddCommand(listCmd)
}
