package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"mcpregistry/internal/catalog"
	"mcpregistry/internal/config"
	"mcpregistry/pkg/logging"

	"github.com/briandowns/spinner"
	"github.com/spf13/cobra"
)

// refreshSource restricts the refresh to a single named source.
var refreshSource string

// refreshCmd fetches the catalog sources and rewrites catalog.json. It is
// the offline counterpart of the registry_refresh tool and does not need a
// running server.
var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Refresh the catalog from its sources",
	Long: `Fetches entries from the configured sources (the hosted MCP registry
and the custom entry directory) and rewrites the local catalog.

A running 'mcpregistry serve' refreshes on its own schedule; this command
is for populating the catalog up front or forcing an update.`,
	Args: cobra.NoArgs,
	RunE: runRefresh,
}

func runRefresh(cmd *cobra.Command, args []string) error {
	dir, err := resolveConfigDir()
	if err != nil {
		return err
	}

	cfg, err := config.Load(dir)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	level := cfg.Logging.Level
	if logLevel != "" {
		level = logLevel
	}
	logging.Init(logging.ParseLevel(level), os.Stderr)

	cat := catalog.NewRegistry(filepath.Join(dir, "catalog.json"))
	if err := cat.Load(); err != nil {
		return fmt.Errorf("failed to load catalog: %w", err)
	}

	official := catalog.NewOfficialSource()
	if cfg.Catalog.OfficialRegistryURL != "" {
		official.URL = cfg.Catalog.OfficialRegistryURL
	}
	sources := []catalog.Source{official, catalog.NewCustomDirSource(cfg.Catalog.CustomDir)}

	ctx := cmd.Context()
	failed := 0
	for _, src := range sources {
		if refreshSource != "" && src.Name() != refreshSource {
			continue
		}

		s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(cmd.ErrOrStderr()))
		s.Suffix = fmt.Sprintf(" refreshing %s", src.Name())
		s.Start()
		err := cat.Refresh(ctx, src)
		s.Stop()

		if err != nil {
			failed++
			fmt.Fprintf(cmd.OutOrStdout(), "%s: refresh failed: %v\n", src.Name(), err)
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: refreshed\n", src.Name())
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Catalog now has %d entries.\n", cat.Count())
	if failed > 0 {
		return fmt.Errorf("%d source(s) failed to refresh", failed)
	}
	return nil
}

func init() {
	refreshCmd.Flags().StringVar(&refreshSource, "source", "", "only refresh the named source")
	rootCmd.AddCommand(refreshCmd)
}
