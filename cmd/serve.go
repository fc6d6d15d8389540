package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"mcpregistry/internal/aggregator"
	"mcpregistry/internal/catalog"
	"mcpregistry/internal/config"
	"mcpregistry/internal/scheduler"
	"mcpregistry/pkg/logging"

	"github.com/spf13/cobra"
)

// serveTransport overrides the transport from the configuration file.
var serveTransport string

// serveHost overrides the bind host from the configuration file.
var serveHost string

// servePort overrides the bind port from the configuration file.
var servePort int

// serveCmd starts the aggregating MCP server. It replays previously active
// mounts, runs the catalog refresh scheduler, and serves until interrupted.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the aggregating MCP server",
	Long: `Starts the aggregating MCP server.

The server loads the catalog from disk, replays mounts that were active
when it last shut down, and exposes the registry meta tools plus every
mounted server's tools on a single MCP endpoint. Catalog sources are
refreshed in the background on a schedule.

The server runs until it receives SIGINT or SIGTERM, then tears down
every mounted child before exiting.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	dir, err := resolveConfigDir()
	if err != nil {
		return err
	}

	cfg, err := config.Load(dir)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	applyServeOverrides(&cfg)

	level := cfg.Logging.Level
	if logLevel != "" {
		level = logLevel
	}
	// Stdout belongs to the stdio transport; logs always go to stderr.
	logging.Init(logging.ParseLevel(level), os.Stderr)

	cat := catalog.NewRegistry(filepath.Join(dir, "catalog.json"))
	if err := cat.Load(); err != nil {
		return fmt.Errorf("failed to load catalog: %w", err)
	}
	logging.Info("Serve", "Catalog loaded with %d entries", cat.Count())

	official := catalog.NewOfficialSource()
	if cfg.Catalog.OfficialRegistryURL != "" {
		official.URL = cfg.Catalog.OfficialRegistryURL
	}
	customDir := catalog.NewCustomDirSource(cfg.Catalog.CustomDir)
	sources := []catalog.Source{official, customDir}

	sched := scheduler.New(cat, sources, cfg.Catalog.RefreshInterval, cfg.Catalog.MinRefreshInterval)

	deathPolicy := aggregator.KeepOnDeath
	if cfg.Aggregator.OnTransportDeath == "unmount" {
		deathPolicy = aggregator.UnmountOnDeath
	}

	aggServer := aggregator.NewAggregatorServer(aggregator.Config{
		Name:             "mcpregistry",
		Version:          GetVersion(),
		Transport:        aggregator.Transport(cfg.Aggregator.Transport),
		Host:             cfg.Aggregator.Host,
		Port:             cfg.Aggregator.Port,
		StateDir:         dir,
		CallTimeout:      cfg.Aggregator.CallTimeout,
		OnTransportDeath: deathPolicy,
	}, cat, sched)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := aggServer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start aggregator: %w", err)
	}

	// Edits to the custom entry directory show up without a restart.
	go func() {
		if err := customDir.Watch(ctx, cat); err != nil {
			logging.Warn("Serve", "Custom directory watcher stopped: %v", err)
		}
	}()

	<-ctx.Done()
	stop()
	logging.Info("Serve", "Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return aggServer.Stop(shutdownCtx)
}

// applyServeOverrides layers the serve flags over the loaded configuration.
func applyServeOverrides(cfg *config.Config) {
	if serveTransport != "" {
		cfg.Aggregator.Transport = serveTransport
	}
	if serveHost != "" {
		cfg.Aggregator.Host = serveHost
	}
	if servePort != 0 {
		cfg.Aggregator.Port = servePort
	}
}

func init() {
	serveCmd.Flags().StringVar(&serveTransport, "transport", "", "MCP transport: stdio, sse or streamable-http (overrides the config file)")
	serveCmd.Flags().StringVar(&serveHost, "host", "", "bind host for HTTP transports (overrides the config file)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "bind port for HTTP transports (overrides the config file)")
	rootCmd.AddCommand(serveCmd)
}
