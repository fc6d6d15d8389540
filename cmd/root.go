package cmd

import (
	"os"

	"mcpregistry/internal/config"

	"github.com/spf13/cobra"
)

// Exit codes for CLI commands.
const (
	// ExitCodeSuccess indicates successful execution.
	ExitCodeSuccess = 0
	// ExitCodeError indicates a general error (command failed, invalid arguments).
	ExitCodeError = 1
)

// configDir overrides the configuration directory. When empty the per-user
// default (~/.config/mcpregistry) is used.
var configDir string

// logLevel overrides the log level from the configuration file.
var logLevel string

// rootCmd represents the base command for the mcpregistry application.
// It is the entry point when the application is called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "mcpregistry",
	Short: "Discover, launch and aggregate MCP servers",
	Long: `mcpregistry maintains a local catalog of MCP server definitions,
launches entries on demand (in containers or as local processes), and
exposes every mounted server's tools through a single aggregating MCP
endpoint that AI assistants can connect to.`,
	// SilenceUsage prevents Cobra from printing the usage message on errors
	// that are handled by the application.
	SilenceUsage: true,
}

// SetVersion sets the version for the root command.
// This function is typically called from the main package to inject the
// application version at build time.
func SetVersion(v string) {
	rootCmd.Version = v
}

// GetVersion returns the current version of the application.
func GetVersion() string {
	return rootCmd.Version
}

// Execute is the main entry point for the CLI application.
// It is called by main.main().
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "mcpregistry version %s\n" .Version}}`)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(ExitCodeError)
	}
}

// resolveConfigDir returns the effective configuration directory, honoring
// the --config-dir flag.
func resolveConfigDir() (string, error) {
	if configDir != "" {
		return configDir, nil
	}
	return config.DefaultConfigDir()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", "", "configuration directory (default is $HOME/.config/mcpregistry)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn or error (overrides the config file)")

	rootCmd.AddCommand(newVersionCmd())
}
