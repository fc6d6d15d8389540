package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"mcpregistry/pkg/logging"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	userConfigDir  = ".config/mcpregistry"
	configFileName = "config.yaml"
	envFileName    = ".env"
)

// DefaultConfigDir returns the per-user config directory.
func DefaultConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(homeDir, userConfigDir), nil
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Aggregator: AggregatorConfig{
			Transport:        "streamable-http",
			Host:             "localhost",
			Port:             8090,
			CallTimeout:      15 * time.Second,
			OnTransportDeath: "keep",
		},
		Catalog: CatalogConfig{
			RefreshInterval:    6 * time.Hour,
			MinRefreshInterval: 24 * time.Hour,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads config.yaml from configDir, layered over the defaults, and
// loads an optional .env file into the process environment. A missing
// config.yaml means defaults.
func Load(configDir string) (Config, error) {
	cfg := Default()

	envPath := filepath.Join(configDir, envFileName)
	if err := godotenv.Load(envPath); err == nil {
		logging.Debug("Config", "Loaded environment from %s", envPath)
	}

	configPath := filepath.Join(configDir, configFileName)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logging.Info("Config", "No config.yaml at %s, using defaults", configPath)
			return withDerivedDefaults(cfg, configDir), nil
		}
		return Config{}, fmt.Errorf("failed to read %s: %w", configPath, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse %s: %w", configPath, err)
	}

	logging.Info("Config", "Loaded configuration from %s", configPath)
	return withDerivedDefaults(cfg, configDir), nil
}

// withDerivedDefaults fills in values that depend on the config directory
// and normalizes anything the file may have zeroed.
func withDerivedDefaults(cfg Config, configDir string) Config {
	if cfg.Catalog.CustomDir == "" {
		cfg.Catalog.CustomDir = filepath.Join(configDir, "servers")
	}
	if cfg.Aggregator.CallTimeout <= 0 {
		cfg.Aggregator.CallTimeout = 15 * time.Second
	}
	if cfg.Catalog.RefreshInterval <= 0 {
		cfg.Catalog.RefreshInterval = 6 * time.Hour
	}
	if cfg.Catalog.MinRefreshInterval <= 0 {
		cfg.Catalog.MinRefreshInterval = 24 * time.Hour
	}
	return cfg
}
