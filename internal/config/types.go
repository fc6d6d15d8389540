// Package config loads the registry's configuration: a single config.yaml
// under the config directory, with environment variables from an optional
// .env file alongside it.
package config

import "time"

// Config is the top-level configuration structure.
type Config struct {
	Aggregator AggregatorConfig `yaml:"aggregator"`
	Catalog    CatalogConfig    `yaml:"catalog"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// AggregatorConfig configures the MCP surface and the mount runtime.
type AggregatorConfig struct {
	// Transport is stdio, sse or streamable-http (default: streamable-http).
	Transport string `yaml:"transport,omitempty"`
	// Host to bind HTTP transports to (default: localhost).
	Host string `yaml:"host,omitempty"`
	// Port for HTTP transports (default: 8090).
	Port int `yaml:"port,omitempty"`
	// CallTimeout bounds each tools/call toward a child (default: 15s).
	CallTimeout time.Duration `yaml:"callTimeout,omitempty"`
	// OnTransportDeath is keep or unmount (default: keep).
	OnTransportDeath string `yaml:"onTransportDeath,omitempty"`
}

// CatalogConfig configures the entry sources and refresh cadence.
type CatalogConfig struct {
	// OfficialRegistryURL overrides the hosted registry endpoint.
	OfficialRegistryURL string `yaml:"officialRegistryURL,omitempty"`
	// CustomDir holds hand-written entry files; watched for changes.
	// Defaults to <configDir>/servers.
	CustomDir string `yaml:"customDir,omitempty"`
	// RefreshInterval is the scheduler wake interval (default: 6h).
	RefreshInterval time.Duration `yaml:"refreshInterval,omitempty"`
	// MinRefreshInterval is the per-source refresh floor (default: 24h).
	MinRefreshInterval time.Duration `yaml:"minRefreshInterval,omitempty"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	// Level is debug, info, warn or error (default: info).
	Level string `yaml:"level,omitempty"`
}
