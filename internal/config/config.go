// Callstream - Real-time Call Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/callstream

package config

import (
	"os"
	"time"

	"github.com/tomtom215/callstream/internal/aggregator"
	"github.com/tomtom215/callstream/internal/api"
	"github.com/tomtom215/callstream/internal/authz"
	"github.com/tomtom215/callstream/internal/consumer"
	"github.com/tomtom215/callstream/internal/eventlog"
	"github.com/tomtom215/callstream/internal/indexer"
	"github.com/tomtom215/callstream/internal/logging"
	"github.com/tomtom215/callstream/internal/retry"
	"github.com/tomtom215/callstream/internal/router"
	"github.com/tomtom215/callstream/internal/sink"
	"github.com/tomtom215/callstream/internal/store"
	"github.com/tomtom215/callstream/internal/websocket"
)

// Config is the complete process configuration.
type Config struct {
	Logging    LoggingConfig     `koanf:"logging"`
	NATS       eventlog.Config   `koanf:"nats"`
	Regions    RegionsConfig     `koanf:"regions"`
	Router     router.Config     `koanf:"router"`
	Retry      retry.Config      `koanf:"retry"`
	Consumer   consumer.Config   `koanf:"consumer"`
	Store      store.Config      `koanf:"store"`
	Aggregator aggregator.Config `koanf:"aggregator"`
	Publisher  websocket.Config  `koanf:"publisher"`
	Sink       SinkConfig        `koanf:"sink"`
	Indexer    IndexerConfig     `koanf:"indexer"`
	Server     ServerConfig      `koanf:"server"`
	Supervisor SupervisorConfig  `koanf:"supervisor"`
}

// LoggingConfig mirrors logging.Config without the output writer.
type LoggingConfig struct {
	Level     string `koanf:"level"`
	Format    string `koanf:"format"`
	Caller    bool   `koanf:"caller"`
	Timestamp bool   `koanf:"timestamp"`
}

// ToLogging converts to the logging package's config, writing to stderr.
func (c LoggingConfig) ToLogging() logging.Config {
	return logging.Config{
		Level:     c.Level,
		Format:    c.Format,
		Caller:    c.Caller,
		Timestamp: c.Timestamp,
		Output:    os.Stderr,
	}
}

// RegionsConfig is the organization to home-region map.
type RegionsConfig struct {
	// Version labels this revision of the map in logs.
	Version string `koanf:"version"`

	// Default is the region for organizations missing from Orgs. Empty
	// rejects them.
	Default string `koanf:"default"`

	Orgs map[string]string `koanf:"orgs"`
}

// RegionMap builds the router's view of the map.
func (c RegionsConfig) RegionMap() *router.RegionMap {
	return router.NewRegionMap(c.Version, c.Default, c.Orgs)
}

// SinkConfig configures the metrics columnar sink.
type SinkConfig struct {
	Enabled bool        `koanf:"enabled"`
	DuckDB  sink.Config `koanf:"duckdb"`
}

// IndexerConfig configures the historical indexer.
type IndexerConfig struct {
	Enabled bool           `koanf:"enabled"`
	Worker  indexer.Config `koanf:"worker"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr            string        `koanf:"addr"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	IdleTimeout     time.Duration `koanf:"idle_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`

	// JWTSecret enables HS256 bearer verification on /api/v1. Empty
	// leaves the API unauthenticated.
	JWTSecret string        `koanf:"jwt_secret"`
	JWTLeeway time.Duration `koanf:"jwt_leeway"`

	// Authz selects the authorization model and policy.
	Authz authz.Config `koanf:"authz"`

	Middleware api.MiddlewareConfig `koanf:"middleware"`
}

// SupervisorConfig configures the suture tree and periodic maintenance.
type SupervisorConfig struct {
	FailureThreshold float64       `koanf:"failure_threshold"`
	FailureDecay     float64       `koanf:"failure_decay"`
	FailureBackoff   time.Duration `koanf:"failure_backoff"`
	ShutdownTimeout  time.Duration `koanf:"shutdown_timeout"`

	// StoreGCInterval is the badger value-log GC period.
	StoreGCInterval time.Duration `koanf:"store_gc_interval"`
}

// defaultConfig returns a Config with every default applied. Defaults
// are loaded first, then overridden by the config file and environment.
func defaultConfig() *Config {
	logDefaults := logging.DefaultConfig()
	return &Config{
		Logging: LoggingConfig{
			Level:     logDefaults.Level,
			Format:    logDefaults.Format,
			Timestamp: logDefaults.Timestamp,
		},
		NATS: eventlog.DefaultConfig(),
		Regions: RegionsConfig{
			Version: "static",
			Default: "local",
			Orgs:    map[string]string{},
		},
		Router:   router.DefaultConfig(),
		Retry:    retry.DefaultConfig(),
		Consumer: consumer.DefaultConfig(),
		Store: store.Config{
			Path:         "/data/callstream/badger",
			Compression:  true,
			GCRatio:      0.5,
			CloseTimeout: 30 * time.Second,
		},
		Aggregator: aggregator.DefaultConfig(),
		Publisher:  websocket.DefaultConfig(),
		Sink: SinkConfig{
			Enabled: true,
			DuckDB:  sink.DefaultConfig(),
		},
		Indexer: IndexerConfig{
			Enabled: true,
			Worker:  indexer.DefaultConfig(),
		},
		Server: ServerConfig{
			Addr:            "0.0.0.0:8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     2 * time.Minute,
			ShutdownTimeout: 10 * time.Second,
			JWTLeeway:       30 * time.Second,
			Middleware:      api.DefaultMiddlewareConfig(),
		},
		Supervisor: SupervisorConfig{
			FailureThreshold: 5.0,
			FailureDecay:     30.0,
			FailureBackoff:   15 * time.Second,
			ShutdownTimeout:  10 * time.Second,
			StoreGCInterval:  10 * time.Minute,
		},
	}
}
