// Callstream - Real-time Call Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/callstream

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths searched for a config file, in
// order. The first one found is used.
var DefaultConfigPaths = []string{
	"callstream.yaml",
	"callstream.yml",
	"/etc/callstream/config.yaml",
	"/etc/callstream/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

// Load builds the configuration from three layers:
//
//  1. Defaults from defaultConfig
//  2. The YAML file at path, or the first file found via CONFIG_PATH and
//     DefaultConfigPaths when path is empty
//  3. Environment variables listed in envMappings
//
// The result is validated before it is returned.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path == "" {
		path = findConfigFile()
	} else if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}
	if err := processMapFields(k); err != nil {
		return nil, fmt.Errorf("failed to process map fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// findConfigFile returns CONFIG_PATH if it exists, else the first of
// DefaultConfigPaths that exists, else "".
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// sliceConfigPaths are parsed from comma-separated env values.
var sliceConfigPaths = []string{
	"server.middleware.cors_allowed_origins",
}

// mapConfigPaths are parsed from comma-separated key=value env values.
var mapConfigPaths = []string{
	"regions.orgs",
}

// processSliceFields converts comma-separated strings to slices. Values
// from YAML are already slices and are left alone.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		strVal, ok := k.Get(path).(string)
		if !ok || strVal == "" {
			continue
		}
		var parts []string
		for _, p := range strings.Split(strVal, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		if len(parts) == 0 {
			continue
		}
		if err := k.Set(path, parts); err != nil {
			return fmt.Errorf("failed to set %s: %w", path, err)
		}
	}
	return nil
}

// processMapFields converts "a=x,b=y" strings to maps. The split is on
// the first "=" only.
func processMapFields(k *koanf.Koanf) error {
	for _, path := range mapConfigPaths {
		strVal, ok := k.Get(path).(string)
		if !ok {
			continue
		}
		m := make(map[string]any)
		for _, item := range strings.Split(strVal, ",") {
			key, value, found := strings.Cut(strings.TrimSpace(item), "=")
			key = strings.TrimSpace(key)
			if !found || key == "" {
				continue
			}
			m[key] = strings.TrimSpace(value)
		}
		if err := k.Set(path, m); err != nil {
			return fmt.Errorf("failed to set %s: %w", path, err)
		}
	}
	return nil
}

// envMappings maps environment variable names (lower-cased) to koanf
// paths. Unmapped variables are ignored.
var envMappings = map[string]string{
	"log_level":  "logging.level",
	"log_format": "logging.format",
	"log_caller": "logging.caller",

	"nats_backend":         "nats.backend",
	"nats_url":             "nats.url",
	"nats_embedded":        "nats.embedded",
	"nats_store_dir":       "nats.store_dir",
	"nats_embedded_host":   "nats.embedded_host",
	"nats_embedded_port":   "nats.embedded_port",
	"nats_partitions":      "nats.partitions",
	"nats_max_age":         "nats.max_age",
	"nats_ack_wait":        "nats.ack_wait",
	"nats_replicas":        "nats.replicas",
	"nats_max_ack_pending": "nats.max_ack_pending",

	"region_map_version": "regions.version",
	"default_region":     "regions.default",
	"region_map":         "regions.orgs",

	"router_append_timeout": "router.append_timeout",

	"retry_initial_backoff": "retry.initial_backoff",
	"retry_max_backoff":     "retry.max_backoff",
	"retry_max_window":      "retry.max_retry_window",
	"retry_rate_per_second": "retry.rate_per_second",
	"retry_attempt_timeout": "retry.attempt_timeout",

	"consumer_batch_size":    "consumer.batch_size",
	"consumer_parallelism":   "consumer.parallelism",
	"consumer_batch_timeout": "consumer.batch_timeout",
	"consumer_max_deliver":   "consumer.max_deliver",

	"store_path":        "store.path",
	"store_in_memory":   "store.in_memory",
	"store_sync_writes": "store.sync_writes",

	"publisher_queue_size":   "publisher.queue_size",
	"publisher_max_attempts": "publisher.max_attempts",

	"sink_enabled":      "sink.enabled",
	"duckdb_path":       "sink.duckdb.path",
	"duckdb_threads":    "sink.duckdb.threads",
	"duckdb_max_memory": "sink.duckdb.max_memory",

	"indexer_enabled":      "indexer.enabled",
	"indexer_max_attempts": "indexer.worker.max_attempts",

	"http_addr":             "server.addr",
	"http_shutdown_timeout": "server.shutdown_timeout",
	"jwt_secret":            "server.jwt_secret",
	"jwt_leeway":            "server.jwt_leeway",
	"authz_model_path":      "server.authz.model_path",
	"authz_policy_path":     "server.authz.policy_path",
	"cors_origins":          "server.middleware.cors_allowed_origins",
	"rate_limit_requests":   "server.middleware.rate_limit_requests",
	"rate_limit_window":     "server.middleware.rate_limit_window",
	"rate_limit_disabled":   "server.middleware.rate_limit_disabled",

	"supervisor_shutdown_timeout": "supervisor.shutdown_timeout",
	"store_gc_interval":           "supervisor.store_gc_interval",
}

// envTransformFunc maps an environment variable to its koanf path, or ""
// to skip it.
func envTransformFunc(key string) string {
	return envMappings[strings.ToLower(key)]
}
