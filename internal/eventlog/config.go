// Callstream - Real-time Call Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/callstream

package eventlog

import (
	"time"
)

// Config configures the JetStream-backed log.
type Config struct {
	// Backend is "jetstream" or "memory".
	Backend string `koanf:"backend"`

	// URL of the NATS server. Ignored when Embedded is set.
	URL string `koanf:"url"`

	// Partitions per region stream.
	Partitions int `koanf:"partitions"`

	// Embedded starts an in-process NATS server with JetStream.
	Embedded bool `koanf:"embedded"`

	// StoreDir is the embedded server's JetStream directory.
	StoreDir string `koanf:"store_dir"`

	// EmbeddedHost and EmbeddedPort bind the embedded server. Port -1
	// picks a free port.
	EmbeddedHost string `koanf:"embedded_host"`
	EmbeddedPort int    `koanf:"embedded_port"`

	// MaxAge bounds record retention in every region stream.
	MaxAge time.Duration `koanf:"max_age"`

	// DuplicateWindow is the JetStream Nats-Msg-Id dedup window.
	DuplicateWindow time.Duration `koanf:"duplicate_window"`

	// Replicas per stream (1 for single node).
	Replicas int `koanf:"replicas"`

	// AckWait is how long a delivery may stay unsettled before redelivery.
	AckWait time.Duration `koanf:"ack_wait"`

	// MaxAckPending bounds unsettled deliveries per partition consumer.
	MaxAckPending int `koanf:"max_ack_pending"`

	MaxReconnects int           `koanf:"max_reconnects"`
	ReconnectWait time.Duration `koanf:"reconnect_wait"`

	CircuitBreaker CircuitBreakerConfig `koanf:"circuit_breaker"`
}

// CircuitBreakerConfig holds gobreaker settings for log appends.
type CircuitBreakerConfig struct {
	Name             string        `koanf:"name"`
	MaxRequests      uint32        `koanf:"max_requests"`
	Interval         time.Duration `koanf:"interval"`
	Timeout          time.Duration `koanf:"timeout"`
	FailureThreshold uint32        `koanf:"failure_threshold"`
}

// DefaultConfig returns single-node defaults using an embedded server.
func DefaultConfig() Config {
	return Config{
		Backend:         "jetstream",
		URL:             "nats://127.0.0.1:4222",
		Partitions:      4,
		Embedded:        true,
		StoreDir:        "/data/callstream/jetstream",
		EmbeddedHost:    "127.0.0.1",
		EmbeddedPort:    4222,
		MaxAge:          7 * 24 * time.Hour,
		DuplicateWindow: 2 * time.Minute,
		Replicas:        1,
		AckWait:         30 * time.Second,
		MaxAckPending:   1000,
		MaxReconnects:   -1,
		ReconnectWait:   2 * time.Second,
		CircuitBreaker:  DefaultCircuitBreakerConfig(),
	}
}

// DefaultCircuitBreakerConfig trips after 5 consecutive failures.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:             "log-appender",
		MaxRequests:      3,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
	}
}
