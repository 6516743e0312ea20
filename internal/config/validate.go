// Callstream - Real-time Call Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/callstream

package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"

	"github.com/tomtom215/callstream/internal/auth"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

var (
	validLogLevels  = map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	validLogFormats = map[string]bool{"json": true, "console": true}
)

// Validate checks the configuration for values the components cannot
// run with.
func (c *Config) Validate() error {
	validators := []func() error{
		c.validateLogging,
		c.validateNATS,
		c.validateRegions,
		c.validateRetry,
		c.validateConsumer,
		c.validateStore,
		c.validateServer,
	}
	for _, validate := range validators {
		if err := validate(); err != nil {
			return err
		}
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

func (c *Config) validateLogging() error {
	if !validLogLevels[c.Logging.Level] {
		return invalid("LOG_LEVEL must be one of: trace, debug, info, warn, error")
	}
	if c.Logging.Format != "" && !validLogFormats[c.Logging.Format] {
		return invalid("LOG_FORMAT must be json or console")
	}
	return nil
}

func (c *Config) validateNATS() error {
	switch c.NATS.Backend {
	case "memory":
		if c.NATS.Partitions < 1 {
			return invalid("NATS_PARTITIONS must be at least 1")
		}
		return nil
	case "jetstream":
	default:
		return invalid("NATS_BACKEND must be jetstream or memory, got %q", c.NATS.Backend)
	}

	if c.NATS.Partitions < 1 || c.NATS.Partitions > 256 {
		return invalid("NATS_PARTITIONS must be between 1 and 256")
	}
	if c.NATS.Embedded {
		if c.NATS.StoreDir == "" {
			return invalid("NATS_STORE_DIR is required for the embedded server")
		}
	} else if err := validateNATSURL(c.NATS.URL); err != nil {
		return invalid("NATS_URL is invalid: %v", err)
	}
	if c.NATS.AckWait <= 0 {
		return invalid("NATS_ACK_WAIT must be positive")
	}
	if c.NATS.Replicas < 1 {
		return invalid("NATS_REPLICAS must be at least 1")
	}
	return nil
}

// validateNATSURL accepts nats, tls, ws and wss URLs with a host.
func validateNATSURL(rawURL string) error {
	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("failed to parse URL: %w", err)
	}
	validSchemes := map[string]bool{"nats": true, "tls": true, "ws": true, "wss": true}
	if !validSchemes[parsedURL.Scheme] {
		return fmt.Errorf("scheme must be nats, tls, ws, or wss, got: %s", parsedURL.Scheme)
	}
	if parsedURL.Host == "" {
		return errors.New("host is required (e.g., localhost:4222)")
	}
	return nil
}

func (c *Config) validateRegions() error {
	if c.Regions.Default == "" && len(c.Regions.Orgs) == 0 {
		return invalid("at least one of DEFAULT_REGION or REGION_MAP is required")
	}
	for org, region := range c.Regions.Orgs {
		if org == "" || region == "" {
			return invalid("REGION_MAP entry %q=%q is incomplete", org, region)
		}
	}
	return nil
}

func (c *Config) validateRetry() error {
	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("%w: retry: %w", ErrInvalid, err)
	}
	return nil
}

func (c *Config) validateConsumer() error {
	if err := c.Consumer.Validate(); err != nil {
		return fmt.Errorf("%w: consumer: %w", ErrInvalid, err)
	}
	return nil
}

func (c *Config) validateStore() error {
	if !c.Store.InMemory && c.Store.Path == "" {
		return invalid("STORE_PATH is required unless STORE_IN_MEMORY is set")
	}
	if c.Supervisor.StoreGCInterval < 0 {
		return invalid("STORE_GC_INTERVAL must not be negative")
	}
	return nil
}

func (c *Config) validateServer() error {
	if _, _, err := net.SplitHostPort(c.Server.Addr); err != nil {
		return invalid("HTTP_ADDR must be host:port: %v", err)
	}
	if c.Server.JWTSecret != "" && len(c.Server.JWTSecret) < auth.MinSecretLength {
		return invalid("JWT_SECRET must be at least %d characters", auth.MinSecretLength)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return invalid("HTTP_SHUTDOWN_TIMEOUT must be positive")
	}
	return nil
}
