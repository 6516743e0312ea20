// Callstream - Real-time Call Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/callstream

package retry

import (
	"errors"
	"time"
)

// Config controls backoff, the retry window and attempt pacing.
type Config struct {
	// InitialBackoff is the delay before the first retry attempt.
	InitialBackoff time.Duration `koanf:"initial_backoff"`

	// Multiplier grows the delay per failed attempt.
	Multiplier float64 `koanf:"multiplier"`

	// MaxBackoff caps a single delay.
	MaxBackoff time.Duration `koanf:"max_backoff"`

	// Jitter spreads each delay by up to +/- this fraction.
	Jitter float64 `koanf:"jitter"`

	// MaxRetryWindow is measured from the first failure. An envelope not
	// delivered within it is dead-lettered.
	MaxRetryWindow time.Duration `koanf:"max_retry_window"`

	// AttemptTimeout bounds one redelivery.
	AttemptTimeout time.Duration `koanf:"attempt_timeout"`

	// RatePerSecond and Burst pace attempts across all envelopes.
	RatePerSecond float64 `koanf:"rate_per_second"`
	Burst         int     `koanf:"burst"`

	// IdleWait is the longest the loop sleeps with nothing pending.
	IdleWait time.Duration `koanf:"idle_wait"`

	// Seed makes jitter reproducible. Zero seeds from the clock.
	Seed int64 `koanf:"seed"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		InitialBackoff: time.Second,
		Multiplier:     2,
		MaxBackoff:     2 * time.Minute,
		Jitter:         0.2,
		MaxRetryWindow: 15 * time.Minute,
		AttemptTimeout: 10 * time.Second,
		RatePerSecond:  50,
		Burst:          10,
		IdleWait:       time.Minute,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	var errs []error
	if c.InitialBackoff <= 0 {
		errs = append(errs, errors.New("retry.initial_backoff must be positive"))
	}
	if c.Multiplier < 1 {
		errs = append(errs, errors.New("retry.multiplier must be at least 1"))
	}
	if c.MaxBackoff < c.InitialBackoff {
		errs = append(errs, errors.New("retry.max_backoff must be at least initial_backoff"))
	}
	if c.Jitter < 0 || c.Jitter >= 1 {
		errs = append(errs, errors.New("retry.jitter must be in [0,1)"))
	}
	if c.MaxRetryWindow <= 0 {
		errs = append(errs, errors.New("retry.max_retry_window must be positive"))
	}
	if c.RatePerSecond <= 0 || c.Burst <= 0 {
		errs = append(errs, errors.New("retry.rate_per_second and retry.burst must be positive"))
	}
	return errors.Join(errs...)
}
