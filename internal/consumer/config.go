// Callstream - Real-time Call Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/callstream

package consumer

import (
	"errors"
	"time"
)

// Config sizes batches and lanes and bounds redelivery.
type Config struct {
	// BatchSize is the number of records per handler call.
	BatchSize int `koanf:"batch_size"`

	// Parallelism is the number of lanes per partition. Each fetch pulls
	// BatchSize*Parallelism records.
	Parallelism int `koanf:"parallelism"`

	// BatchTimeout bounds one handler call. Exceeding it counts as a
	// batch failure.
	BatchTimeout time.Duration `koanf:"batch_timeout"`

	// FetchWait is how long a pull waits for records.
	FetchWait time.Duration `koanf:"fetch_wait"`

	// NakDelay delays redelivery of failed records.
	NakDelay time.Duration `koanf:"nak_delay"`

	// MaxDeliver is the number of handler failures after which a record
	// is terminated and dead-lettered.
	MaxDeliver int `koanf:"max_deliver"`

	// BlockTimeout releases a dialogue key held back behind a failed
	// record that was never redelivered.
	BlockTimeout time.Duration `koanf:"block_timeout"`
}

// DefaultConfig returns 10 records per batch and 3 lanes.
func DefaultConfig() Config {
	return Config{
		BatchSize:    10,
		Parallelism:  3,
		BatchTimeout: 30 * time.Second,
		FetchWait:    time.Second,
		NakDelay:     time.Second,
		MaxDeliver:   5,
		BlockTimeout: 2 * time.Minute,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	var errs []error
	if c.BatchSize <= 0 {
		errs = append(errs, errors.New("consumer.batch_size must be positive"))
	}
	if c.Parallelism <= 0 {
		errs = append(errs, errors.New("consumer.parallelism must be positive"))
	}
	if c.BatchTimeout <= 0 {
		errs = append(errs, errors.New("consumer.batch_timeout must be positive"))
	}
	if c.FetchWait <= 0 {
		errs = append(errs, errors.New("consumer.fetch_wait must be positive"))
	}
	if c.MaxDeliver <= 0 {
		errs = append(errs, errors.New("consumer.max_deliver must be positive"))
	}
	return errors.Join(errs...)
}
