// Callstream - Real-time Call Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/callstream

package services

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/callstream/internal/logging"
)

// GarbageCollector reclaims space in a key-value store.
//
// Satisfied by *store.DB.
type GarbageCollector interface {
	RunGC() error
}

// StoreGCService runs value-log garbage collection on a fixed period.
//
// A failed run is logged and retried on the next tick; only an error
// matching Fatal ends the service, which lets the supervisor restart it.
//
// Example usage:
//
//	svc := services.NewStoreGCService(db, 10*time.Minute)
//	tree.AddDataService(svc)
type StoreGCService struct {
	store    GarbageCollector
	interval time.Duration
	logger   zerolog.Logger
	name     string

	// Fatal reports errors after which collection cannot continue, such
	// as a closed store.
	Fatal func(error) bool
}

// NewStoreGCService creates a GC service. A non-positive interval
// defaults to ten minutes.
func NewStoreGCService(store GarbageCollector, interval time.Duration) *StoreGCService {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &StoreGCService{
		store:    store,
		interval: interval,
		logger:   logging.WithComponent("store-gc"),
		name:     "store-gc",
		Fatal:    func(error) bool { return false },
	}
}

// Serve implements suture.Service.
func (s *StoreGCService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			start := time.Now()
			err := s.store.RunGC()
			if err == nil {
				s.logger.Debug().Dur("duration", time.Since(start)).Msg("value log GC complete")
				continue
			}
			if s.Fatal(err) {
				return errors.Join(errors.New("store gc stopped"), err)
			}
			s.logger.Warn().Err(err).Msg("value log GC failed")
		}
	}
}

// String implements fmt.Stringer for logging.
func (s *StoreGCService) String() string {
	return s.name
}
