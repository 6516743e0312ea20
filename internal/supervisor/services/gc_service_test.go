// Callstream - Real-time Call Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/callstream

package services

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tomtom215/callstream/internal/store"
)

type countingGC struct {
	runs atomic.Int32
	err  error
}

func (g *countingGC) RunGC() error {
	g.runs.Add(1)
	return g.err
}

func TestStoreGCServiceRunsPeriodically(t *testing.T) {
	t.Parallel()

	gc := &countingGC{err: errors.New("transient")}
	svc := NewStoreGCService(gc, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- svc.Serve(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for gc.runs.Load() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("only %d GC runs", gc.runs.Load())
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestStoreGCServiceStopsOnFatalError(t *testing.T) {
	t.Parallel()

	gc := &countingGC{err: store.ErrClosed}
	svc := NewStoreGCService(gc, time.Millisecond)
	svc.Fatal = func(err error) bool { return errors.Is(err, store.ErrClosed) }

	select {
	case err := <-serveAsync(svc):
		if !errors.Is(err, store.ErrClosed) {
			t.Errorf("expected ErrClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("service kept running on a closed store")
	}
}

func TestStoreGCServiceAgainstBadger(t *testing.T) {
	t.Parallel()

	db, err := store.OpenInMemory()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	svc := NewStoreGCService(db, time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := svc.Serve(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func serveAsync(svc *StoreGCService) <-chan error {
	ch := make(chan error, 1)
	go func() { ch <- svc.Serve(context.Background()) }()
	return ch
}
