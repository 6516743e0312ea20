// Callstream - Real-time Call Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/callstream

package aggregator

import (
	"context"
	"errors"
	"sync"

	"github.com/tomtom215/callstream/internal/eventlog"
	"github.com/tomtom215/callstream/internal/models"
)

// ErrFeedClosed is returned by Publish after Close.
var ErrFeedClosed = errors.New("change feed closed")

// ChangeFeed carries committed dialogue changes to the publisher. Changes
// are sharded by dialogue key onto ordered channels, so every change of
// one dialogue travels through the same channel in commit order.
type ChangeFeed struct {
	shards []chan models.Change

	mu     sync.RWMutex
	closed bool
}

// NewChangeFeed creates a feed with n shards of the given buffer size.
func NewChangeFeed(n, buffer int) *ChangeFeed {
	if n <= 0 {
		n = 1
	}
	f := &ChangeFeed{shards: make([]chan models.Change, n)}
	for i := range f.shards {
		f.shards[i] = make(chan models.Change, buffer)
	}
	return f
}

// Shards returns the receive side of every shard.
func (f *ChangeFeed) Shards() []<-chan models.Change {
	out := make([]<-chan models.Change, len(f.shards))
	for i, ch := range f.shards {
		out[i] = ch
	}
	return out
}

// Publish enqueues c on its key's shard, blocking while the shard is full.
func (f *ChangeFeed) Publish(ctx context.Context, c models.Change) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return ErrFeedClosed
	}
	ch := f.shards[eventlog.PartitionFor(c.DialogueKey, len(f.shards))]
	select {
	case ch <- c:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes every shard. Readers drain what is buffered.
func (f *ChangeFeed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for _, ch := range f.shards {
		close(ch)
	}
}
