// Callstream - Real-time Call Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/callstream

package aggregator

import (
	"hash/fnv"
	"sync"

	"github.com/tomtom215/callstream/internal/models"
)

// keyLocks is a fixed arena of mutexes striped by dialogue key. Two keys
// may share a stripe; one key always maps to the same stripe.
type keyLocks struct {
	stripes []sync.Mutex
}

func newKeyLocks(n int) *keyLocks {
	if n <= 0 {
		n = 1
	}
	return &keyLocks{stripes: make([]sync.Mutex, n)}
}

func (l *keyLocks) stripe(k models.DialogueKey) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(k.OrgID))
	_, _ = h.Write([]byte{'/'})
	_, _ = h.Write([]byte(k.CallID))
	return &l.stripes[h.Sum32()%uint32(len(l.stripes))]
}

// lock acquires k's stripe and returns its unlock func.
func (l *keyLocks) lock(k models.DialogueKey) func() {
	m := l.stripe(k)
	m.Lock()
	return m.Unlock
}
