// Callstream - Real-time Call Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/callstream

package eventlog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tomtom215/callstream/internal/models"
)

type entryState int

const (
	entryAvailable entryState = iota
	entryInflight
	entryAcked
	entryTerminated
)

type memEntry struct {
	rec           Record
	seq           uint64
	appendedAt    time.Time
	state         entryState
	availableAt   time.Time
	inflightUntil time.Time
	deliveries    int
}

type memPartition struct {
	entries []*memEntry
	// settled is the length of the fully acked/terminated prefix.
	settled int
	notify  chan struct{}
}

type streamKey struct {
	region string
	dest   models.Destination
}

type memStream struct {
	parts []*memPartition
	seen  map[string]struct{}
}

// MemoryStats summarizes one region/destination stream.
type MemoryStats struct {
	Appended   int
	Acked      int
	Terminated int
	Pending    int
}

// MemoryLog is an in-process Log with JetStream-like semantics: ordered
// partitions, explicit acks, delayed redelivery on Nak, redelivery after
// AckWait, and duplicate suppression by record ID.
type MemoryLog struct {
	partitions int
	regions    map[string]struct{}
	ackWait    time.Duration

	mu      sync.Mutex
	streams map[streamKey]*memStream
	fault   func(region string, dest models.Destination, rec Record) error
	closed  bool
}

// NewMemoryLog creates a log with the given partition count. When regions
// is non-empty, appends to other regions fail with ErrUnknownRegion.
func NewMemoryLog(partitions int, regions ...string) *MemoryLog {
	if partitions <= 0 {
		partitions = 1
	}
	l := &MemoryLog{
		partitions: partitions,
		regions:    make(map[string]struct{}, len(regions)),
		ackWait:    30 * time.Second,
		streams:    make(map[streamKey]*memStream),
	}
	for _, r := range regions {
		l.regions[r] = struct{}{}
	}
	return l
}

// SetAckWait changes how long a delivery may stay unsettled before it is
// redelivered.
func (l *MemoryLog) SetAckWait(d time.Duration) {
	l.mu.Lock()
	l.ackWait = d
	l.mu.Unlock()
}

// SetAppendFault installs a hook that can fail appends. A nil hook clears it.
func (l *MemoryLog) SetAppendFault(fn func(region string, dest models.Destination, rec Record) error) {
	l.mu.Lock()
	l.fault = fn
	l.mu.Unlock()
}

// Partitions returns the partition count per stream.
func (l *MemoryLog) Partitions() int {
	return l.partitions
}

func (l *MemoryLog) stream(region string, dest models.Destination) (*memStream, error) {
	if len(l.regions) > 0 {
		if _, ok := l.regions[region]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownRegion, region)
		}
	}
	k := streamKey{region: region, dest: dest}
	s, ok := l.streams[k]
	if !ok {
		s = &memStream{parts: make([]*memPartition, l.partitions), seen: make(map[string]struct{})}
		for i := range s.parts {
			s.parts[i] = &memPartition{notify: make(chan struct{})}
		}
		l.streams[k] = s
	}
	return s, nil
}

// Append adds rec to the partition owning rec.Key.
func (l *MemoryLog) Append(ctx context.Context, region string, dest models.Destination, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}
	if l.fault != nil {
		if err := l.fault(region, dest, rec); err != nil {
			return err
		}
	}
	s, err := l.stream(region, dest)
	if err != nil {
		return err
	}
	id := MessageID(dest, rec)
	if _, dup := s.seen[id]; dup {
		return nil
	}
	s.seen[id] = struct{}{}

	p := s.parts[PartitionFor(rec.Key, l.partitions)]
	p.entries = append(p.entries, &memEntry{
		rec:        rec,
		seq:        uint64(len(p.entries) + 1),
		appendedAt: time.Now().UTC(),
	})
	p.wake()
	return nil
}

// wake must be called with the log mutex held.
func (p *memPartition) wake() {
	close(p.notify)
	p.notify = make(chan struct{})
}

// Reader returns a reader over one partition.
func (l *MemoryLog) Reader(_ context.Context, region string, dest models.Destination, partition int) (PartitionReader, error) {
	if partition < 0 || partition >= l.partitions {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPartition, partition)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}
	if _, err := l.stream(region, dest); err != nil {
		return nil, err
	}
	return &memReader{log: l, key: streamKey{region: region, dest: dest}, partition: partition}, nil
}

// Records returns every record appended to region/dest, partition by
// partition.
func (l *MemoryLog) Records(region string, dest models.Destination) []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.streams[streamKey{region: region, dest: dest}]
	if !ok {
		return nil
	}
	var out []Record
	for _, p := range s.parts {
		for _, e := range p.entries {
			out = append(out, e.rec)
		}
	}
	return out
}

// Stats reports settlement counts for region/dest.
func (l *MemoryLog) Stats(region string, dest models.Destination) MemoryStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	var st MemoryStats
	s, ok := l.streams[streamKey{region: region, dest: dest}]
	if !ok {
		return st
	}
	for _, p := range s.parts {
		for _, e := range p.entries {
			st.Appended++
			switch e.state {
			case entryAcked:
				st.Acked++
			case entryTerminated:
				st.Terminated++
			default:
				st.Pending++
			}
		}
	}
	return st
}

// Close wakes blocked readers and rejects further use.
func (l *MemoryLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	for _, s := range l.streams {
		for _, p := range s.parts {
			p.wake()
		}
	}
	return nil
}

type memReader struct {
	log       *MemoryLog
	key       streamKey
	partition int
}

func (r *memReader) Fetch(ctx context.Context, max int, wait time.Duration) ([]*Delivery, error) {
	if max <= 0 {
		max = 1
	}
	deadline := time.Now().Add(wait)

	for {
		out, notify, nextDue, err := r.collect(max)
		if err != nil || len(out) > 0 {
			return out, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		if !nextDue.IsZero() {
			if d := time.Until(nextDue); d < remaining {
				remaining = max0(d)
			}
		}

		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-notify:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func max0(d time.Duration) time.Duration {
	if d < time.Millisecond {
		return time.Millisecond
	}
	return d
}

// collect claims up to max due entries in sequence order. When none are
// due it returns the partition's notify channel and the earliest time a
// pending entry becomes due.
func (r *memReader) collect(max int) ([]*Delivery, <-chan struct{}, time.Time, error) {
	l := r.log
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, nil, time.Time{}, ErrClosed
	}
	p := l.streams[r.key].parts[r.partition]
	now := time.Now()

	var (
		out     []*Delivery
		nextDue time.Time
	)
	for i := p.settled; i < len(p.entries) && len(out) < max; i++ {
		e := p.entries[i]
		var due time.Time
		switch e.state {
		case entryAcked, entryTerminated:
			continue
		case entryAvailable:
			due = e.availableAt
		case entryInflight:
			due = e.inflightUntil
		}
		if now.Before(due) {
			if nextDue.IsZero() || due.Before(nextDue) {
				nextDue = due
			}
			continue
		}

		e.state = entryInflight
		e.deliveries++
		e.inflightUntil = now.Add(l.ackWait)
		out = append(out, &Delivery{
			Record:       e.rec,
			Region:       r.key.region,
			Destination:  r.key.dest,
			Partition:    r.partition,
			Sequence:     e.seq,
			NumDelivered: e.deliveries,
			AppendedAt:   e.appendedAt,
			acker:        &memAcker{log: l, part: p, entry: e, delivery: e.deliveries},
		})
	}
	return out, p.notify, nextDue, nil
}

func (r *memReader) Close() error {
	return nil
}

type memAcker struct {
	log      *MemoryLog
	part     *memPartition
	entry    *memEntry
	delivery int
}

func (a *memAcker) settle(state entryState, delay time.Duration) error {
	a.log.mu.Lock()
	defer a.log.mu.Unlock()

	e := a.entry
	// Settling a stale delivery after redelivery is ignored.
	if e.state != entryInflight || e.deliveries != a.delivery {
		return nil
	}
	e.state = state
	if state == entryAvailable {
		e.availableAt = time.Now().Add(delay)
		a.part.wake()
	}
	for a.part.settled < len(a.part.entries) {
		s := a.part.entries[a.part.settled].state
		if s != entryAcked && s != entryTerminated {
			break
		}
		a.part.settled++
	}
	return nil
}

func (a *memAcker) Ack() error                    { return a.settle(entryAcked, 0) }
func (a *memAcker) Nak(delay time.Duration) error { return a.settle(entryAvailable, delay) }
func (a *memAcker) Term() error                   { return a.settle(entryTerminated, 0) }
