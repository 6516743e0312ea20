// Callstream - Real-time Call Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/callstream

package eventlog

import (
	"context"
	"errors"
	"hash/fnv"
	"time"

	"github.com/tomtom215/callstream/internal/models"
)

var (
	// ErrClosed is returned by operations on a closed log.
	ErrClosed = errors.New("event log closed")

	// ErrUnknownRegion is returned when no stream exists for a region.
	ErrUnknownRegion = errors.New("unknown region")

	// ErrInvalidPartition is returned for a partition outside [0, Partitions).
	ErrInvalidPartition = errors.New("invalid partition")
)

// Record is one entry appended to a region log.
type Record struct {
	// ID identifies the record for duplicate suppression. Appending the
	// same ID to the same destination twice stores it once.
	ID   string
	Key  models.DialogueKey
	Data []byte
}

// Appender writes records to a region's log.
type Appender interface {
	Append(ctx context.Context, region string, dest models.Destination, rec Record) error
}

// Acker settles one delivery.
type Acker interface {
	Ack() error
	Nak(delay time.Duration) error
	Term() error
}

// Delivery is a record handed to a consumer, in partition order.
type Delivery struct {
	Record
	Region      string
	Destination models.Destination
	Partition   int
	// Sequence is the record's position in the partition.
	Sequence uint64
	// NumDelivered counts deliveries including this one.
	NumDelivered int
	AppendedAt   time.Time

	acker Acker
}

// NewDelivery builds a delivery settled through acker.
func NewDelivery(rec Record, acker Acker) *Delivery {
	return &Delivery{Record: rec, NumDelivered: 1, acker: acker}
}

// Ack commits the delivery.
func (d *Delivery) Ack() error {
	if d.acker == nil {
		return nil
	}
	return d.acker.Ack()
}

// Nak asks for redelivery after delay.
func (d *Delivery) Nak(delay time.Duration) error {
	if d.acker == nil {
		return nil
	}
	return d.acker.Nak(delay)
}

// Term stops redelivery for good.
func (d *Delivery) Term() error {
	if d.acker == nil {
		return nil
	}
	return d.acker.Term()
}

// PartitionReader pulls records of a single partition in order.
type PartitionReader interface {
	// Fetch returns up to max deliveries, waiting up to wait when none
	// are available. An empty slice with a nil error means the wait
	// elapsed.
	Fetch(ctx context.Context, max int, wait time.Duration) ([]*Delivery, error)
	Close() error
}

// Log is a region-scoped, partitioned, append-only log.
type Log interface {
	Appender
	Partitions() int
	Reader(ctx context.Context, region string, dest models.Destination, partition int) (PartitionReader, error)
	Close() error
}

// PartitionFor maps a dialogue key to a partition with FNV-1a, so every
// event of one dialogue lands in the same partition.
func PartitionFor(key models.DialogueKey, partitions int) int {
	if partitions <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key.OrgID))
	_, _ = h.Write([]byte{'/'})
	_, _ = h.Write([]byte(key.CallID))
	return int(h.Sum32() % uint32(partitions))
}

// MessageID is the duplicate-suppression id of rec at dest.
func MessageID(dest models.Destination, rec Record) string {
	return string(dest) + ":" + rec.ID
}
