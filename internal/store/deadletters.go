// Callstream - Real-time Call Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/callstream

package store

import (
	"context"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/tomtom215/callstream/internal/models"
)

const (
	prefixDeadLetter = "deadletter:"

	defaultDeadLetterLimit = 100
)

// DeadLetterStore is the dead-letter sink: envelopes that exhausted
// automatic handling, kept verbatim for operators.
type DeadLetterStore struct {
	db *DB
}

// NewDeadLetterStore returns a sink over db.
func NewDeadLetterStore(db *DB) *DeadLetterStore {
	return &DeadLetterStore{db: db}
}

// deadLetterKey sorts by dead-letter time, then envelope id.
func deadLetterKey(dl *models.DeadLetter) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", prefixDeadLetter, dl.DeadLetteredAt.UnixNano(), dl.Envelope.ID))
}

// PutDeadLetterTxn writes dl inside txn so callers can remove the source record in
// the same commit.
func PutDeadLetterTxn(txn *badger.Txn, dl *models.DeadLetter) error {
	data, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("encode dead letter %s: %w", dl.Envelope.ID, err)
	}
	if err := txn.Set(deadLetterKey(dl), data); err != nil {
		return fmt.Errorf("set dead letter %s: %w", dl.Envelope.ID, err)
	}
	return nil
}

// Put writes one dead letter.
func (s *DeadLetterStore) Put(ctx context.Context, dl *models.DeadLetter) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return PutDeadLetterTxn(txn, dl)
	})
}

// List returns up to limit dead letters, newest first.
func (s *DeadLetterStore) List(ctx context.Context, limit int) ([]models.DeadLetter, error) {
	if limit <= 0 {
		limit = defaultDeadLetterLimit
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	out := []models.DeadLetter{}
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(prefixDeadLetter)
		seek := append(append([]byte{}, prefix...), 0xFF)
		for it.Seek(seek); it.ValidForPrefix(prefix) && len(out) < limit; it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var dl models.DeadLetter
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &dl)
			}); err != nil {
				return fmt.Errorf("decode dead letter %s: %w", it.Item().Key(), err)
			}
			out = append(out, dl)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Count returns the number of stored dead letters.
func (s *DeadLetterStore) Count(ctx context.Context) (int, error) {
	return s.db.countPrefix(ctx, prefixDeadLetter)
}
