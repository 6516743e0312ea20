// Callstream - Real-time Call Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/callstream

package retry

import (
	"context"
	"fmt"
	"sort"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/tomtom215/callstream/internal/models"
	"github.com/tomtom215/callstream/internal/store"
)

const prefixPending = "pending:"

// envelopeStore persists pending envelopes so they survive restarts.
type envelopeStore struct {
	db *store.DB
}

func pendingKey(id string) []byte {
	return []byte(prefixPending + id)
}

func (s *envelopeStore) put(env *models.RetryEnvelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope %s: %w", env.ID, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(pendingKey(env.ID), data)
	})
}

func (s *envelopeStore) delete(id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(pendingKey(id))
	})
}

// deadLetter moves env to the dead-letter sink in one commit.
func (s *envelopeStore) deadLetter(dl *models.DeadLetter) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if err := store.PutDeadLetterTxn(txn, dl); err != nil {
			return err
		}
		return txn.Delete(pendingKey(dl.Envelope.ID))
	})
}

// pending returns every pending envelope in submission order.
func (s *envelopeStore) pending(ctx context.Context) ([]*models.RetryEnvelope, error) {
	var out []*models.RetryEnvelope
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(prefixPending)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			env := &models.RetryEnvelope{}
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, env)
			}); err != nil {
				return fmt.Errorf("decode envelope %s: %w", it.Item().Key(), err)
			}
			out = append(out, env)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Seq != out[j].Seq {
			return out[i].Seq < out[j].Seq
		}
		return out[i].NextAttemptAt.Before(out[j].NextAttemptAt)
	})
	return out, nil
}
