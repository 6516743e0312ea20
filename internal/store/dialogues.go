// Callstream - Real-time Call Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/callstream

package store

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/tomtom215/callstream/internal/metrics"
	"github.com/tomtom215/callstream/internal/models"
)

const (
	prefixDialogue = "dlg:"
	prefixEvent    = "evt:"
	prefixOutbox   = "out:"

	defaultPageSize = 50
	maxPageSize     = 500

	// maxConflictRetries bounds optimistic retries of one upsert.
	maxConflictRetries = 8
)

// Mutation is what an upsert callback wants persisted. A nil Mutation
// means "leave the store untouched".
type Mutation struct {
	Dialogue *models.Dialogue
	// Event is appended to the dialogue's history at position
	// len(Dialogue.AppliedEventIDs)-1.
	Event *models.Event
	// Change is kept in the dialogue's outbox until AckChange confirms it
	// was emitted.
	Change *models.Change
}

// DialogueStore is the keyed dialogue store. Dialogues and their event
// history live in one badger database so an upsert commits both atomically.
type DialogueStore struct {
	db *DB
}

// NewDialogueStore returns a store over db.
func NewDialogueStore(db *DB) *DialogueStore {
	return &DialogueStore{db: db}
}

func dialogueKey(k models.DialogueKey) []byte {
	return []byte(prefixDialogue + k.OrgID + "/" + k.CallID)
}

func orgPrefix(orgID string) []byte {
	return []byte(prefixDialogue + orgID + "/")
}

func eventPrefix(k models.DialogueKey) []byte {
	return []byte(prefixEvent + k.OrgID + "/" + k.CallID + "/")
}

func outboxKey(k models.DialogueKey) []byte {
	return []byte(prefixOutbox + k.OrgID + "/" + k.CallID)
}

func eventKey(k models.DialogueKey, seq int) []byte {
	return fmt.Appendf(eventPrefix(k), "%010d", seq)
}

// Get returns the dialogue for key or ErrNotFound.
func (s *DialogueStore) Get(ctx context.Context, key models.DialogueKey) (*models.Dialogue, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var d *models.Dialogue
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		d, err = getDialogue(txn, key)
		return err
	})
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, fmt.Errorf("dialogue %s: %w", key, ErrNotFound)
	}
	return d, nil
}

func getDialogue(txn *badger.Txn, key models.DialogueKey) (*models.Dialogue, error) {
	item, err := txn.Get(dialogueKey(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get dialogue %s: %w", key, err)
	}
	var d models.Dialogue
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &d)
	}); err != nil {
		return nil, fmt.Errorf("decode dialogue %s: %w", key, err)
	}
	return &d, nil
}

// Upsert reads the current dialogue (nil when absent), passes it to fn and
// persists the returned mutation in the same transaction. Badger detects
// concurrent writers of the same key; the whole read-modify-write is
// retried on conflict so no update is lost.
//
// The returned bool reports whether anything was written.
func (s *DialogueStore) Upsert(
	ctx context.Context,
	key models.DialogueKey,
	fn func(current *models.Dialogue) (*Mutation, error),
) (*models.Dialogue, bool, error) {
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}

		var (
			result  *models.Dialogue
			written bool
		)
		err := s.db.Update(func(txn *badger.Txn) error {
			current, err := getDialogue(txn, key)
			if err != nil {
				return err
			}
			m, err := fn(current)
			if err != nil {
				return err
			}
			if m == nil || m.Dialogue == nil {
				result = current
				return nil
			}

			data, err := json.Marshal(m.Dialogue)
			if err != nil {
				return fmt.Errorf("encode dialogue %s: %w", key, err)
			}
			if err := txn.Set(dialogueKey(key), data); err != nil {
				return fmt.Errorf("set dialogue %s: %w", key, err)
			}
			if m.Event != nil {
				evData, err := json.Marshal(m.Event)
				if err != nil {
					return fmt.Errorf("encode event %s: %w", m.Event.EventID, err)
				}
				seq := len(m.Dialogue.AppliedEventIDs) - 1
				if err := txn.Set(eventKey(key, seq), evData); err != nil {
					return fmt.Errorf("set event %s: %w", m.Event.EventID, err)
				}
			}
			if m.Change != nil {
				chData, err := json.Marshal(m.Change)
				if err != nil {
					return fmt.Errorf("encode change of %s: %w", key, err)
				}
				if err := txn.Set(outboxKey(key), chData); err != nil {
					return fmt.Errorf("set outbox of %s: %w", key, err)
				}
			}
			result = m.Dialogue
			written = true
			return nil
		})
		if errors.Is(err, badger.ErrConflict) {
			metrics.AggregatorConflicts.Inc()
			continue
		}
		if err != nil {
			return nil, false, err
		}
		return result, written, nil
	}
	return nil, false, fmt.Errorf("upsert %s: %w", key, ErrTooManyConflicts)
}

// UnpublishedChange returns the change committed for key that has not
// been acknowledged yet, or nil.
func (s *DialogueStore) UnpublishedChange(ctx context.Context, key models.DialogueKey) (*models.Change, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var c *models.Change
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(outboxKey(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("get outbox of %s: %w", key, err)
		}
		c = &models.Change{}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, c)
		})
	})
	if err != nil {
		return nil, err
	}
	if c != nil {
		c.DialogueKey = key
	}
	return c, nil
}

// AckChange clears the outbox of key if it still holds version. A newer
// change committed in between is left in place.
func (s *DialogueStore) AckChange(ctx context.Context, key models.DialogueKey, version uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(outboxKey(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("get outbox of %s: %w", key, err)
		}
		var c models.Change
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &c)
		}); err != nil {
			return fmt.Errorf("decode outbox of %s: %w", key, err)
		}
		if c.Version != version {
			return nil
		}
		return txn.Delete(outboxKey(key))
	})
}

// Events returns the stored event history of key in apply order.
func (s *DialogueStore) Events(ctx context.Context, key models.DialogueKey) ([]models.Event, error) {
	var events []models.Event
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := eventPrefix(key)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var e models.Event
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); err != nil {
				return fmt.Errorf("decode event of %s: %w", key, err)
			}
			events = append(events, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// List pages through the dialogues of one organization in call id order.
func (s *DialogueStore) List(
	ctx context.Context,
	orgID string,
	filter models.DialogueFilter,
	page models.Page,
) (models.DialoguePage, error) {
	limit := page.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	prefix := orgPrefix(orgID)
	start := prefix
	if page.Cursor != "" {
		after, err := base64.RawURLEncoding.DecodeString(page.Cursor)
		if err != nil || len(after) == 0 {
			return models.DialoguePage{}, fmt.Errorf("%w: %q", ErrInvalidCursor, page.Cursor)
		}
		// Seek to the first key strictly after the cursor.
		start = append(append([]byte{}, prefix...), after...)
		start = append(start, 0)
	}

	out := models.DialoguePage{Dialogues: []*models.Dialogue{}}
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(start); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			if len(out.Dialogues) == limit {
				last := out.Dialogues[len(out.Dialogues)-1]
				out.NextCursor = base64.RawURLEncoding.EncodeToString([]byte(last.Key.CallID))
				return nil
			}
			var d models.Dialogue
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &d)
			}); err != nil {
				return fmt.Errorf("decode dialogue %s: %w", item.Key(), err)
			}
			if filter.Matches(&d) {
				out.Dialogues = append(out.Dialogues, &d)
			}
		}
		return nil
	})
	if err != nil {
		return models.DialoguePage{}, err
	}
	return out, nil
}
