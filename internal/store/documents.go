// Callstream - Real-time Call Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/callstream

package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"

	"github.com/tomtom215/callstream/internal/models"
)

const prefixDocument = "doc:"

// zstd encoders and decoders are safe for concurrent use.
var (
	docEncoder *zstd.Encoder
	docDecoder *zstd.Decoder
)

func init() {
	var err error
	docEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("store: zstd encoder initialization failed: " + err.Error())
	}
	docDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("store: zstd decoder initialization failed: " + err.Error())
	}
}

// DocumentStore holds search documents as zstd-compressed JSON.
type DocumentStore struct {
	db *DB
}

// NewDocumentStore returns a document store over db.
func NewDocumentStore(db *DB) *DocumentStore {
	return &DocumentStore{db: db}
}

func documentKey(k models.DialogueKey) []byte {
	return []byte(prefixDocument + k.OrgID + "/" + k.CallID)
}

// Put writes doc under key, replacing any previous version.
func (s *DocumentStore) Put(ctx context.Context, key models.DialogueKey, doc *models.SearchDocument) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document %s: %w", key, err)
	}
	compressed := docEncoder.EncodeAll(data, nil)
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(documentKey(key), compressed); err != nil {
			return fmt.Errorf("set document %s: %w", key, err)
		}
		return nil
	})
}

// Get returns the document for key or ErrNotFound.
func (s *DocumentStore) Get(ctx context.Context, key models.DialogueKey) (*models.SearchDocument, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var doc models.SearchDocument
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(documentKey(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("document %s: %w", key, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("get document %s: %w", key, err)
		}
		return item.Value(func(val []byte) error {
			data, err := docDecoder.DecodeAll(val, nil)
			if err != nil {
				return fmt.Errorf("decompress document %s: %w", key, err)
			}
			return json.Unmarshal(data, &doc)
		})
	})
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// Count returns the number of stored documents.
func (s *DocumentStore) Count(ctx context.Context) (int, error) {
	return s.db.countPrefix(ctx, prefixDocument)
}
