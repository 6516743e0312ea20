// Callstream - Real-time Call Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/callstream

// Package indexer writes a denormalized search document for every
// dialogue that reaches a terminal status.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/callstream/internal/logging"
	"github.com/tomtom215/callstream/internal/metrics"
	"github.com/tomtom215/callstream/internal/models"
	"github.com/tomtom215/callstream/internal/store"
)

// Result labels for callstream_indexer_documents_total.
const (
	ResultIndexed = "indexed"
	ResultFailed  = "failed"
	ResultDropped = "dropped"
)

// DialogueSource reads dialogues and their history.
type DialogueSource interface {
	Get(ctx context.Context, key models.DialogueKey) (*models.Dialogue, error)
	Events(ctx context.Context, key models.DialogueKey) ([]models.Event, error)
}

// DocumentSink stores search documents.
type DocumentSink interface {
	Put(ctx context.Context, key models.DialogueKey, doc *models.SearchDocument) error
}

// Config bounds indexing retries.
type Config struct {
	MaxAttempts    int           `koanf:"max_attempts"`
	InitialBackoff time.Duration `koanf:"initial_backoff"`
	MaxBackoff     time.Duration `koanf:"max_backoff"`
}

// DefaultConfig returns indexer defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    5,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
	}
}

// Indexer consumes finalized dialogue keys.
type Indexer struct {
	source DialogueSource
	sink   DocumentSink
	queue  <-chan models.DialogueKey
	cfg    Config
	now    func() time.Time
	logger zerolog.Logger
}

// Option configures an Indexer.
type Option func(*Indexer)

// WithNow replaces the clock used for IndexedAt.
func WithNow(now func() time.Time) Option {
	return func(ix *Indexer) { ix.now = now }
}

// New creates an indexer reading keys from queue.
func New(source DialogueSource, sink DocumentSink, queue <-chan models.DialogueKey, cfg Config, opts ...Option) *Indexer {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	ix := &Indexer{
		source: source,
		sink:   sink,
		queue:  queue,
		cfg:    cfg,
		now:    time.Now,
		logger: logging.WithComponent("indexer"),
	}
	for _, opt := range opts {
		opt(ix)
	}
	return ix
}

// Index builds the search document for key from the stored dialogue and
// its event history. Re-indexing overwrites the previous document.
func (ix *Indexer) Index(ctx context.Context, key models.DialogueKey) error {
	d, err := ix.source.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("load dialogue: %w", err)
	}
	events, err := ix.source.Events(ctx, key)
	if err != nil {
		return fmt.Errorf("load events: %w", err)
	}
	doc := &models.SearchDocument{
		ID:        key.String(),
		Dialogue:  d,
		Events:    events,
		IndexedAt: ix.now().UTC(),
	}
	if err := ix.sink.Put(ctx, key, doc); err != nil {
		return fmt.Errorf("write document: %w", err)
	}
	return nil
}

// Serve indexes every key from the queue until ctx is done or the queue
// is closed.
func (ix *Indexer) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case key, ok := <-ix.queue:
			if !ok {
				<-ctx.Done()
				return ctx.Err()
			}
			ix.indexWithRetry(ctx, key)
		}
	}
}

// String names the service in supervisor logs.
func (ix *Indexer) String() string { return "indexer" }

// indexWithRetry gives up after MaxAttempts, or at once when the dialogue
// does not exist.
func (ix *Indexer) indexWithRetry(ctx context.Context, key models.DialogueKey) {
	backoff := ix.cfg.InitialBackoff
	var err error
	for attempt := 1; attempt <= ix.cfg.MaxAttempts; attempt++ {
		if err = ix.Index(ctx, key); err == nil {
			metrics.IndexerDocuments.WithLabelValues(ResultIndexed).Inc()
			ix.logger.Debug().Str("dialogue_id", key.String()).Int("attempt", attempt).Msg("dialogue indexed")
			return
		}
		if errors.Is(err, store.ErrNotFound) {
			metrics.IndexerDocuments.WithLabelValues(ResultDropped).Inc()
			ix.logger.Warn().Err(err).Str("dialogue_id", key.String()).Msg("finalized dialogue not found, skipping")
			return
		}
		if attempt == ix.cfg.MaxAttempts {
			break
		}
		ix.logger.Warn().Err(err).Str("dialogue_id", key.String()).Int("attempt", attempt).Dur("backoff", backoff).Msg("indexing failed, retrying")
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		backoff = min(backoff*2, ix.cfg.MaxBackoff)
	}

	metrics.IndexerDocuments.WithLabelValues(ResultFailed).Inc()
	ix.logger.Error().Err(err).Str("dialogue_id", key.String()).Int("attempts", ix.cfg.MaxAttempts).Msg("indexing gave up")
}
