// Callstream - Real-time Call Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/callstream

package aggregator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/callstream/internal/consumer"
	"github.com/tomtom215/callstream/internal/logging"
	"github.com/tomtom215/callstream/internal/metrics"
	"github.com/tomtom215/callstream/internal/models"
	"github.com/tomtom215/callstream/internal/store"
)

// Apply outcomes, as exported in callstream_aggregator_applies_total.
const (
	OutcomeApplied     = "applied"
	OutcomeDuplicate   = "duplicate"
	OutcomeTerminal    = "terminal_noop"
	OutcomeUnknownType = "unknown_type"
)

// Config sizes the lock arena and the outbound queues.
type Config struct {
	LockStripes     int `koanf:"lock_stripes"`
	FeedShards      int `koanf:"feed_shards"`
	FeedBuffer      int `koanf:"feed_buffer"`
	FinalizedBuffer int `koanf:"finalized_buffer"`
}

// DefaultConfig returns aggregator defaults.
func DefaultConfig() Config {
	return Config{
		LockStripes:     256,
		FeedShards:      8,
		FeedBuffer:      256,
		FinalizedBuffer: 1024,
	}
}

// Aggregator folds events into dialogues. Every upsert for one key runs
// under that key's stripe lock and inside a badger transaction, so
// concurrent deliveries of the same key never lose an update.
type Aggregator struct {
	store     *store.DialogueStore
	locks     *keyLocks
	feed      *ChangeFeed
	finalized chan models.DialogueKey
	now       func() time.Time
	logger    zerolog.Logger
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithNow replaces the clock used for UpdatedAt.
func WithNow(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// New creates an aggregator writing to s and emitting on feed.
func New(s *store.DialogueStore, feed *ChangeFeed, cfg Config, opts ...Option) *Aggregator {
	def := DefaultConfig()
	if cfg.LockStripes <= 0 {
		cfg.LockStripes = def.LockStripes
	}
	if cfg.FinalizedBuffer <= 0 {
		cfg.FinalizedBuffer = def.FinalizedBuffer
	}
	a := &Aggregator{
		store:     s,
		locks:     newKeyLocks(cfg.LockStripes),
		feed:      feed,
		finalized: make(chan models.DialogueKey, cfg.FinalizedBuffer),
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logging.WithComponent("aggregator"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Finalized delivers the key of every dialogue that just became terminal.
func (a *Aggregator) Finalized() <-chan models.DialogueKey {
	return a.finalized
}

// Feed returns the change feed.
func (a *Aggregator) Feed() *ChangeFeed {
	return a.feed
}

// Get returns the stored dialogue for key.
func (a *Aggregator) Get(ctx context.Context, key models.DialogueKey) (*models.Dialogue, error) {
	return a.store.Get(ctx, key)
}

// Apply merges e into its dialogue and returns the result. Re-applying an
// event id is a no-op that returns the current dialogue. Events reaching a
// terminal dialogue are recorded as applied without changing it.
//
// Every committed change stays in the dialogue's outbox until it has been
// handed to the feed and, when terminal, to the finalized queue. Apply
// fails while that hand-off fails, and the next Apply of the key emits
// the outstanding change before anything else, so a redelivered event
// recovers a change that was committed but never published.
func (a *Aggregator) Apply(ctx context.Context, e models.Event) (*models.Dialogue, error) {
	key := e.DialogueKey
	unlock := a.locks.lock(key)
	defer unlock()

	if err := a.flushOutbox(ctx, key); err != nil {
		return nil, err
	}

	var (
		change    models.Change
		outcome   string
		finalized bool
	)
	d, written, err := a.store.Upsert(ctx, key, func(cur *models.Dialogue) (*store.Mutation, error) {
		if cur != nil && cur.HasApplied(e.EventID) {
			outcome = OutcomeDuplicate
			return nil, nil
		}

		var next *models.Dialogue
		fields := []string{}
		if cur == nil {
			next = models.NewDialogue(key, e.Timestamp)
			fields = append(fields, "status", "startTime")
		} else {
			next = cur.Clone()
		}

		wasTerminal := next.Status.Terminal()
		outcome = OutcomeApplied
		switch {
		case wasTerminal:
			outcome = OutcomeTerminal
		case !e.EventType.Known():
			outcome = OutcomeUnknownType
		default:
			changed, err := transition(next, e)
			if err != nil {
				return nil, err
			}
			fields = appendUnique(fields, changed...)
		}

		now := a.now()
		next.AppliedEventIDs = append(next.AppliedEventIDs, e.EventID)
		next.UpdatedAt = now
		next.Version++
		fields = append(fields, "appliedEventIds", "updatedAt")

		finalized = !wasTerminal && next.Status.Terminal()
		change = models.Change{
			DialogueKey:   key,
			DialogueID:    key.String(),
			EventID:       e.EventID,
			ChangedFields: fields,
			Status:        next.Status,
			Version:       next.Version,
			Timestamp:     now,
			Finalized:     finalized,
		}
		ev := e
		return &store.Mutation{Dialogue: next, Event: &ev, Change: &change}, nil
	})
	typeLabel := string(e.EventType)
	if !e.EventType.Known() {
		typeLabel = "unknown"
	}
	if err != nil {
		metrics.RecordApply(typeLabel, "error")
		return nil, err
	}
	metrics.RecordApply(typeLabel, outcome)

	switch outcome {
	case OutcomeUnknownType:
		a.logger.Warn().
			Str("event_id", e.EventID).
			Str("event_type", string(e.EventType)).
			Str("dialogue_key", key.String()).
			Msg("unknown event type recorded without transition")
	case OutcomeTerminal:
		a.logger.Debug().
			Str("event_id", e.EventID).
			Str("status", string(d.Status)).
			Msg("event for terminal dialogue recorded without transition")
	}

	if !written {
		return d, nil
	}

	if finalized {
		metrics.DialoguesFinalized.WithLabelValues(string(d.Status)).Inc()
	}
	// Still under the key lock, so changes of one key enter the feed in
	// commit order.
	if err := a.emit(ctx, change); err != nil {
		a.logger.Warn().Err(err).Str("dialogue_key", key.String()).Str("event_id", e.EventID).
			Msg("committed change not emitted, kept in outbox")
		return nil, err
	}
	return d, nil
}

// flushOutbox emits a change committed by an earlier Apply of key whose
// emission failed.
func (a *Aggregator) flushOutbox(ctx context.Context, key models.DialogueKey) error {
	pending, err := a.store.UnpublishedChange(ctx, key)
	if err != nil {
		return fmt.Errorf("read outbox of %s: %w", key, err)
	}
	if pending == nil {
		return nil
	}
	a.logger.Info().Str("dialogue_key", key.String()).Uint64("version", pending.Version).
		Msg("re-emitting committed change")
	return a.emit(ctx, *pending)
}

// emit hands c to the feed and, for a terminal transition, to the
// finalized queue, then clears it from the outbox.
func (a *Aggregator) emit(ctx context.Context, c models.Change) error {
	if a.feed != nil {
		if err := a.feed.Publish(ctx, c); err != nil {
			return fmt.Errorf("publish change %s v%d: %w", c.DialogueID, c.Version, err)
		}
	}
	if c.Finalized {
		select {
		case a.finalized <- c.DialogueKey:
		case <-ctx.Done():
			return fmt.Errorf("signal finalized %s: %w", c.DialogueID, ctx.Err())
		}
	}
	if err := a.store.AckChange(ctx, c.DialogueKey, c.Version); err != nil {
		return fmt.Errorf("clear outbox of %s: %w", c.DialogueID, err)
	}
	return nil
}

// transition applies the event-type-specific change to an active dialogue
// and returns the changed field names. A payload that does not decode is a
// permanent failure of that record.
func transition(d *models.Dialogue, e models.Event) ([]string, error) {
	switch e.EventType {
	case models.EventCallStarted:
		var p models.CallStartedPayload
		if err := e.DecodePayload(&p); err != nil {
			return nil, consumer.Permanent(err)
		}
		fields := []string{"startTime", "participants"}
		d.StartTime = e.Timestamp
		d.Participants = models.Participants{Caller: p.Caller, Called: p.Called}
		if p.Direction != "" {
			dir := models.Direction(strings.ToUpper(string(p.Direction)))
			if !dir.Valid() {
				return nil, consumer.Permanent(fmt.Errorf("invalid direction %q", p.Direction))
			}
			d.Direction = dir
			fields = append(fields, "direction")
		}
		return fields, nil

	case models.EventCallAnswered:
		t := e.Timestamp
		d.AnsweredAt = &t
		return []string{"answeredAt"}, nil

	case models.EventCallEnded:
		var p models.CallEndedPayload
		if err := e.DecodePayload(&p); err != nil {
			return nil, consumer.Permanent(err)
		}
		fields := end(d, e.Timestamp)
		if strings.EqualFold(p.Disposition, "failed") {
			d.Status = models.StatusFailed
			d.FailureReason = p.Reason
			fields = append(fields, "failureReason")
		} else {
			d.Status = models.StatusCompleted
		}
		return fields, nil

	case models.EventTransferred:
		var p models.TransferredPayload
		if err := e.DecodePayload(&p); err != nil {
			return nil, consumer.Permanent(err)
		}
		fields := end(d, e.Timestamp)
		d.Status = models.StatusTransferred
		d.TransferTarget = p.Target
		return append(fields, "transferTarget"), nil

	case models.EventHeld:
		if d.OnHold {
			return nil, nil
		}
		d.OnHold = true
		d.HoldCount++
		return []string{"onHold", "holdCount"}, nil

	case models.EventResumed:
		if !d.OnHold {
			return nil, nil
		}
		d.OnHold = false
		return []string{"onHold"}, nil

	case models.EventRecordingStarted:
		d.Recording = true
		return []string{"recording"}, nil

	case models.EventRecordingStopped:
		d.Recording = false
		return []string{"recording"}, nil

	case models.EventDTMF:
		var p models.DTMFPayload
		if err := e.DecodePayload(&p); err != nil {
			return nil, consumer.Permanent(err)
		}
		if p.Digits == "" {
			return nil, nil
		}
		d.DTMFDigits += p.Digits
		return []string{"dtmfDigits"}, nil

	case models.EventRoutingDecision:
		var p models.RoutingDecisionPayload
		if err := e.DecodePayload(&p); err != nil {
			return nil, consumer.Permanent(err)
		}
		d.Queue = p.Queue
		d.Agent = p.Agent
		return []string{"queue", "agent"}, nil

	case models.EventMetricSample:
		// Metric samples only feed the metrics stream.
		return nil, nil

	default:
		return nil, nil
	}
}

// end stamps endTime and the duration since startTime.
func end(d *models.Dialogue, at time.Time) []string {
	t := at
	d.EndTime = &t
	ms := at.Sub(d.StartTime).Milliseconds()
	if ms < 0 {
		ms = 0
	}
	d.DurationMs = &ms
	return []string{"endTime", "durationMs", "status"}
}

func appendUnique(dst []string, src ...string) []string {
	for _, s := range src {
		found := false
		for _, d := range dst {
			if d == s {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, s)
		}
	}
	return dst
}
