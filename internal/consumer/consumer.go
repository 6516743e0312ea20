// Callstream - Real-time Call Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/callstream

package consumer

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/tomtom215/callstream/internal/eventlog"
	"github.com/tomtom215/callstream/internal/logging"
	"github.com/tomtom215/callstream/internal/metrics"
	"github.com/tomtom215/callstream/internal/models"
)

// Dead-letter reasons.
const (
	ReasonPoison    = "poison_record"
	ReasonPermanent = "permanent_failure"
)

// ItemFailure reports one record of a batch that the handler could not
// process. Index is relative to the batch passed to HandleBatch.
type ItemFailure struct {
	Index int
	Err   error
}

// BatchResult is a handler's partial-failure report. A nil error with no
// item failures commits the whole batch.
type BatchResult struct {
	ItemFailures []ItemFailure
}

// BatchHandler processes records in the order given. Returning an error
// fails the whole batch and triggers bisection; handlers must stop at the
// first record they cannot process so later records of the same dialogue
// are not applied ahead of it. Handlers must observe ctx.
type BatchHandler interface {
	HandleBatch(ctx context.Context, batch []*eventlog.Delivery) (BatchResult, error)
}

// HandlerFunc adapts a function to BatchHandler.
type HandlerFunc func(ctx context.Context, batch []*eventlog.Delivery) (BatchResult, error)

// HandleBatch calls f.
func (f HandlerFunc) HandleBatch(ctx context.Context, batch []*eventlog.Delivery) (BatchResult, error) {
	return f(ctx, batch)
}

// DeadLetterSink stores records that exhausted redelivery.
type DeadLetterSink interface {
	Put(ctx context.Context, dl *models.DeadLetter) error
}

type outcome int

const (
	outcomeNone outcome = iota
	outcomeCommit
	outcomeFailed
	outcomeDeferred
	outcomeAbandoned
)

type item struct {
	d        *eventlog.Delivery
	outcome  outcome
	err      error
	// attempts is the number of handler failures on this record so far.
	attempts int
}

func (it *item) fail(err error) {
	it.outcome = outcomeFailed
	it.err = err
}

// block holds a dialogue key back until the record that failed is
// redelivered.
type block struct {
	id    string
	until time.Time
}

type partitionState struct {
	blocked  map[models.DialogueKey]block
	// failures counts handler failures per record. Redeliveries of a
	// record that was only held back do not count.
	failures map[string]int
}

func newPartitionState() *partitionState {
	return &partitionState{
		blocked:  make(map[models.DialogueKey]block),
		failures: make(map[string]int),
	}
}

// Consumer reads every partition of one region/destination and drives a
// BatchHandler with ordered batches.
//
// Each fetch of BatchSize*Parallelism records is split into Parallelism
// lanes by dialogue key, so one key always stays on one lane, and lanes
// run concurrently. Within a lane records are handed over in batches of
// BatchSize in arrival order. A failed batch is bisected, left half first,
// until the failing records are isolated. Successful records are acked in
// arrival order; failed ones are naked for redelivery and, once the handler
// has failed on them MaxDeliver times, terminated and dead-lettered.
type Consumer struct {
	name        string
	log         eventlog.Log
	region      string
	dest        models.Destination
	handler     BatchHandler
	deadLetters DeadLetterSink
	cfg         Config
	logger      zerolog.Logger
}

// New creates a consumer named name. The name labels metrics and logs.
func New(
	name string,
	log eventlog.Log,
	region string,
	dest models.Destination,
	handler BatchHandler,
	deadLetters DeadLetterSink,
	cfg Config,
) (*Consumer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid consumer config: %w", err)
	}
	if cfg.NakDelay < 0 {
		cfg.NakDelay = 0
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = DefaultConfig().BlockTimeout
	}
	return &Consumer{
		name:        name,
		log:         log,
		region:      region,
		dest:        dest,
		handler:     handler,
		deadLetters: deadLetters,
		cfg:         cfg,
		logger: logging.WithComponent("consumer").With().
			Str("consumer", name).
			Str("region", region).
			Logger(),
	}, nil
}

// String names the service in supervisor logs.
func (c *Consumer) String() string {
	return "consumer-" + c.name + "-" + c.region
}

// Serve runs one reader per partition until ctx ends.
func (c *Consumer) Serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for p := 0; p < c.log.Partitions(); p++ {
		partition := p
		g.Go(func() error {
			return c.runPartition(gctx, partition)
		})
	}
	c.logger.Info().Int("partitions", c.log.Partitions()).Msg("consumer started")
	err := g.Wait()
	c.logger.Info().Msg("consumer stopped")
	return err
}

func (c *Consumer) runPartition(ctx context.Context, partition int) error {
	reader, err := c.openReader(ctx, partition)
	if err != nil {
		return err
	}
	defer reader.Close()

	st := newPartitionState()
	max := c.cfg.BatchSize * c.cfg.Parallelism
	for {
		deliveries, err := reader.Fetch(ctx, max, c.cfg.FetchWait)
		if len(deliveries) > 0 {
			c.process(ctx, st, deliveries)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			if errors.Is(err, eventlog.ErrClosed) {
				return err
			}
			c.logger.Warn().Err(err).Int("partition", partition).Msg("fetch failed")
			if !sleep(ctx, c.cfg.FetchWait) {
				return ctx.Err()
			}
		}
	}
}

func (c *Consumer) openReader(ctx context.Context, partition int) (eventlog.PartitionReader, error) {
	backoff := 500 * time.Millisecond
	for {
		reader, err := c.log.Reader(ctx, c.region, c.dest, partition)
		if err == nil {
			return reader, nil
		}
		if errors.Is(err, eventlog.ErrInvalidPartition) || errors.Is(err, eventlog.ErrClosed) {
			return nil, err
		}
		c.logger.Warn().Err(err).Int("partition", partition).Dur("backoff", backoff).Msg("open partition reader failed")
		if !sleep(ctx, backoff) {
			return nil, ctx.Err()
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// process handles one fetch and settles every delivery in it.
func (c *Consumer) process(ctx context.Context, st *partitionState, deliveries []*eventlog.Delivery) {
	ctx = logging.ContextWithNewCorrelationID(ctx)
	items := make([]*item, len(deliveries))
	for i, d := range deliveries {
		items[i] = &item{d: d}
	}

	c.holdBlocked(st, items)

	lanes := make([][]*item, c.cfg.Parallelism)
	for _, it := range items {
		if it.outcome == outcomeDeferred {
			continue
		}
		l := laneFor(it.d.Key, c.cfg.Parallelism)
		lanes[l] = append(lanes[l], it)
	}

	g := new(errgroup.Group)
	g.SetLimit(c.cfg.Parallelism)
	for _, lane := range lanes {
		if len(lane) == 0 {
			continue
		}
		lane := lane
		g.Go(func() error {
			c.runLane(ctx, lane)
			return nil
		})
	}
	_ = g.Wait()

	c.commit(ctx, st, items)
}

// holdBlocked defers records of keys still waiting on an earlier failed
// record. A key is released when that record comes back ahead of every
// other record of the key, or when the block times out.
func (c *Consumer) holdBlocked(st *partitionState, items []*item) {
	if len(st.blocked) == 0 {
		return
	}
	now := time.Now()
	for k, b := range st.blocked {
		if now.After(b.until) {
			delete(st.blocked, k)
		}
	}

	seen := make(map[models.DialogueKey]bool)
	for _, it := range items {
		k := it.d.Key
		if b, ok := st.blocked[k]; ok {
			if !seen[k] && it.d.ID == b.id {
				delete(st.blocked, k)
			} else {
				it.outcome = outcomeDeferred
			}
		}
		seen[k] = true
	}
}

func laneFor(k models.DialogueKey, lanes int) int {
	if lanes <= 1 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(k.CallID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(k.OrgID))
	return int(h.Sum64() % uint64(lanes))
}

// runLane hands a lane to the handler BatchSize records at a time.
func (c *Consumer) runLane(ctx context.Context, lane []*item) {
	blocked := make(map[models.DialogueKey]bool)
	for start := 0; start < len(lane); start += c.cfg.BatchSize {
		end := start + c.cfg.BatchSize
		if end > len(lane) {
			end = len(lane)
		}
		c.bisect(ctx, lane[start:end], blocked)
	}
}

// bisect runs items through the handler. On a whole-batch failure it
// splits the batch and recurses, left half before right, until failing
// records are isolated. Records of a key that already failed in this lane
// are deferred so they are never applied ahead of it.
func (c *Consumer) bisect(ctx context.Context, items []*item, blocked map[models.DialogueKey]bool) {
	run := make([]*item, 0, len(items))
	for _, it := range items {
		if blocked[it.d.Key] {
			it.outcome = outcomeDeferred
			continue
		}
		run = append(run, it)
	}
	if len(run) == 0 {
		return
	}
	if ctx.Err() != nil {
		abandon(run)
		return
	}

	res, err := c.invoke(ctx, run)
	if err == nil {
		failed := make(map[int]error, len(res.ItemFailures))
		for _, f := range res.ItemFailures {
			if f.Index < 0 || f.Index >= len(run) {
				continue
			}
			ferr := f.Err
			if ferr == nil {
				ferr = errors.New("item failure reported by handler")
			}
			failed[f.Index] = ferr
		}
		for i, it := range run {
			if ferr, ok := failed[i]; ok {
				it.fail(ferr)
				blocked[it.d.Key] = true
				continue
			}
			it.outcome = outcomeCommit
		}
		return
	}

	if ctx.Err() != nil {
		abandon(run)
		return
	}
	if len(run) == 1 {
		run[0].fail(err)
		blocked[run[0].d.Key] = true
		return
	}

	metrics.ConsumerBisections.WithLabelValues(c.name).Inc()
	mid := len(run) / 2
	c.logger.Debug().Err(err).Int("size", len(run)).Msg("batch failed, bisecting")
	c.bisect(ctx, run[:mid], blocked)
	c.bisect(ctx, run[mid:], blocked)
}

func abandon(items []*item) {
	for _, it := range items {
		it.outcome = outcomeAbandoned
	}
}

func (c *Consumer) invoke(ctx context.Context, run []*item) (BatchResult, error) {
	batch := make([]*eventlog.Delivery, len(run))
	for i, it := range run {
		batch[i] = it.d
	}

	bctx, cancel := context.WithTimeout(ctx, c.cfg.BatchTimeout)
	defer cancel()

	start := time.Now()
	res, err := c.handler.HandleBatch(bctx, batch)
	result := "ok"
	if ctx.Err() == nil && errors.Is(bctx.Err(), context.DeadlineExceeded) {
		if err == nil {
			err = ErrBatchTimeout
		} else {
			err = fmt.Errorf("%w: %w", ErrBatchTimeout, err)
		}
		result = "timeout"
	} else if err != nil {
		result = "error"
	}
	metrics.RecordBatch(c.name, result, time.Since(start))
	return res, err
}

// commit settles items in arrival order.
func (c *Consumer) commit(ctx context.Context, st *partitionState, items []*item) {
	logger := logging.FromContext(ctx, c.logger)
	var committed, failed int
	for _, it := range items {
		d := it.d
		var err error
		switch it.outcome {
		case outcomeCommit:
			committed++
			delete(st.failures, d.ID)
			err = d.Ack()
		case outcomeFailed:
			failed++
			st.failures[d.ID]++
			it.attempts = st.failures[d.ID]
			if IsPermanent(it.err) || it.attempts >= c.cfg.MaxDeliver {
				if c.poison(ctx, it) {
					delete(st.failures, d.ID)
					break
				}
			}
			if _, ok := st.blocked[d.Key]; !ok {
				st.blocked[d.Key] = block{id: d.ID, until: time.Now().Add(c.cfg.BlockTimeout)}
			}
			logger.Warn().
				Err(it.err).
				Str("record_id", d.ID).
				Str("dialogue_key", d.Key.String()).
				Int("delivered", d.NumDelivered).
				Int("failures", it.attempts).
				Msg("record failed, scheduled for redelivery")
			err = d.Nak(c.cfg.NakDelay)
		case outcomeAbandoned:
			err = d.Nak(0)
		default:
			err = d.Nak(c.cfg.NakDelay)
		}
		if err != nil {
			logger.Warn().Err(err).Str("record_id", d.ID).Msg("settle delivery failed")
		}
	}
	metrics.RecordCommit(c.region, c.name, committed, failed)
}

// poison dead-letters a record and terminates it. It reports false when
// the dead letter could not be written; the caller then redelivers the
// record so it is not lost.
func (c *Consumer) poison(ctx context.Context, it *item) bool {
	d := it.d
	logger := logging.FromContext(ctx, c.logger)
	reason := ReasonPoison
	if IsPermanent(it.err) {
		reason = ReasonPermanent
	}
	first := d.AppendedAt
	if first.IsZero() {
		first = time.Now().UTC()
	}
	dl := &models.DeadLetter{
		Envelope: models.RetryEnvelope{
			ID:             d.ID,
			Payload:        d.Data,
			Region:         d.Region,
			Destination:    d.Destination,
			FirstFailureAt: first,
			DialogueKey:    d.Key.String(),
			AttemptCount:   it.attempts,
			LastError:      it.err.Error(),
			State:          models.RetryDeadLettered,
		},
		AttemptCount:   it.attempts,
		FirstFailureAt: first,
		LastError:      it.err.Error(),
		Reason:         reason,
		DeadLetteredAt: time.Now().UTC(),
	}
	if c.deadLetters != nil {
		if err := c.deadLetters.Put(context.WithoutCancel(ctx), dl); err != nil {
			logger.Error().Err(err).Str("record_id", d.ID).Msg("dead-letter write failed, redelivering")
			return false
		}
	}
	metrics.RecordDeadLetter("consumer", reason)
	logger.Error().
		Err(it.err).
		Str("record_id", d.ID).
		Str("dialogue_key", d.Key.String()).
		Int("delivered", d.NumDelivered).
		Str("reason", reason).
		Msg("record dead-lettered")
	if err := d.Term(); err != nil {
		logger.Warn().Err(err).Str("record_id", d.ID).Msg("terminate delivery failed")
	}
	return true
}
