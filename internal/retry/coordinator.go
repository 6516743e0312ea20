// Callstream - Real-time Call Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/callstream

package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/tomtom215/callstream/internal/logging"
	"github.com/tomtom215/callstream/internal/metrics"
	"github.com/tomtom215/callstream/internal/models"
	"github.com/tomtom215/callstream/internal/store"
)

// Dead-letter reasons.
const (
	ReasonWindowExhausted = "retry_window_exhausted"
	ReasonMalformed       = "malformed_envelope"
)

const minWait = 10 * time.Millisecond

// waiter paces redelivery attempts.
type waiter interface {
	Wait(ctx context.Context) error
}

// holdKey identifies one dialogue's stream into one log destination.
type holdKey struct {
	region string
	dest   models.Destination
	key    string
}

func holdKeyOf(env *models.RetryEnvelope) holdKey {
	return holdKey{region: env.Region, dest: env.Destination, key: env.DialogueKey}
}

// Deliverer re-runs the log write that originally failed.
type Deliverer interface {
	Deliver(ctx context.Context, region string, dest models.Destination, e models.Event) error
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock replaces the system clock.
func WithClock(c Clock) Option {
	return func(co *Coordinator) { co.clock = c }
}

// Stats summarizes coordinator state.
type Stats struct {
	Pending         int       `json:"pending"`
	DeadLetters     int       `json:"deadLetters"`
	OldestFailureAt time.Time `json:"oldestFailureAt,omitempty"`
	NextAttemptAt   time.Time `json:"nextAttemptAt,omitempty"`
}

// Coordinator owns every event the router failed to append. Each one is
// wrapped in a RetryEnvelope and moves PENDING_RETRY -> DELIVERED on a
// successful redelivery or PENDING_RETRY -> DEAD_LETTERED once its retry
// window has elapsed.
//
// Envelopes of one dialogue and destination are redelivered in the order
// they were submitted. While any is pending, Holds reports true so the
// router queues later events of that dialogue behind it.
type Coordinator struct {
	cfg         Config
	deliverer   Deliverer
	envelopes   *envelopeStore
	deadLetters *store.DeadLetterStore
	clock       Clock
	limiter     waiter
	logger      zerolog.Logger

	// writeDeadLetter moves an envelope to the dead-letter sink.
	writeDeadLetter func(*models.DeadLetter) error

	holdMu sync.Mutex
	holds  map[holdKey]int
	seq    uint64

	rngMu sync.Mutex
	rng   *rand.Rand

	// wake is signalled by Submit so the loop reschedules.
	wake chan struct{}

	// processMu serializes ProcessDue.
	processMu sync.Mutex
}

// New creates a coordinator persisting envelopes in db.
func New(cfg Config, deliverer Deliverer, db *store.DB, opts ...Option) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid retry config: %w", err)
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = DefaultConfig().AttemptTimeout
	}
	if cfg.IdleWait <= 0 {
		cfg.IdleWait = DefaultConfig().IdleWait
	}

	c := &Coordinator{
		cfg:         cfg,
		deliverer:   deliverer,
		envelopes:   &envelopeStore{db: db},
		deadLetters: store.NewDeadLetterStore(db),
		clock:       systemClock{},
		limiter:     rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		logger:      logging.WithComponent("retry"),
		wake:        make(chan struct{}, 1),
		holds:       make(map[holdKey]int),
	}
	c.writeDeadLetter = c.envelopes.deadLetter
	for _, opt := range opts {
		opt(c)
	}

	envs, err := c.envelopes.pending(context.Background())
	if err != nil {
		return nil, fmt.Errorf("load pending envelopes: %w", err)
	}
	for _, env := range envs {
		c.holds[holdKeyOf(env)]++
		if env.Seq > c.seq {
			c.seq = env.Seq
		}
	}
	metrics.RetryPending.Set(float64(len(envs)))

	seed := cfg.Seed
	if seed == 0 {
		seed = c.clock.Now().UnixNano()
	}
	c.rng = rand.New(rand.NewSource(seed)) //nolint:gosec // jitter only
	return c, nil
}

// Submit takes ownership of an event whose append to region/dest failed.
// The envelope is persisted before Submit returns.
func (c *Coordinator) Submit(ctx context.Context, region string, dest models.Destination, e models.Event, cause error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", e.EventID, err)
	}

	now := c.clock.Now()
	env := &models.RetryEnvelope{
		ID:             uuid.NewString(),
		Payload:        payload,
		Region:         region,
		Destination:    dest,
		DialogueKey:    e.DialogueKey.String(),
		FirstFailureAt: now,
		AttemptCount:   0,
		MaxRetryUntil:  now.Add(c.cfg.MaxRetryWindow),
		State:          models.RetryPending,
	}
	if cause != nil {
		env.LastError = cause.Error()
	}
	env.NextAttemptAt = c.schedule(env, now)

	// The sequence is taken and the hold raised under one lock so a
	// concurrent Holds never misses a persisted envelope.
	c.holdMu.Lock()
	c.seq++
	env.Seq = c.seq
	if err := c.envelopes.put(env); err != nil {
		c.holdMu.Unlock()
		return fmt.Errorf("persist envelope for %s: %w", e.EventID, err)
	}
	c.holds[holdKeyOf(env)]++
	c.holdMu.Unlock()
	metrics.RetrySubmitted.Inc()
	metrics.RetryPending.Inc()

	c.logger.Debug().
		Str("envelope_id", env.ID).
		Str("event_id", e.EventID).
		Str("destination", string(dest)).
		Time("next_attempt_at", env.NextAttemptAt).
		Msg("envelope pending retry")

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

// Holds reports whether an earlier event of the dialogue at key is still
// pending retry to region/dest.
func (c *Coordinator) Holds(region string, dest models.Destination, key models.DialogueKey) bool {
	c.holdMu.Lock()
	defer c.holdMu.Unlock()
	return c.holds[holdKey{region: region, dest: dest, key: key.String()}] > 0
}

func (c *Coordinator) release(env *models.RetryEnvelope) {
	c.holdMu.Lock()
	defer c.holdMu.Unlock()
	hk := holdKeyOf(env)
	if c.holds[hk] <= 1 {
		delete(c.holds, hk)
		return
	}
	c.holds[hk]--
}

// Backoff returns the delay after attempt failures, before jitter:
// InitialBackoff * Multiplier^attempt, capped at MaxBackoff.
func (c *Coordinator) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(c.cfg.InitialBackoff) * math.Pow(c.cfg.Multiplier, float64(attempt))
	if math.IsInf(d, 0) || d > float64(c.cfg.MaxBackoff) {
		return c.cfg.MaxBackoff
	}
	return time.Duration(d)
}

// schedule returns the next attempt time, never past MaxRetryUntil.
func (c *Coordinator) schedule(env *models.RetryEnvelope, now time.Time) time.Time {
	d := c.Backoff(env.AttemptCount)
	if c.cfg.Jitter > 0 {
		c.rngMu.Lock()
		f := 1 + c.cfg.Jitter*(2*c.rng.Float64()-1)
		c.rngMu.Unlock()
		d = time.Duration(float64(d) * f)
		if d > c.cfg.MaxBackoff {
			d = c.cfg.MaxBackoff
		}
	}
	next := now.Add(d)
	if next.After(env.MaxRetryUntil) {
		next = env.MaxRetryUntil
	}
	return next
}

// ProcessDue attempts every envelope whose NextAttemptAt has passed and
// returns how many it attempted and the earliest remaining attempt time.
// An envelope is only attempted once every earlier envelope of its
// dialogue and destination has left the pending set.
func (c *Coordinator) ProcessDue(ctx context.Context) (int, time.Time, error) {
	c.processMu.Lock()
	defer c.processMu.Unlock()

	envs, err := c.envelopes.pending(ctx)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("load pending envelopes: %w", err)
	}

	var (
		attempted int
		next      time.Time
		remaining int
	)
	trackAt := func(at time.Time) {
		remaining++
		if next.IsZero() || at.Before(next) {
			next = at
		}
	}
	track := func(env *models.RetryEnvelope) { trackAt(env.NextAttemptAt) }
	blocked := make(map[holdKey]bool)

	for i, env := range envs {
		if err := ctx.Err(); err != nil {
			for _, rest := range envs[i:] {
				track(rest)
			}
			metrics.RetryPending.Set(float64(remaining))
			return attempted, next, err
		}

		hk := holdKeyOf(env)
		now := c.clock.Now()
		if now.After(env.MaxRetryUntil) {
			// Window closed while the envelope waited (e.g. across a restart).
			if !c.deadLetter(env, ReasonWindowExhausted, now) {
				track(env)
				blocked[hk] = true
			}
			continue
		}
		if blocked[hk] {
			// Behind an earlier envelope; only its window end can free it.
			trackAt(env.MaxRetryUntil)
			continue
		}
		if env.NextAttemptAt.After(now) {
			track(env)
			blocked[hk] = true
			continue
		}

		if err := c.limiter.Wait(ctx); err != nil {
			track(env)
			blocked[hk] = true
			continue
		}
		if now = c.clock.Now(); now.After(env.MaxRetryUntil) {
			if !c.deadLetter(env, ReasonWindowExhausted, now) {
				track(env)
				blocked[hk] = true
			}
			continue
		}

		attempted++
		if c.attempt(ctx, env) {
			continue
		}
		track(env)
		blocked[hk] = true
	}

	metrics.RetryPending.Set(float64(remaining))
	return attempted, next, nil
}

// attempt redelivers env once and reports whether it left the pending set.
func (c *Coordinator) attempt(ctx context.Context, env *models.RetryEnvelope) bool {
	var e models.Event
	if err := json.Unmarshal(env.Payload, &e); err != nil {
		env.LastError = err.Error()
		return c.deadLetter(env, ReasonMalformed, c.clock.Now())
	}

	ctx = logging.ContextWithDialogueKey(logging.ContextWithRegion(ctx, env.Region), e.DialogueKey.String())
	logger := logging.FromContext(ctx, c.logger)

	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.AttemptTimeout)
	err := c.deliverer.Deliver(attemptCtx, env.Region, env.Destination, e)
	cancel()

	if err == nil {
		metrics.RecordRetryAttempt(true)
		if delErr := c.envelopes.delete(env.ID); delErr != nil {
			// The append succeeded; a leftover envelope only causes a
			// duplicate append, which the log suppresses.
			// It stays held until a later pass removes it.
			logger.Error().Err(delErr).Str("envelope_id", env.ID).Msg("failed to remove delivered envelope")
		} else {
			c.release(env)
		}
		env.State = models.RetryDelivered
		logger.Info().
			Str("envelope_id", env.ID).
			Str("event_id", e.EventID).
			Int("failed_attempts", env.AttemptCount).
			Msg("envelope delivered")
		return true
	}

	metrics.RecordRetryAttempt(false)
	env.AttemptCount++
	env.LastError = err.Error()

	now := c.clock.Now()
	if !now.Before(env.MaxRetryUntil) {
		return c.deadLetter(env, ReasonWindowExhausted, now)
	}
	env.NextAttemptAt = c.schedule(env, now)
	if putErr := c.envelopes.put(env); putErr != nil {
		logger.Error().Err(putErr).Str("envelope_id", env.ID).Msg("failed to reschedule envelope")
	}
	logger.Debug().
		Err(err).
		Str("envelope_id", env.ID).
		Int("attempt", env.AttemptCount).
		Time("next_attempt_at", env.NextAttemptAt).
		Msg("retry attempt failed")
	return false
}

// deadLetter reports whether env was moved to the dead-letter sink. On a
// failed write env stays pending and held.
func (c *Coordinator) deadLetter(env *models.RetryEnvelope, reason string, now time.Time) bool {
	env.State = models.RetryDeadLettered
	dl := &models.DeadLetter{
		Envelope:       *env,
		AttemptCount:   env.AttemptCount,
		FirstFailureAt: env.FirstFailureAt,
		LastError:      env.LastError,
		Reason:         reason,
		DeadLetteredAt: now,
	}
	if err := c.writeDeadLetter(dl); err != nil {
		// Leave it pending; the next pass dead-letters it again.
		env.State = models.RetryPending
		c.logger.Error().Err(err).Str("envelope_id", env.ID).Msg("failed to write dead letter")
		return false
	}
	c.release(env)
	metrics.RecordDeadLetter("retry", reason)
	c.logger.Error().
		Str("envelope_id", env.ID).
		Str("region", env.Region).
		Str("destination", string(env.Destination)).
		Int("attempt_count", env.AttemptCount).
		Time("first_failure_at", env.FirstFailureAt).
		Str("last_error", env.LastError).
		Str("reason", reason).
		Msg("envelope dead-lettered")
	return true
}

// Serve runs the scheduled-wake loop until ctx ends: process what is due,
// then sleep until the earliest NextAttemptAt or a new submission.
func (c *Coordinator) Serve(ctx context.Context) error {
	c.logger.Info().
		Dur("max_retry_window", c.cfg.MaxRetryWindow).
		Dur("initial_backoff", c.cfg.InitialBackoff).
		Msg("retry coordinator started")
	defer c.logger.Info().Msg("retry coordinator stopped")

	for {
		_, next, err := c.ProcessDue(ctx)
		if err != nil && ctx.Err() == nil {
			c.logger.Error().Err(err).Msg("retry pass failed")
		}

		wait := c.cfg.IdleWait
		if !next.IsZero() {
			if d := next.Sub(c.clock.Now()); d < wait {
				wait = d
			}
		}
		if wait < minWait {
			wait = minWait
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-c.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// String names the service in supervisor logs.
func (c *Coordinator) String() string {
	return "retry-coordinator"
}

// Pending returns the envelopes awaiting retry in submission order.
func (c *Coordinator) Pending(ctx context.Context) ([]*models.RetryEnvelope, error) {
	return c.envelopes.pending(ctx)
}

// DeadLetters lists the newest dead letters.
func (c *Coordinator) DeadLetters(ctx context.Context, limit int) ([]models.DeadLetter, error) {
	return c.deadLetters.List(ctx, limit)
}

// Stats reports pending and dead-lettered counts.
func (c *Coordinator) Stats(ctx context.Context) (Stats, error) {
	envs, err := c.envelopes.pending(ctx)
	if err != nil {
		return Stats{}, err
	}
	dead, err := c.deadLetters.Count(ctx)
	if err != nil {
		return Stats{}, err
	}
	st := Stats{Pending: len(envs), DeadLetters: dead}
	for _, env := range envs {
		if st.OldestFailureAt.IsZero() || env.FirstFailureAt.Before(st.OldestFailureAt) {
			st.OldestFailureAt = env.FirstFailureAt
		}
		if st.NextAttemptAt.IsZero() || env.NextAttemptAt.Before(st.NextAttemptAt) {
			st.NextAttemptAt = env.NextAttemptAt
		}
	}
	return st, nil
}
