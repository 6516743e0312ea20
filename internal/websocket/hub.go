// Callstream - Real-time Call Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/callstream

package websocket

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/tomtom215/callstream/internal/logging"
	"github.com/tomtom215/callstream/internal/metrics"
	"github.com/tomtom215/callstream/internal/models"
)

// ShutdownReason identifies why the hub is shutting down.
type ShutdownReason string

const (
	// ShutdownReasonContextCanceled is the normal graceful shutdown path.
	ShutdownReasonContextCanceled ShutdownReason = "context_canceled"

	// ShutdownReasonContextDeadline may indicate a hung operation during
	// shutdown.
	ShutdownReasonContextDeadline ShutdownReason = "context_deadline"
)

// Delivery failure reasons, as exported in
// callstream_publisher_delivery_failures_total.
const (
	FailureExhausted = "exhausted"
	FailureQueueFull = "queue_full"
)

// ErrHubClosed is returned by Subscribe after Close.
var ErrHubClosed = errors.New("change hub closed")

// Transport delivers one change to one subscriber. Send must honor ctx.
type Transport interface {
	Send(ctx context.Context, c models.Change) error
}

// Feed is the sharded source of committed changes.
type Feed interface {
	Shards() []<-chan models.Change
}

// Config bounds per-subscription delivery.
type Config struct {
	QueueSize      int           `koanf:"queue_size"`
	MaxAttempts    int           `koanf:"max_attempts"`
	InitialBackoff time.Duration `koanf:"initial_backoff"`
	MaxBackoff     time.Duration `koanf:"max_backoff"`
	AttemptTimeout time.Duration `koanf:"attempt_timeout"`
}

// DefaultConfig returns publisher defaults.
func DefaultConfig() Config {
	return Config{
		QueueSize:      256,
		MaxAttempts:    3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		AttemptTimeout: 5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.QueueSize <= 0 {
		c.QueueSize = def.QueueSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = def.InitialBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = c.InitialBackoff
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = def.AttemptTimeout
	}
	return c
}

// Hub fans committed dialogue changes out to org-scoped subscriptions.
// Publish never blocks: each subscription owns an ordered queue drained by
// its own delivery goroutine, so a slow subscriber only loses its own
// deliveries.
type Hub struct {
	cfg    Config
	feed   Feed
	logger zerolog.Logger
	drops  zerolog.Logger

	mu     sync.RWMutex
	orgs   map[string]map[string]*Subscription
	closed bool
	wg     sync.WaitGroup
}

// NewHub creates a hub reading from feed. feed may be nil when changes are
// only pushed through Publish.
func NewHub(feed Feed, cfg Config) *Hub {
	return &Hub{
		cfg:    cfg.withDefaults(),
		feed:   feed,
		logger: logging.WithComponent("change-hub"),
		drops:  logging.Sampled("change-hub", 10, time.Second),
		orgs:   make(map[string]map[string]*Subscription),
	}
}

// Subscription is one subscriber's view of an organization.
type Subscription struct {
	id        string
	orgID     string
	transport Transport
	queue     chan models.Change
	hub       *Hub

	ctx    context.Context
	cancel context.CancelFunc
}

// ID returns the subscription id.
func (s *Subscription) ID() string { return s.id }

// OrgID returns the subscribed organization.
func (s *Subscription) OrgID() string { return s.orgID }

// Done is closed once the subscription has been removed from the hub.
func (s *Subscription) Done() <-chan struct{} { return s.ctx.Done() }

// Subscribe registers t for every change of orgID.
func (h *Hub) Subscribe(orgID string, t Transport) (*Subscription, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Subscription{
		id:        uuid.NewString(),
		orgID:     orgID,
		transport: t,
		queue:     make(chan models.Change, h.cfg.QueueSize),
		hub:       h,
		ctx:       ctx,
		cancel:    cancel,
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		cancel()
		return nil, ErrHubClosed
	}
	subs, ok := h.orgs[orgID]
	if !ok {
		subs = make(map[string]*Subscription)
		h.orgs[orgID] = subs
	}
	subs[s.id] = s
	h.wg.Add(1)
	h.mu.Unlock()

	metrics.PublisherSubscriptions.Inc()
	go s.run()

	h.logger.Info().Str("subscription_id", s.id).Str("org_id", orgID).Msg("subscriber connected")
	return s, nil
}

// Unsubscribe removes s. Pending deliveries for s are dropped.
func (h *Hub) Unsubscribe(s *Subscription) {
	h.mu.Lock()
	removed := h.remove(s)
	h.mu.Unlock()
	if removed {
		h.logger.Info().Str("subscription_id", s.id).Str("org_id", s.orgID).Msg("subscriber disconnected")
	}
}

// remove must be called with h.mu held.
func (h *Hub) remove(s *Subscription) bool {
	subs, ok := h.orgs[s.orgID]
	if !ok {
		return false
	}
	if _, ok := subs[s.id]; !ok {
		return false
	}
	delete(subs, s.id)
	if len(subs) == 0 {
		delete(h.orgs, s.orgID)
	}
	s.cancel()
	metrics.PublisherSubscriptions.Dec()
	return true
}

// Publish enqueues c for every subscription of its org and returns how
// many queues accepted it.
func (h *Hub) Publish(c models.Change) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	subs := h.orgs[c.DialogueKey.OrgID]
	ids := make([]string, 0, len(subs))
	for id := range subs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	enqueued := 0
	for _, id := range ids {
		s := subs[id]
		select {
		case s.queue <- c:
			enqueued++
		default:
			metrics.RecordDeliveryFailure(FailureQueueFull)
			h.drops.Warn().
				Str("subscription_id", id).
				Str("dialogue_id", c.DialogueID).
				Msg("subscriber queue full, dropping change")
		}
	}
	return enqueued
}

// SubscriptionCount returns the number of subscriptions for orgID, or for
// every org when orgID is empty.
func (h *Hub) SubscriptionCount(orgID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if orgID != "" {
		return len(h.orgs[orgID])
	}
	n := 0
	for _, subs := range h.orgs {
		n += len(subs)
	}
	return n
}

// Serve consumes the feed until ctx is done, with one goroutine per shard
// so changes of one dialogue stay in commit order. On return every
// subscription is dropped, but the hub stays open.
func (h *Hub) Serve(ctx context.Context) error {
	defer h.logGracefulShutdown(ctx)

	if h.feed == nil {
		<-ctx.Done()
		return ctx.Err()
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, shard := range h.feed.Shards() {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case c, ok := <-shard:
					if !ok {
						return nil
					}
					h.Publish(c)
				}
			}
		})
	}
	_ = g.Wait()

	// A closed feed is not a reason to drop subscribers.
	<-ctx.Done()
	return ctx.Err()
}

// String names the service in supervisor logs.
func (h *Hub) String() string { return "change-hub" }

// Close removes every subscription, rejects new ones and waits for the
// delivery goroutines.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	h.closeAll()
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	for _, s := range h.sortedSubscriptions() {
		h.remove(s)
	}
	h.mu.Unlock()
	h.wg.Wait()
}

// sortedSubscriptions must be called with h.mu held.
func (h *Hub) sortedSubscriptions() []*Subscription {
	var out []*Subscription
	for _, subs := range h.orgs {
		for _, s := range subs {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (h *Hub) logGracefulShutdown(ctx context.Context) {
	count := h.SubscriptionCount("")
	h.closeAll()
	h.logger.Info().
		Str("reason", string(getShutdownReason(ctx))).
		Int("subscriptions_closed", count).
		Msg("change hub stopped")
}

func getShutdownReason(ctx context.Context) ShutdownReason {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ShutdownReasonContextDeadline
	}
	return ShutdownReasonContextCanceled
}

func (s *Subscription) run() {
	defer s.hub.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case c := <-s.queue:
			s.deliver(c)
		}
	}
}

// deliver retries a failed send with exponential backoff up to
// MaxAttempts, then drops the change.
func (s *Subscription) deliver(c models.Change) {
	cfg := s.hub.cfg
	backoff := cfg.InitialBackoff
	var err error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(s.ctx, cfg.AttemptTimeout)
		err = s.transport.Send(ctx, c)
		cancel()
		if err == nil {
			metrics.RecordDelivery(attempt)
			return
		}
		if s.ctx.Err() != nil {
			return
		}
		if attempt == cfg.MaxAttempts {
			break
		}
		timer := time.NewTimer(backoff)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		backoff = min(backoff*2, cfg.MaxBackoff)
	}

	metrics.RecordDeliveryFailure(FailureExhausted)
	s.hub.drops.Warn().
		Err(err).
		Str("subscription_id", s.id).
		Str("dialogue_id", c.DialogueID).
		Int("attempts", cfg.MaxAttempts).
		Msg("change delivery exhausted")
}
