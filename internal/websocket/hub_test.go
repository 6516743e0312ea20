// Callstream - Real-time Call Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/callstream

package websocket

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/tomtom215/callstream/internal/metrics"
	"github.com/tomtom215/callstream/internal/models"
)

var errSendFailed = errors.New("send failed")

// fakeTransport records delivered changes and fails the first failN sends.
type fakeTransport struct {
	mu      sync.Mutex
	got     []models.Change
	calls   int
	failN   int
	started chan struct{}
	release chan struct{}
}

func (f *fakeTransport) Send(ctx context.Context, c models.Change) error {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.failN
	started, release := f.started, f.release
	f.mu.Unlock()

	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if fail {
		return errSendFailed
	}
	f.mu.Lock()
	f.got = append(f.got, c)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) delivered() []models.Change {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Change(nil), f.got...)
}

func (f *fakeTransport) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeFeed struct {
	shards []chan models.Change
}

func newFakeFeed(n int) *fakeFeed {
	f := &fakeFeed{shards: make([]chan models.Change, n)}
	for i := range f.shards {
		f.shards[i] = make(chan models.Change, 16)
	}
	return f
}

func (f *fakeFeed) Shards() []<-chan models.Change {
	out := make([]<-chan models.Change, len(f.shards))
	for i, ch := range f.shards {
		out[i] = ch
	}
	return out
}

func change(org, call string, version uint64) models.Change {
	key := models.DialogueKey{OrgID: org, CallID: call}
	return models.Change{
		DialogueKey:   key,
		DialogueID:    key.String(),
		ChangedFields: []string{"status"},
		Status:        models.StatusActive,
		Version:       version,
		Timestamp:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func fastConfig() Config {
	return Config{
		QueueSize:      16,
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     4 * time.Millisecond,
		AttemptTimeout: time.Second,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestPublishIsScopedByOrg(t *testing.T) {
	t.Parallel()

	hub := NewHub(nil, fastConfig())
	defer hub.Close()

	a, b := &fakeTransport{}, &fakeTransport{}
	if _, err := hub.Subscribe("org-a", a); err != nil {
		t.Fatal(err)
	}
	if _, err := hub.Subscribe("org-b", b); err != nil {
		t.Fatal(err)
	}

	if n := hub.Publish(change("org-a", "c1", 1)); n != 1 {
		t.Fatalf("Publish enqueued %d, want 1", n)
	}
	if n := hub.Publish(change("org-z", "c1", 1)); n != 0 {
		t.Fatalf("Publish to an org without subscribers enqueued %d", n)
	}

	waitFor(t, "org-a delivery", func() bool { return len(a.delivered()) == 1 })
	time.Sleep(20 * time.Millisecond)
	if got := b.delivered(); len(got) != 0 {
		t.Errorf("org-b received %d changes of org-a", len(got))
	}
}

func TestPublishFansOutToEverySubscription(t *testing.T) {
	t.Parallel()

	hub := NewHub(nil, fastConfig())
	defer hub.Close()

	transports := []*fakeTransport{{}, {}, {}}
	for _, tr := range transports {
		if _, err := hub.Subscribe("org-a", tr); err != nil {
			t.Fatal(err)
		}
	}
	if got := hub.SubscriptionCount("org-a"); got != 3 {
		t.Fatalf("SubscriptionCount = %d, want 3", got)
	}

	if n := hub.Publish(change("org-a", "c1", 1)); n != 3 {
		t.Fatalf("Publish enqueued %d, want 3", n)
	}
	for i, tr := range transports {
		waitFor(t, fmt.Sprintf("subscriber %d", i), func() bool { return len(tr.delivered()) == 1 })
	}
}

func TestDeliveryKeepsPublishOrder(t *testing.T) {
	t.Parallel()

	cfg := fastConfig()
	cfg.QueueSize = 64
	hub := NewHub(nil, cfg)
	defer hub.Close()

	tr := &fakeTransport{}
	if _, err := hub.Subscribe("org-a", tr); err != nil {
		t.Fatal(err)
	}
	for v := uint64(1); v <= 50; v++ {
		hub.Publish(change("org-a", "c1", v))
	}

	waitFor(t, "50 deliveries", func() bool { return len(tr.delivered()) == 50 })
	for i, c := range tr.delivered() {
		if c.Version != uint64(i+1) {
			t.Fatalf("delivery %d has version %d", i, c.Version)
		}
	}
}

func TestDeliveryRetriesTransientFailures(t *testing.T) {
	before := testutil.ToFloat64(metrics.PublisherDeliveries.WithLabelValues("retried"))

	hub := NewHub(nil, fastConfig())
	defer hub.Close()

	tr := &fakeTransport{failN: 2}
	if _, err := hub.Subscribe("org-a", tr); err != nil {
		t.Fatal(err)
	}
	hub.Publish(change("org-a", "c1", 1))

	waitFor(t, "delivery after retries", func() bool { return len(tr.delivered()) == 1 })
	if got := tr.callCount(); got != 3 {
		t.Errorf("Send called %d times, want 3", got)
	}
	if got := testutil.ToFloat64(metrics.PublisherDeliveries.WithLabelValues("retried")) - before; got != 2 {
		t.Errorf("retried deliveries = %v, want 2", got)
	}
}

func TestDeliveryExhaustedDropsChange(t *testing.T) {
	before := testutil.ToFloat64(metrics.PublisherDeliveryFailures.WithLabelValues(FailureExhausted))

	cfg := fastConfig()
	cfg.MaxAttempts = 2
	hub := NewHub(nil, cfg)
	defer hub.Close()

	tr := &fakeTransport{failN: 2}
	if _, err := hub.Subscribe("org-a", tr); err != nil {
		t.Fatal(err)
	}
	hub.Publish(change("org-a", "c1", 1))
	hub.Publish(change("org-a", "c1", 2))

	// The first change uses up both attempts, the second succeeds.
	waitFor(t, "second change", func() bool { return len(tr.delivered()) == 1 })
	if got := tr.delivered()[0].Version; got != 2 {
		t.Errorf("delivered version %d, want 2", got)
	}
	if got := testutil.ToFloat64(metrics.PublisherDeliveryFailures.WithLabelValues(FailureExhausted)) - before; got != 1 {
		t.Errorf("exhausted failures = %v, want 1", got)
	}
}

func TestFullQueueDropsWithoutBlocking(t *testing.T) {
	before := testutil.ToFloat64(metrics.PublisherDeliveryFailures.WithLabelValues(FailureQueueFull))

	cfg := fastConfig()
	cfg.QueueSize = 1
	hub := NewHub(nil, cfg)
	defer hub.Close()

	tr := &fakeTransport{started: make(chan struct{}, 1), release: make(chan struct{})}
	if _, err := hub.Subscribe("org-a", tr); err != nil {
		t.Fatal(err)
	}

	hub.Publish(change("org-a", "c1", 1))
	<-tr.started // v1 is in flight
	if n := hub.Publish(change("org-a", "c1", 2)); n != 1 {
		t.Fatalf("second Publish enqueued %d, want 1", n)
	}
	if n := hub.Publish(change("org-a", "c1", 3)); n != 0 {
		t.Fatalf("third Publish enqueued %d, want 0", n)
	}
	close(tr.release)

	waitFor(t, "two deliveries", func() bool { return len(tr.delivered()) == 2 })
	got := tr.delivered()
	if got[0].Version != 1 || got[1].Version != 2 {
		t.Errorf("delivered versions %d,%d, want 1,2", got[0].Version, got[1].Version)
	}
	if got := testutil.ToFloat64(metrics.PublisherDeliveryFailures.WithLabelValues(FailureQueueFull)) - before; got != 1 {
		t.Errorf("queue_full failures = %v, want 1", got)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()

	hub := NewHub(nil, fastConfig())
	defer hub.Close()

	tr := &fakeTransport{}
	sub, err := hub.Subscribe("org-a", tr)
	if err != nil {
		t.Fatal(err)
	}
	hub.Unsubscribe(sub)
	hub.Unsubscribe(sub)

	select {
	case <-sub.Done():
	default:
		t.Fatal("subscription not done after Unsubscribe")
	}
	if n := hub.Publish(change("org-a", "c1", 1)); n != 0 {
		t.Errorf("Publish enqueued %d after Unsubscribe", n)
	}
	if got := hub.SubscriptionCount(""); got != 0 {
		t.Errorf("SubscriptionCount = %d, want 0", got)
	}
}

func TestSubscribeAfterClose(t *testing.T) {
	t.Parallel()

	hub := NewHub(nil, fastConfig())
	hub.Close()
	if _, err := hub.Subscribe("org-a", &fakeTransport{}); !errors.Is(err, ErrHubClosed) {
		t.Fatalf("Subscribe after Close = %v, want ErrHubClosed", err)
	}
}

func TestServeConsumesEveryShard(t *testing.T) {
	t.Parallel()

	feed := newFakeFeed(3)
	hub := NewHub(feed, fastConfig())

	tr := &fakeTransport{}
	sub, err := hub.Subscribe("org-a", tr)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- hub.Serve(ctx) }()

	for i, ch := range feed.shards {
		ch <- change("org-a", fmt.Sprintf("c%d", i), 1)
	}
	waitFor(t, "one change per shard", func() bool { return len(tr.delivered()) == 3 })

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Serve returned %v, want context.Canceled", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}

	select {
	case <-sub.Done():
	default:
		t.Error("subscription still open after Serve returned")
	}
	if _, err := hub.Subscribe("org-a", &fakeTransport{}); err != nil {
		t.Errorf("Subscribe after Serve returned: %v", err)
	}
	hub.Close()
}

func TestGetShutdownReason(t *testing.T) {
	t.Parallel()

	canceled, cancel := context.WithCancel(context.Background())
	cancel()
	expired, cancel2 := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel2()

	tests := []struct {
		name string
		ctx  context.Context
		want ShutdownReason
	}{
		{"canceled", canceled, ShutdownReasonContextCanceled},
		{"deadline", expired, ShutdownReasonContextDeadline},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := getShutdownReason(tt.ctx); got != tt.want {
				t.Errorf("getShutdownReason() = %q, want %q", got, tt.want)
			}
		})
	}
}
