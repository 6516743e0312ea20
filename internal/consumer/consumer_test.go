// Callstream - Real-time Call Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/callstream

package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/tomtom215/callstream/internal/eventlog"
	"github.com/tomtom215/callstream/internal/models"
)

const region = "us-east"

// recordingHandler fails any batch containing a record whose data is in
// bad, and records every id it committed.
type recordingHandler struct {
	mu      sync.Mutex
	bad     map[string]bool
	calls   int
	applied []string
	sizes   []int
}

func newRecordingHandler(bad ...string) *recordingHandler {
	h := &recordingHandler{bad: make(map[string]bool)}
	for _, b := range bad {
		h.bad[b] = true
	}
	return h
}

func (h *recordingHandler) HandleBatch(_ context.Context, batch []*eventlog.Delivery) (BatchResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	h.sizes = append(h.sizes, len(batch))
	for _, d := range batch {
		if h.bad[d.ID] {
			return BatchResult{}, fmt.Errorf("malformed record %s", d.ID)
		}
	}
	for _, d := range batch {
		h.applied = append(h.applied, d.ID)
	}
	return BatchResult{}, nil
}

func (h *recordingHandler) heal(id string) {
	h.mu.Lock()
	delete(h.bad, id)
	h.mu.Unlock()
}

func (h *recordingHandler) Applied() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.applied...)
}

type memorySink struct {
	mu      sync.Mutex
	letters []*models.DeadLetter
	err     error
}

func (s *memorySink) Put(_ context.Context, dl *models.DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.letters = append(s.letters, dl)
	return nil
}

func (s *memorySink) Letters() []*models.DeadLetter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*models.DeadLetter(nil), s.letters...)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Parallelism = 1
	cfg.BatchSize = 10
	cfg.NakDelay = 0
	cfg.FetchWait = 10 * time.Millisecond
	cfg.BatchTimeout = time.Second
	return cfg
}

func appendRecords(t *testing.T, log *eventlog.MemoryLog, recs ...eventlog.Record) {
	t.Helper()
	for _, r := range recs {
		if err := log.Append(context.Background(), region, models.DestinationDialogue, r); err != nil {
			t.Fatal(err)
		}
	}
}

func rec(id, call string) eventlog.Record {
	return eventlog.Record{ID: id, Key: models.DialogueKey{OrgID: "acme", CallID: call}, Data: []byte(id)}
}

func fetch(t *testing.T, log *eventlog.MemoryLog, max int) []*eventlog.Delivery {
	t.Helper()
	reader, err := log.Reader(context.Background(), region, models.DestinationDialogue, 0)
	if err != nil {
		t.Fatal(err)
	}
	ds, err := reader.Fetch(context.Background(), max, 50*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	return ds
}

func newConsumer(t *testing.T, log eventlog.Log, h BatchHandler, sink DeadLetterSink, cfg Config) *Consumer {
	t.Helper()
	c, err := New("test", log, region, models.DestinationDialogue, h, sink, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c
}

func TestBisectionIsolatesPoisonRecord(t *testing.T) {
	t.Parallel()

	log := eventlog.NewMemoryLog(1)
	for i := 1; i <= 10; i++ {
		appendRecords(t, log, rec(fmt.Sprintf("r%d", i), fmt.Sprintf("call-%d", i)))
	}
	h := newRecordingHandler("r5")
	c := newConsumer(t, log, h, &memorySink{}, testConfig())

	c.process(context.Background(), newPartitionState(), fetch(t, log, 10))

	want := []string{"r1", "r2", "r3", "r4", "r6", "r7", "r8", "r9", "r10"}
	got := h.Applied()
	if len(got) != len(want) {
		t.Fatalf("applied = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("applied = %v, want %v (arrival order)", got, want)
		}
	}

	st := log.Stats(region, models.DestinationDialogue)
	if st.Acked != 9 || st.Pending != 1 {
		t.Fatalf("Stats() = %+v, want 9 acked and r5 pending", st)
	}

	// r5 comes back alone on the next pull.
	again := fetch(t, log, 10)
	if len(again) != 1 || again[0].ID != "r5" || again[0].NumDelivered != 2 {
		t.Fatalf("redelivery = %+v, want r5 only", again)
	}
}

func TestHandlerItemFailuresSkipBisection(t *testing.T) {
	t.Parallel()

	log := eventlog.NewMemoryLog(1)
	for i := 0; i < 4; i++ {
		appendRecords(t, log, rec(fmt.Sprintf("r%d", i), fmt.Sprintf("call-%d", i)))
	}
	var calls int
	h := HandlerFunc(func(_ context.Context, batch []*eventlog.Delivery) (BatchResult, error) {
		calls++
		return BatchResult{ItemFailures: []ItemFailure{{Index: 2, Err: errors.New("bad value")}, {Index: 99}}}, nil
	})
	c := newConsumer(t, log, h, &memorySink{}, testConfig())

	c.process(context.Background(), newPartitionState(), fetch(t, log, 10))

	if calls != 1 {
		t.Errorf("handler calls = %d, want 1", calls)
	}
	st := log.Stats(region, models.DestinationDialogue)
	if st.Acked != 3 || st.Pending != 1 {
		t.Errorf("Stats() = %+v, want 3 acked, 1 pending", st)
	}
}

func TestPoisonRecordDeadLetteredAfterMaxDeliver(t *testing.T) {
	t.Parallel()

	log := eventlog.NewMemoryLog(1)
	appendRecords(t, log, rec("ok", "call-1"), rec("bad", "call-2"))
	h := newRecordingHandler("bad")
	sink := &memorySink{}
	cfg := testConfig()
	cfg.MaxDeliver = 2
	c := newConsumer(t, log, h, sink, cfg)
	st := newPartitionState()

	c.process(context.Background(), st, fetch(t, log, 10))
	if n := len(sink.Letters()); n != 0 {
		t.Fatalf("dead letters after first delivery = %d, want 0", n)
	}
	c.process(context.Background(), st, fetch(t, log, 10))

	letters := sink.Letters()
	if len(letters) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(letters))
	}
	dl := letters[0]
	if dl.Envelope.ID != "bad" || dl.AttemptCount != 2 || dl.Reason != ReasonPoison {
		t.Errorf("dead letter = %+v", dl)
	}
	if string(dl.Envelope.Payload) != "bad" || dl.Envelope.Region != region {
		t.Errorf("envelope = %+v", dl.Envelope)
	}
	stats := log.Stats(region, models.DestinationDialogue)
	if stats.Acked != 1 || stats.Terminated != 1 || stats.Pending != 0 {
		t.Errorf("Stats() = %+v", stats)
	}
}

func TestPermanentErrorDeadLettersImmediately(t *testing.T) {
	t.Parallel()

	log := eventlog.NewMemoryLog(1)
	appendRecords(t, log, rec("bad", "call-1"))
	h := HandlerFunc(func(context.Context, []*eventlog.Delivery) (BatchResult, error) {
		return BatchResult{}, Permanent(errors.New("undecodable"))
	})
	sink := &memorySink{}
	c := newConsumer(t, log, h, sink, testConfig())

	c.process(context.Background(), newPartitionState(), fetch(t, log, 10))

	letters := sink.Letters()
	if len(letters) != 1 || letters[0].Reason != ReasonPermanent {
		t.Fatalf("dead letters = %+v, want one permanent failure", letters)
	}
	if st := log.Stats(region, models.DestinationDialogue); st.Terminated != 1 {
		t.Errorf("Stats() = %+v, want terminated", st)
	}
}

func TestDeadLetterWriteFailureRedelivers(t *testing.T) {
	t.Parallel()

	log := eventlog.NewMemoryLog(1)
	appendRecords(t, log, rec("bad", "call-1"))
	h := HandlerFunc(func(context.Context, []*eventlog.Delivery) (BatchResult, error) {
		return BatchResult{}, Permanent(errors.New("undecodable"))
	})
	c := newConsumer(t, log, h, &memorySink{err: errors.New("disk full")}, testConfig())

	c.process(context.Background(), newPartitionState(), fetch(t, log, 10))

	if st := log.Stats(region, models.DestinationDialogue); st.Terminated != 0 || st.Pending != 1 {
		t.Errorf("Stats() = %+v, want record kept for redelivery", st)
	}
}

func TestSameKeyOrderSurvivesRedelivery(t *testing.T) {
	t.Parallel()

	log := eventlog.NewMemoryLog(1)
	appendRecords(t, log,
		rec("e1", "call-1"),
		rec("e2", "call-1"),
		rec("x1", "call-2"),
		rec("e3", "call-1"),
	)
	h := newRecordingHandler("e2")
	c := newConsumer(t, log, h, &memorySink{}, testConfig())
	st := newPartitionState()

	c.process(context.Background(), st, fetch(t, log, 10))
	got := h.Applied()
	if len(got) != 2 || got[0] != "e1" || got[1] != "x1" {
		t.Fatalf("first pass applied %v, want [e1 x1]; e3 must wait for e2", got)
	}

	h.heal("e2")
	c.process(context.Background(), st, fetch(t, log, 10))

	got = h.Applied()
	want := []string{"e1", "x1", "e2", "e3"}
	if len(got) != len(want) {
		t.Fatalf("applied = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("applied = %v, want %v", got, want)
		}
	}
	if s := log.Stats(region, models.DestinationDialogue); s.Acked != 4 {
		t.Errorf("Stats() = %+v, want all acked", s)
	}
}

func TestBatchTimeoutTriggersBisection(t *testing.T) {
	t.Parallel()

	log := eventlog.NewMemoryLog(1)
	appendRecords(t, log, rec("a", "call-1"), rec("slow", "call-2"), rec("b", "call-3"))

	var mu sync.Mutex
	var applied []string
	h := HandlerFunc(func(ctx context.Context, batch []*eventlog.Delivery) (BatchResult, error) {
		for _, d := range batch {
			if d.ID == "slow" {
				<-ctx.Done()
				return BatchResult{}, ctx.Err()
			}
		}
		mu.Lock()
		for _, d := range batch {
			applied = append(applied, d.ID)
		}
		mu.Unlock()
		return BatchResult{}, nil
	})
	cfg := testConfig()
	cfg.BatchTimeout = 20 * time.Millisecond
	c := newConsumer(t, log, h, &memorySink{}, cfg)

	c.process(context.Background(), newPartitionState(), fetch(t, log, 10))

	mu.Lock()
	defer mu.Unlock()
	if len(applied) != 2 || applied[0] != "a" || applied[1] != "b" {
		t.Fatalf("applied = %v, want [a b]", applied)
	}
	if st := log.Stats(region, models.DestinationDialogue); st.Acked != 2 || st.Pending != 1 {
		t.Errorf("Stats() = %+v", st)
	}
}

func TestLaneFor(t *testing.T) {
	t.Parallel()

	k := models.DialogueKey{OrgID: "acme", CallID: "call-7"}
	first := laneFor(k, 3)
	if first < 0 || first >= 3 {
		t.Fatalf("laneFor() = %d, want in [0,3)", first)
	}
	for i := 0; i < 5; i++ {
		if laneFor(k, 3) != first {
			t.Fatal("laneFor() not stable")
		}
	}
	if laneFor(k, 1) != 0 {
		t.Error("laneFor(1 lane) != 0")
	}
}

func TestServePreservesPerKeyOrder(t *testing.T) {
	t.Parallel()

	log := eventlog.NewMemoryLog(2)
	const keys, perKey = 6, 8
	for i := 0; i < perKey; i++ {
		for k := 0; k < keys; k++ {
			appendRecords(t, log, rec(fmt.Sprintf("k%d-%d", k, i), fmt.Sprintf("call-%d", k)))
		}
	}

	var mu sync.Mutex
	seen := make(map[string][]string)
	failedOnce := make(map[string]bool)
	h := HandlerFunc(func(_ context.Context, batch []*eventlog.Delivery) (BatchResult, error) {
		mu.Lock()
		defer mu.Unlock()
		for _, d := range batch {
			// The fourth record of every call fails its first delivery.
			if d.ID[len(d.ID)-1] == '3' && !failedOnce[d.ID] {
				failedOnce[d.ID] = true
				return BatchResult{}, errors.New("transient")
			}
		}
		for _, d := range batch {
			seen[d.Key.CallID] = append(seen[d.Key.CallID], d.ID)
		}
		return BatchResult{}, nil
	})

	cfg := DefaultConfig()
	cfg.BatchSize = 3
	cfg.Parallelism = 3
	cfg.NakDelay = 5 * time.Millisecond
	cfg.FetchWait = 10 * time.Millisecond
	c := newConsumer(t, log, h, &memorySink{}, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Serve(ctx) }()

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if st := log.Stats(region, models.DestinationDialogue); st.Acked == keys*perKey {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	if st := log.Stats(region, models.DestinationDialogue); st.Acked != keys*perKey {
		t.Fatalf("Stats() = %+v, want %d acked", st, keys*perKey)
	}
	mu.Lock()
	defer mu.Unlock()
	for k := 0; k < keys; k++ {
		ids := seen[fmt.Sprintf("call-%d", k)]
		if len(ids) != perKey {
			t.Fatalf("call-%d applied %v, want %d records", k, ids, perKey)
		}
		for i, id := range ids {
			if want := fmt.Sprintf("k%d-%d", k, i); id != want {
				t.Fatalf("call-%d order = %v", k, ids)
			}
		}
	}
}

func TestHeldBackDeliveriesDoNotCountTowardMaxDeliver(t *testing.T) {
	t.Parallel()

	log := eventlog.NewMemoryLog(1)
	appendRecords(t, log, rec("p1", "call-1"), rec("q1", "call-1"))
	h := newRecordingHandler("p1", "q1")
	sink := &memorySink{}
	cfg := testConfig()
	cfg.MaxDeliver = 2
	c := newConsumer(t, log, h, sink, cfg)
	st := newPartitionState()

	// p1 fails twice and is dead-lettered; q1 waits behind it both times.
	c.process(context.Background(), st, fetch(t, log, 10))
	c.process(context.Background(), st, fetch(t, log, 10))
	if letters := sink.Letters(); len(letters) != 1 || letters[0].Envelope.ID != "p1" {
		t.Fatalf("dead letters = %+v, want only p1", letters)
	}

	// q1 was delivered twice already but this is its first failure.
	c.process(context.Background(), st, fetch(t, log, 10))
	if n := len(sink.Letters()); n != 1 {
		t.Fatalf("dead letters = %d after q1's first failure, want 1", n)
	}

	h.heal("q1")
	c.process(context.Background(), st, fetch(t, log, 10))
	if got := h.Applied(); len(got) != 1 || got[0] != "q1" {
		t.Fatalf("applied = %v, want [q1]", got)
	}
	s := log.Stats(region, models.DestinationDialogue)
	if s.Acked != 1 || s.Terminated != 1 || s.Pending != 0 {
		t.Errorf("Stats() = %+v, want q1 acked and p1 terminated", s)
	}
	if len(st.failures) != 0 {
		t.Errorf("failure counts left behind: %v", st.failures)
	}
}
