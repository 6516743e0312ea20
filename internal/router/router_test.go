// Callstream - Real-time Call Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/callstream

package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/callstream/internal/eventlog"
	"github.com/tomtom215/callstream/internal/models"
)

type submission struct {
	region string
	dest   models.Destination
	event  models.Event
	cause  error
}

type fakeSink struct {
	mu   sync.Mutex
	subs []submission
	err  error
}

func (f *fakeSink) Submit(_ context.Context, region string, dest models.Destination, e models.Event, cause error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.subs = append(f.subs, submission{region: region, dest: dest, event: e, cause: cause})
	return nil
}

// Holds reports true while a submission for the dialogue exists, as the
// retry coordinator does until it redelivers.
func (f *fakeSink) Holds(region string, dest models.Destination, key models.DialogueKey) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.subs {
		if s.region == region && s.dest == dest && s.event.DialogueKey == key {
			return true
		}
	}
	return false
}

func event(id string, t models.EventType) models.Event {
	return models.Event{
		EventID:     id,
		EventType:   t,
		DialogueKey: models.DialogueKey{OrgID: "acme", CallID: "call-1"},
		Timestamp:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Source:      "sbc-1",
		Payload:     json.RawMessage(`{}`),
	}
}

func TestRegionMap(t *testing.T) {
	t.Parallel()

	orgs := map[string]string{"acme": "us-east", "globex": "eu-west"}
	m := NewRegionMap("v3", "", orgs)
	orgs["acme"] = "ap-south"

	if got, err := m.Resolve("acme"); err != nil || got != "us-east" {
		t.Errorf("Resolve(acme) = %q, %v; want us-east", got, err)
	}
	if _, err := m.Resolve("initech"); !errors.Is(err, ErrNoRegion) {
		t.Errorf("Resolve(initech) error = %v, want ErrNoRegion", err)
	}
	if m.Version() != "v3" {
		t.Errorf("Version() = %q", m.Version())
	}

	withDefault := NewRegionMap("v4", "us-west", orgs)
	if got, _ := withDefault.Resolve("initech"); got != "us-west" {
		t.Errorf("Resolve with default = %q, want us-west", got)
	}
	regions := withDefault.Regions()
	want := []string{"ap-south", "eu-west", "us-west"}
	if len(regions) != len(want) {
		t.Fatalf("Regions() = %v, want %v", regions, want)
	}
	for i := range want {
		if regions[i] != want[i] {
			t.Errorf("Regions()[%d] = %s, want %s", i, regions[i], want[i])
		}
	}
}

func TestRoute(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		event         models.Event
		failDest      models.Destination
		wantOutcome   Outcome
		wantDelivered int
		wantDeferred  int
	}{
		{
			name:          "plain event goes to dialogue stream",
			event:         event("e1", models.EventCallStarted),
			wantOutcome:   OutcomeDelivered,
			wantDelivered: 1,
		},
		{
			name:          "metric tagged event gets a second append",
			event:         event("e2", models.EventCallEnded),
			wantOutcome:   OutcomeDelivered,
			wantDelivered: 2,
		},
		{
			name:          "failed append is deferred",
			event:         event("e3", models.EventCallStarted),
			failDest:      models.DestinationDialogue,
			wantOutcome:   OutcomeDeferred,
			wantDeferred:  1,
			wantDelivered: 0,
		},
		{
			name:          "only failed destination is deferred",
			event:         event("e4", models.EventMetricSample),
			failDest:      models.DestinationMetrics,
			wantOutcome:   OutcomeDeferred,
			wantDelivered: 1,
			wantDeferred:  1,
		},
		{
			name: "invalid event is rejected",
			event: func() models.Event {
				e := event("e5", models.EventCallStarted)
				e.Source = ""
				return e
			}(),
			wantOutcome: OutcomeRejected,
		},
		{
			name: "unknown org is rejected",
			event: func() models.Event {
				e := event("e6", models.EventCallStarted)
				e.DialogueKey.OrgID = "initech"
				return e
			}(),
			wantOutcome: OutcomeRejected,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			log := eventlog.NewMemoryLog(4, "us-east")
			if tt.failDest != "" {
				log.SetAppendFault(func(_ string, dest models.Destination, _ eventlog.Record) error {
					if dest == tt.failDest {
						return errors.New("log unavailable")
					}
					return nil
				})
			}
			sink := &fakeSink{}
			r := New(NewRegionMap("v1", "", map[string]string{"acme": "us-east"}), NewWriter(log, DefaultConfig()), sink)

			res, err := r.Route(context.Background(), tt.event)
			if err != nil {
				t.Fatalf("Route() error = %v", err)
			}
			if res.Outcome != tt.wantOutcome {
				t.Fatalf("Outcome = %s, want %s (err %v)", res.Outcome, tt.wantOutcome, res.Err)
			}
			if len(res.Delivered) != tt.wantDelivered {
				t.Errorf("Delivered = %v, want %d", res.Delivered, tt.wantDelivered)
			}
			if len(res.Deferred) != tt.wantDeferred || len(sink.subs) != tt.wantDeferred {
				t.Errorf("Deferred = %v, submissions = %d, want %d", res.Deferred, len(sink.subs), tt.wantDeferred)
			}
			if tt.wantOutcome == OutcomeRejected && res.Err == nil {
				t.Error("rejection without error")
			}
			for _, s := range sink.subs {
				if s.dest != tt.failDest || s.region != "us-east" || s.cause == nil {
					t.Errorf("submission = %+v", s)
				}
			}
		})
	}
}

func TestRouteWritesOnceAndNormalizes(t *testing.T) {
	t.Parallel()

	log := eventlog.NewMemoryLog(4, "us-east")
	r := New(NewRegionMap("v1", "us-east", nil), NewWriter(log, DefaultConfig()), &fakeSink{})

	e := event("e1", "Call-Started")
	e.Source = "  sbc-1 "
	for i := 0; i < 2; i++ {
		if _, err := r.Route(context.Background(), e); err != nil {
			t.Fatal(err)
		}
	}

	recs := log.Records("us-east", models.DestinationDialogue)
	if len(recs) != 1 {
		t.Fatalf("records = %d, want 1", len(recs))
	}
	var stored models.Event
	if err := json.Unmarshal(recs[0].Data, &stored); err != nil {
		t.Fatal(err)
	}
	if stored.EventType != models.EventCallStarted || stored.Source != "sbc-1" {
		t.Errorf("stored event not normalized: %+v", stored)
	}
	if recs[0].Key != e.DialogueKey {
		t.Errorf("record key = %v, want %v", recs[0].Key, e.DialogueKey)
	}
}

func TestRouteHandoffFailure(t *testing.T) {
	t.Parallel()

	log := eventlog.NewMemoryLog(1, "us-east")
	log.SetAppendFault(func(string, models.Destination, eventlog.Record) error { return errors.New("down") })
	r := New(NewRegionMap("v1", "us-east", nil), NewWriter(log, DefaultConfig()), &fakeSink{err: errors.New("retry store full")})

	if _, err := r.Route(context.Background(), event("e1", models.EventHeld)); err == nil {
		t.Fatal("Route() error = nil, want handoff failure")
	}
}

func TestRouteQueuesBehindPendingRetry(t *testing.T) {
	t.Parallel()

	log := eventlog.NewMemoryLog(4, "us-east")
	log.SetAppendFault(func(_ string, _ models.Destination, rec eventlog.Record) error {
		if rec.ID == "e1" {
			return errors.New("log unavailable")
		}
		return nil
	})
	sink := &fakeSink{}
	r := New(NewRegionMap("v1", "us-east", nil), NewWriter(log, DefaultConfig()), sink)
	ctx := context.Background()

	if res, err := r.Route(ctx, event("e1", models.EventCallStarted)); err != nil || res.Outcome != OutcomeDeferred {
		t.Fatalf("Route(e1) = %s, %v; want deferred", res.Outcome, err)
	}

	res, err := r.Route(ctx, event("e2", models.EventCallEnded))
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeDeferred || !errors.Is(res.Err, ErrBehindRetry) {
		t.Fatalf("Route(e2) = %s, %v; want deferred behind retry", res.Outcome, res.Err)
	}
	if len(res.Deferred) != 1 || res.Deferred[0] != models.DestinationDialogue {
		t.Errorf("Deferred = %v, want [dialogue]", res.Deferred)
	}
	if len(res.Delivered) != 1 || res.Delivered[0] != models.DestinationMetrics {
		t.Errorf("Delivered = %v, want [metrics]", res.Delivered)
	}
	if recs := log.Records("us-east", models.DestinationDialogue); len(recs) != 0 {
		t.Fatalf("dialogue log has %d records ahead of the pending retry", len(recs))
	}

	other := event("e3", models.EventHeld)
	other.DialogueKey.CallID = "call-2"
	if res, err := r.Route(ctx, other); err != nil || res.Outcome != OutcomeDelivered {
		t.Errorf("Route(other dialogue) = %s, %v; want delivered", res.Outcome, err)
	}

	var order []string
	for _, sub := range sink.subs {
		order = append(order, sub.event.EventID)
	}
	if len(order) != 2 || order[0] != "e1" || order[1] != "e2" {
		t.Errorf("retry submissions = %v, want [e1 e2]", order)
	}
}
