// Callstream - Real-time Call Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/callstream

package eventlog

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/tomtom215/callstream/internal/models"
)

func testKey(call string) models.DialogueKey {
	return models.DialogueKey{OrgID: "org-1", CallID: call}
}

func TestPartitionFor(t *testing.T) {
	t.Parallel()

	key := testKey("call-42")
	first := PartitionFor(key, 8)
	for i := 0; i < 10; i++ {
		if got := PartitionFor(key, 8); got != first {
			t.Fatalf("PartitionFor() not stable: %d then %d", first, got)
		}
	}
	if first < 0 || first >= 8 {
		t.Errorf("PartitionFor() = %d, want in [0,8)", first)
	}
	if got := PartitionFor(key, 1); got != 0 {
		t.Errorf("PartitionFor(n=1) = %d, want 0", got)
	}
	if got := PartitionFor(key, 0); got != 0 {
		t.Errorf("PartitionFor(n=0) = %d, want 0", got)
	}
}

func TestMemoryLog_AppendDeduplicates(t *testing.T) {
	t.Parallel()

	log := NewMemoryLog(2, "us-east")
	ctx := context.Background()
	rec := Record{ID: "evt-1", Key: testKey("c1"), Data: []byte(`{}`)}

	for i := 0; i < 3; i++ {
		if err := log.Append(ctx, "us-east", models.DestinationDialogue, rec); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}
	// Same id at a different destination is a distinct record.
	if err := log.Append(ctx, "us-east", models.DestinationMetrics, rec); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	if n := len(log.Records("us-east", models.DestinationDialogue)); n != 1 {
		t.Errorf("dialogue records = %d, want 1", n)
	}
	if n := len(log.Records("us-east", models.DestinationMetrics)); n != 1 {
		t.Errorf("metrics records = %d, want 1", n)
	}
}

func TestMemoryLog_UnknownRegion(t *testing.T) {
	t.Parallel()

	log := NewMemoryLog(1, "us-east")
	err := log.Append(context.Background(), "eu-west", models.DestinationDialogue, Record{ID: "e", Key: testKey("c")})
	if !errors.Is(err, ErrUnknownRegion) {
		t.Fatalf("Append() error = %v, want ErrUnknownRegion", err)
	}
	if _, err := log.Reader(context.Background(), "eu-west", models.DestinationDialogue, 0); !errors.Is(err, ErrUnknownRegion) {
		t.Fatalf("Reader() error = %v, want ErrUnknownRegion", err)
	}
	if _, err := log.Reader(context.Background(), "us-east", models.DestinationDialogue, 3); !errors.Is(err, ErrInvalidPartition) {
		t.Fatalf("Reader() error = %v, want ErrInvalidPartition", err)
	}
}

func TestMemoryLog_AppendFault(t *testing.T) {
	t.Parallel()

	log := NewMemoryLog(1)
	boom := errors.New("unavailable")
	log.SetAppendFault(func(string, models.Destination, Record) error { return boom })

	err := log.Append(context.Background(), "r", models.DestinationDialogue, Record{ID: "e", Key: testKey("c")})
	if !errors.Is(err, boom) {
		t.Fatalf("Append() error = %v, want fault", err)
	}
	log.SetAppendFault(nil)
	if err := log.Append(context.Background(), "r", models.DestinationDialogue, Record{ID: "e", Key: testKey("c")}); err != nil {
		t.Fatalf("Append() after clearing fault error = %v", err)
	}
}

func TestMemoryLog_FetchInOrder(t *testing.T) {
	t.Parallel()

	log := NewMemoryLog(1)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		rec := Record{ID: fmt.Sprintf("e%d", i), Key: testKey("c1"), Data: []byte(fmt.Sprintf("%d", i))}
		if err := log.Append(ctx, "r", models.DestinationDialogue, rec); err != nil {
			t.Fatal(err)
		}
	}

	reader, err := log.Reader(ctx, "r", models.DestinationDialogue, 0)
	if err != nil {
		t.Fatal(err)
	}
	got, err := reader.Fetch(ctx, 3, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Fetch() returned %d, want 3", len(got))
	}
	for i, d := range got {
		if d.ID != fmt.Sprintf("e%d", i) {
			t.Errorf("delivery %d id = %s, want e%d", i, d.ID, i)
		}
		if d.Sequence != uint64(i+1) {
			t.Errorf("delivery %d sequence = %d, want %d", i, d.Sequence, i+1)
		}
		if err := d.Ack(); err != nil {
			t.Fatal(err)
		}
	}

	rest, err := reader.Fetch(ctx, 10, 10*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if len(rest) != 2 || rest[0].ID != "e3" {
		t.Fatalf("second Fetch() = %d deliveries, want e3,e4", len(rest))
	}
}

func TestMemoryLog_NakRedelivers(t *testing.T) {
	t.Parallel()

	log := NewMemoryLog(1)
	ctx := context.Background()
	if err := log.Append(ctx, "r", models.DestinationDialogue, Record{ID: "e1", Key: testKey("c")}); err != nil {
		t.Fatal(err)
	}
	reader, _ := log.Reader(ctx, "r", models.DestinationDialogue, 0)

	first, _ := reader.Fetch(ctx, 1, 10*time.Millisecond)
	if len(first) != 1 {
		t.Fatalf("Fetch() = %d, want 1", len(first))
	}
	if err := first[0].Nak(20 * time.Millisecond); err != nil {
		t.Fatal(err)
	}

	none, _ := reader.Fetch(ctx, 1, time.Millisecond)
	if len(none) != 0 {
		t.Fatalf("Fetch() before nak delay = %d, want 0", len(none))
	}

	again, err := reader.Fetch(ctx, 1, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if len(again) != 1 || again[0].NumDelivered != 2 {
		t.Fatalf("redelivery = %+v, want NumDelivered 2", again)
	}

	// Acking the stale first delivery has no effect.
	_ = first[0].Ack()
	if st := log.Stats("r", models.DestinationDialogue); st.Acked != 0 {
		t.Errorf("Acked after stale ack = %d, want 0", st.Acked)
	}

	_ = again[0].Term()
	st := log.Stats("r", models.DestinationDialogue)
	if st.Terminated != 1 || st.Pending != 0 {
		t.Errorf("Stats() = %+v, want 1 terminated", st)
	}
}

func TestMemoryLog_AckWaitRedelivers(t *testing.T) {
	t.Parallel()

	log := NewMemoryLog(1)
	log.SetAckWait(15 * time.Millisecond)
	ctx := context.Background()
	_ = log.Append(ctx, "r", models.DestinationDialogue, Record{ID: "e1", Key: testKey("c")})
	reader, _ := log.Reader(ctx, "r", models.DestinationDialogue, 0)

	if got, _ := reader.Fetch(ctx, 1, 10*time.Millisecond); len(got) != 1 {
		t.Fatalf("Fetch() = %d, want 1", len(got))
	}
	got, err := reader.Fetch(ctx, 1, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].NumDelivered != 2 {
		t.Fatalf("Fetch() after ack wait = %+v, want redelivery", got)
	}
}

func TestMemoryLog_FetchWakesOnAppend(t *testing.T) {
	t.Parallel()

	log := NewMemoryLog(1)
	ctx := context.Background()
	reader, _ := log.Reader(ctx, "r", models.DestinationDialogue, 0)

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = log.Append(ctx, "r", models.DestinationDialogue, Record{ID: "late", Key: testKey("c")})
	}()

	got, err := reader.Fetch(ctx, 1, 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "late" {
		t.Fatalf("Fetch() = %+v, want late record", got)
	}
}

func TestMemoryLog_Close(t *testing.T) {
	t.Parallel()

	log := NewMemoryLog(1)
	ctx := context.Background()
	reader, _ := log.Reader(ctx, "r", models.DestinationDialogue, 0)

	errCh := make(chan error, 1)
	go func() {
		_, err := reader.Fetch(ctx, 1, 5*time.Second)
		errCh <- err
	}()
	time.Sleep(5 * time.Millisecond)
	_ = log.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("Fetch() error = %v, want ErrClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Fetch() not woken by Close")
	}
	if err := log.Append(ctx, "r", models.DestinationDialogue, Record{ID: "x", Key: testKey("c")}); !errors.Is(err, ErrClosed) {
		t.Errorf("Append() after Close error = %v, want ErrClosed", err)
	}
}
