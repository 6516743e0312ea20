// Callstream - Real-time Call Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/callstream

package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/tomtom215/callstream/internal/models"
)

func openTestStore(t *testing.T) *DialogueStore {
	t.Helper()
	db, err := OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewDialogueStore(db)
}

// appendEvent is a minimal upsert callback that records id.
func appendEvent(key models.DialogueKey, id string) func(*models.Dialogue) (*Mutation, error) {
	return func(cur *models.Dialogue) (*Mutation, error) {
		var d *models.Dialogue
		if cur == nil {
			d = models.NewDialogue(key, time.Unix(0, 0).UTC())
		} else {
			d = cur.Clone()
		}
		if d.HasApplied(id) {
			return nil, nil
		}
		d.AppliedEventIDs = append(d.AppliedEventIDs, id)
		d.Version++
		return &Mutation{Dialogue: d, Event: &models.Event{EventID: id, DialogueKey: key}}, nil
	}
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()

	if _, err := Open(Config{}); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestGetNotFound(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	_, err := s.Get(context.Background(), models.DialogueKey{OrgID: "o", CallID: "missing"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestUpsertPersistsDialogueAndHistory(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openTestStore(t)
	key := models.DialogueKey{OrgID: "acme", CallID: "c1"}

	for _, id := range []string{"e1", "e2", "e1", "e3"} {
		if _, _, err := s.Upsert(ctx, key, appendEvent(key, id)); err != nil {
			t.Fatalf("Upsert %s: %v", id, err)
		}
	}

	d, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if fmt.Sprint(d.AppliedEventIDs) != "[e1 e2 e3]" {
		t.Errorf("AppliedEventIDs = %v", d.AppliedEventIDs)
	}

	events, err := s.Events(ctx, key)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != 3 || events[0].EventID != "e1" || events[2].EventID != "e3" {
		t.Errorf("history = %+v", events)
	}
}

func TestUpsertNoWrite(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	key := models.DialogueKey{OrgID: "acme", CallID: "c1"}
	d, written, err := s.Upsert(context.Background(), key, func(*models.Dialogue) (*Mutation, error) {
		return nil, nil
	})
	if err != nil || written || d != nil {
		t.Errorf("got (%v, %v, %v), want (nil, false, nil)", d, written, err)
	}
}

func TestUpsertCallbackError(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	key := models.DialogueKey{OrgID: "acme", CallID: "c1"}
	boom := errors.New("boom")
	_, _, err := s.Upsert(context.Background(), key, func(*models.Dialogue) (*Mutation, error) {
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("expected callback error, got %v", err)
	}
}

// Concurrent upserts of one key without external locking must not lose
// updates: badger conflict detection retries the losers.
func TestUpsertConcurrentNoLostUpdates(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openTestStore(t)
	key := models.DialogueKey{OrgID: "acme", CallID: "hot"}

	const writers = 4
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			_, _, err := s.Upsert(ctx, key, appendEvent(key, fmt.Sprintf("w%d", w)))
			errs <- err
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil && !errors.Is(err, ErrTooManyConflicts) {
			t.Fatalf("Upsert: %v", err)
		}
	}

	d, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	events, _ := s.Events(ctx, key)
	if len(events) != len(d.AppliedEventIDs) {
		t.Errorf("history has %d events, dialogue lists %d", len(events), len(d.AppliedEventIDs))
	}
}

func TestListPaginationAndFilter(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openTestStore(t)

	for i := 0; i < 5; i++ {
		key := models.DialogueKey{OrgID: "acme", CallID: fmt.Sprintf("call-%d", i)}
		if _, _, err := s.Upsert(ctx, key, appendEvent(key, "e")); err != nil {
			t.Fatal(err)
		}
	}
	other := models.DialogueKey{OrgID: "acme2", CallID: "call-x"}
	if _, _, err := s.Upsert(ctx, other, appendEvent(other, "e")); err != nil {
		t.Fatal(err)
	}

	var seen []string
	page := models.Page{Limit: 2}
	for {
		res, err := s.List(ctx, "acme", models.DialogueFilter{}, page)
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		for _, d := range res.Dialogues {
			seen = append(seen, d.Key.CallID)
		}
		if res.NextCursor == "" {
			break
		}
		page.Cursor = res.NextCursor
	}
	if fmt.Sprint(seen) != "[call-0 call-1 call-2 call-3 call-4]" {
		t.Errorf("seen = %v", seen)
	}

	res, err := s.List(ctx, "acme", models.DialogueFilter{Status: models.StatusCompleted}, models.Page{})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Dialogues) != 0 {
		t.Errorf("status filter returned %d dialogues", len(res.Dialogues))
	}

	if _, err := s.List(ctx, "acme", models.DialogueFilter{}, models.Page{Cursor: "!!"}); !errors.Is(err, ErrInvalidCursor) {
		t.Errorf("expected ErrInvalidCursor, got %v", err)
	}
}

func TestClosedStore(t *testing.T) {
	t.Parallel()

	db, err := OpenInMemory()
	if err != nil {
		t.Fatal(err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	s := NewDialogueStore(db)
	if _, err := s.Get(context.Background(), models.DialogueKey{OrgID: "o", CallID: "c"}); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}
