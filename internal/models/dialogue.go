// Callstream - Real-time Call Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/callstream

package models

import (
	"slices"
	"time"
)

// Status is the lifecycle state of a dialogue.
type Status string

const (
	StatusActive      Status = "ACTIVE"
	StatusCompleted   Status = "COMPLETED"
	StatusFailed      Status = "FAILED"
	StatusTransferred Status = "TRANSFERRED"
)

// Terminal reports whether no further status transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusTransferred
}

// Valid reports whether s is a declared status.
func (s Status) Valid() bool {
	return s == StatusActive || s.Terminal()
}

// Direction of a call relative to the organization.
type Direction string

const (
	DirectionInbound  Direction = "INBOUND"
	DirectionOutbound Direction = "OUTBOUND"
)

// Valid reports whether d is a declared direction.
func (d Direction) Valid() bool {
	return d == DirectionInbound || d == DirectionOutbound
}

// Participants holds the caller and called numbers.
type Participants struct {
	Caller string `json:"caller,omitempty"`
	Called string `json:"called,omitempty"`
}

// Dialogue is the aggregate for one call. Only the aggregator mutates it.
type Dialogue struct {
	Key          DialogueKey  `json:"dialogueKey"`
	Participants Participants `json:"participants"`
	StartTime    time.Time    `json:"startTime"`
	AnsweredAt   *time.Time   `json:"answeredAt,omitempty"`
	EndTime      *time.Time   `json:"endTime,omitempty"`
	DurationMs   *int64       `json:"durationMs,omitempty"`
	Status       Status       `json:"status"`
	Direction    Direction    `json:"direction"`

	OnHold         bool   `json:"onHold"`
	HoldCount      int    `json:"holdCount"`
	Recording      bool   `json:"recording"`
	DTMFDigits     string `json:"dtmfDigits,omitempty"`
	Queue          string `json:"queue,omitempty"`
	Agent          string `json:"agent,omitempty"`
	TransferTarget string `json:"transferTarget,omitempty"`
	FailureReason  string `json:"failureReason,omitempty"`

	// AppliedEventIDs lists applied events in apply order.
	AppliedEventIDs []string  `json:"appliedEventIds"`
	UpdatedAt       time.Time `json:"updatedAt"`
	// Version increments on every persisted change.
	Version uint64 `json:"version"`
}

// NewDialogue returns an ACTIVE dialogue for key starting at start.
func NewDialogue(key DialogueKey, start time.Time) *Dialogue {
	return &Dialogue{
		Key:             key,
		StartTime:       start,
		Status:          StatusActive,
		Direction:       DirectionInbound,
		AppliedEventIDs: []string{},
	}
}

// HasApplied reports whether eventID is already part of the dialogue.
func (d *Dialogue) HasApplied(eventID string) bool {
	return slices.Contains(d.AppliedEventIDs, eventID)
}

// Clone returns a deep copy.
func (d *Dialogue) Clone() *Dialogue {
	c := *d
	c.AppliedEventIDs = slices.Clone(d.AppliedEventIDs)
	if d.AnsweredAt != nil {
		t := *d.AnsweredAt
		c.AnsweredAt = &t
	}
	if d.EndTime != nil {
		t := *d.EndTime
		c.EndTime = &t
	}
	if d.DurationMs != nil {
		v := *d.DurationMs
		c.DurationMs = &v
	}
	return &c
}

// DialogueFilter narrows ListDialogues results. Zero fields match all.
type DialogueFilter struct {
	Status    Status
	Direction Direction
	Since     time.Time
	Until     time.Time
}

// Matches reports whether d satisfies the filter.
func (f DialogueFilter) Matches(d *Dialogue) bool {
	if f.Status != "" && d.Status != f.Status {
		return false
	}
	if f.Direction != "" && d.Direction != f.Direction {
		return false
	}
	if !f.Since.IsZero() && d.StartTime.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !d.StartTime.Before(f.Until) {
		return false
	}
	return true
}

// Page is a cursor-based window over an ordered key space.
type Page struct {
	Limit  int
	Cursor string
}

// DialoguePage is one page of ListDialogues output.
type DialoguePage struct {
	Dialogues  []*Dialogue `json:"dialogues"`
	NextCursor string      `json:"nextCursor,omitempty"`
}
