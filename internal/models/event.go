// Callstream - Real-time Call Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/callstream

package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// EventType is the closed set of event kinds the pipeline understands.
// Values outside this set are still accepted on the wire and handled as
// forward-compatible no-ops by the aggregator.
type EventType string

const (
	EventCallStarted      EventType = "call-started"
	EventCallAnswered     EventType = "call-answered"
	EventCallEnded        EventType = "call-ended"
	EventTransferred      EventType = "transferred"
	EventHeld             EventType = "held"
	EventResumed          EventType = "resumed"
	EventRecordingStarted EventType = "recording-started"
	EventRecordingStopped EventType = "recording-stopped"
	EventDTMF             EventType = "dtmf"
	EventRoutingDecision  EventType = "routing-decision"
	EventMetricSample     EventType = "metric-sample"
)

// EventTypes returns every known event type in declaration order.
func EventTypes() []EventType {
	return []EventType{
		EventCallStarted,
		EventCallAnswered,
		EventCallEnded,
		EventTransferred,
		EventHeld,
		EventResumed,
		EventRecordingStarted,
		EventRecordingStopped,
		EventDTMF,
		EventRoutingDecision,
		EventMetricSample,
	}
}

// Known reports whether t is one of the declared event types.
func (t EventType) Known() bool {
	switch t {
	case EventCallStarted, EventCallAnswered, EventCallEnded, EventTransferred,
		EventHeld, EventResumed, EventRecordingStarted, EventRecordingStopped,
		EventDTMF, EventRoutingDecision, EventMetricSample:
		return true
	default:
		return false
	}
}

// MetricTagged reports whether events of this type are copied to the
// metrics sub-stream in addition to the dialogue log.
func (t EventType) MetricTagged() bool {
	return t == EventMetricSample || t == EventCallEnded
}

// DialogueKey identifies a dialogue. It is the partition and ordering key
// for every event that belongs to one call.
type DialogueKey struct {
	OrgID  string `json:"orgId" validate:"required,max=128,keysegment"`
	CallID string `json:"callId" validate:"required,max=256,keysegment"`
}

// String renders the key as "orgId/callId".
func (k DialogueKey) String() string {
	return k.OrgID + "/" + k.CallID
}

// IsZero reports whether neither component is set.
func (k DialogueKey) IsZero() bool {
	return k.OrgID == "" && k.CallID == ""
}

// ErrInvalidDialogueKey is returned when a rendered key cannot be parsed.
var ErrInvalidDialogueKey = errors.New("invalid dialogue key")

// ParseDialogueKey parses the "orgId/callId" form produced by String.
func ParseDialogueKey(s string) (DialogueKey, error) {
	org, call, ok := strings.Cut(s, "/")
	if !ok || org == "" || call == "" {
		return DialogueKey{}, fmt.Errorf("%w: %q", ErrInvalidDialogueKey, s)
	}
	return DialogueKey{OrgID: org, CallID: call}, nil
}

// Event is an immutable fact about a call. Producers create it, the
// validator checks it once, and every consumer treats EventID as the
// idempotency key.
type Event struct {
	EventID     string          `json:"eventId" validate:"required,max=128"`
	EventType   EventType       `json:"eventType" validate:"required,eventtype"`
	DialogueKey DialogueKey     `json:"dialogueKey" validate:"required"`
	Timestamp   time.Time       `json:"timestamp" validate:"required"`
	Source      string          `json:"source" validate:"required,max=128"`
	Payload     json.RawMessage `json:"payload,omitempty" validate:"omitempty,jsonobject"`
}

// Normalize returns a copy with trimmed identifiers, a lower-cased event
// type and a UTC timestamp.
func (e Event) Normalize() Event {
	e.EventID = strings.TrimSpace(e.EventID)
	e.EventType = EventType(strings.ToLower(strings.TrimSpace(string(e.EventType))))
	e.DialogueKey.OrgID = strings.TrimSpace(e.DialogueKey.OrgID)
	e.DialogueKey.CallID = strings.TrimSpace(e.DialogueKey.CallID)
	e.Source = strings.TrimSpace(e.Source)
	e.Timestamp = e.Timestamp.UTC()
	return e
}

// DecodePayload unmarshals the opaque payload into v. An empty payload
// leaves v untouched.
func (e *Event) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.EventType, err)
	}
	return nil
}

// Payload shapes for the event types that carry state.

type CallStartedPayload struct {
	Caller    string    `json:"caller"`
	Called    string    `json:"called"`
	Direction Direction `json:"direction"`
}

type CallEndedPayload struct {
	// Disposition is "completed" (default) or "failed".
	Disposition string `json:"disposition"`
	Reason      string `json:"reason"`
	// DurationSeconds is the producer-measured talk time, if known.
	DurationSeconds *float64 `json:"durationSeconds,omitempty"`
}

type TransferredPayload struct {
	Target string `json:"target"`
}

type DTMFPayload struct {
	Digits string `json:"digits"`
}

type RoutingDecisionPayload struct {
	Queue string `json:"queue"`
	Agent string `json:"agent"`
}

type MetricSamplePayload struct {
	Name  string   `json:"name"`
	Value *float64 `json:"value"`
}
