// Callstream - Real-time Call Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/callstream

package models

import (
	"time"

	"github.com/goccy/go-json"
)

// Destination names the stream a routed event is appended to.
type Destination string

const (
	DestinationDialogue Destination = "dialogue"
	DestinationMetrics  Destination = "metrics"
)

// RetryState is the retry coordinator's view of an envelope.
type RetryState string

const (
	RetryPending      RetryState = "PENDING_RETRY"
	RetryDelivered    RetryState = "DELIVERED"
	RetryDeadLettered RetryState = "DEAD_LETTERED"
)

// RetryEnvelope wraps one failed log append.
type RetryEnvelope struct {
	ID             string          `json:"id"`
	Payload        json.RawMessage `json:"payload"`
	Region         string          `json:"region"`
	Destination    Destination     `json:"destination"`
	// DialogueKey and Seq order envelopes of one dialogue per destination.
	DialogueKey    string          `json:"dialogueKey"`
	Seq            uint64          `json:"seq"`
	FirstFailureAt time.Time       `json:"firstFailureAt"`
	AttemptCount   int             `json:"attemptCount"`
	NextAttemptAt  time.Time       `json:"nextAttemptAt"`
	MaxRetryUntil  time.Time       `json:"maxRetryUntil"`
	LastError      string          `json:"lastError,omitempty"`
	State          RetryState      `json:"state"`
}

// DeadLetter is the verbatim envelope plus the reason it stopped.
type DeadLetter struct {
	Envelope       RetryEnvelope `json:"envelope"`
	AttemptCount   int           `json:"attemptCount"`
	FirstFailureAt time.Time     `json:"firstFailureAt"`
	LastError      string        `json:"lastError"`
	Reason         string        `json:"reason"`
	DeadLetteredAt time.Time     `json:"deadLetteredAt"`
}
