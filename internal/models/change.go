// Callstream - Real-time Call Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/callstream

package models

import "time"

// Change is emitted on the change feed after a dialogue upsert commits.
type Change struct {
	DialogueKey   DialogueKey `json:"-"`
	DialogueID    string      `json:"dialogueId"`
	EventID       string      `json:"eventId"`
	ChangedFields []string    `json:"changedFields"`
	Status        Status      `json:"status"`
	Version       uint64      `json:"version"`
	Timestamp     time.Time   `json:"timestamp"`
	// Finalized is set on the change that moved the dialogue to a
	// terminal status.
	Finalized bool `json:"finalized,omitempty"`
}

// SearchDocument is the denormalized record written by the indexer.
type SearchDocument struct {
	ID        string    `json:"id"`
	Dialogue  *Dialogue `json:"dialogue"`
	Events    []Event   `json:"events"`
	IndexedAt time.Time `json:"indexedAt"`
}
