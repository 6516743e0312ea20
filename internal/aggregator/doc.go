// Callstream - Real-time Call Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/callstream

/*
Package aggregator folds ordered call events into Dialogue records.

Apply is idempotent per event id: an event already in a dialogue's applied
list returns the stored dialogue untouched. Transitions are an exhaustive
switch over the declared event types:

	call-started        participants, direction, startTime
	call-answered       answeredAt
	call-ended          endTime, durationMs, COMPLETED or FAILED
	transferred         endTime, durationMs, transferTarget, TRANSFERRED
	held / resumed      onHold, holdCount
	recording-*         recording
	dtmf                dtmfDigits (appended)
	routing-decision    queue, agent
	metric-sample       no dialogue change

Unknown types and events for a terminal dialogue are recorded as applied
without a transition. Each persisted upsert emits a Change on the sharded
ChangeFeed; a transition into a terminal status also signals Finalized for
the historical indexer.
*/
package aggregator
