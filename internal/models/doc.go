// Callstream - Real-time Call Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/callstream

/*
Package models defines the data structures shared across the pipeline.

Key Components:

  - Event: immutable telemetry fact, keyed by DialogueKey
  - EventType: the closed set of event kinds, matched exhaustively by
    the aggregator and the metrics transformer
  - Dialogue: the per-call aggregate owned by the aggregator
  - Change: change feed entry consumed by the publisher
  - RetryEnvelope, DeadLetter: retry coordinator state
  - MetricRecord: columnar sink row
  - SearchDocument: historical index document

Wire format is JSON (goccy/go-json) with camelCase field names.
*/
package models
