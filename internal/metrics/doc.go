// Callstream - Real-time Call Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/callstream

// Package metrics holds the Prometheus collectors for every pipeline stage.
//
// Collectors are registered with the default registry through promauto and
// exposed by the API server at /metrics. Operator-facing failure signals:
//
//   - callstream_dead_letters_total: exhausted retries and terminated poison records
//   - callstream_publisher_delivery_failures_total: dropped subscriber deliveries
//   - callstream_consumer_item_failures_total: sustained non-zero values point at
//     upstream data-quality problems
package metrics
