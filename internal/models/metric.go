// Callstream - Real-time Call Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/callstream

package models

// MetricDimensions tag a metric record.
type MetricDimensions struct {
	OrgID     string    `json:"orgId"`
	Region    string    `json:"region"`
	EventType EventType `json:"eventType"`
}

// MetricRecord is the normalized row written to the columnar sink.
type MetricRecord struct {
	Dimensions   MetricDimensions `json:"dimensions"`
	MeasureName  string           `json:"measureName"`
	MeasureValue float64          `json:"measureValue"`
	TimestampMs  int64            `json:"timestampMs"`
	// Partition is the UTC date of the event as "YYYY/MM/DD".
	Partition string `json:"partition"`
	EventID   string `json:"eventId"`
}
