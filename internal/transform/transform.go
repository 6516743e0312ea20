// Callstream - Real-time Call Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/callstream

// Package transform maps events from the metrics sub-stream to normalized,
// date-partitioned metric records.
package transform

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/tomtom215/callstream/internal/models"
	"github.com/tomtom215/callstream/internal/validation"
)

// MeasureCallDuration is emitted for call-ended events that carry a
// duration.
const MeasureCallDuration = "call_duration_seconds"

// PartitionLayout renders the UTC event date as "YYYY/MM/DD".
const PartitionLayout = "2006/01/02"

// ErrMalformedRecord marks a record that can never be transformed.
var ErrMalformedRecord = errors.New("malformed metric record")

// Transform decodes raw and maps it to a metric record tagged with region.
func Transform(raw []byte, region string) (models.MetricRecord, error) {
	e, err := validation.DecodeEvent(raw)
	if err != nil {
		return models.MetricRecord{}, fmt.Errorf("%w: %w", ErrMalformedRecord, err)
	}
	return FromEvent(e, region)
}

// FromEvent maps a validated event to a metric record.
func FromEvent(e models.Event, region string) (models.MetricRecord, error) {
	name, value, err := measure(e)
	if err != nil {
		return models.MetricRecord{}, fmt.Errorf("%w: event %s: %w", ErrMalformedRecord, e.EventID, err)
	}
	ts := e.Timestamp.UTC()
	return models.MetricRecord{
		Dimensions: models.MetricDimensions{
			OrgID:     e.DialogueKey.OrgID,
			Region:    region,
			EventType: e.EventType,
		},
		MeasureName:  name,
		MeasureValue: value,
		TimestampMs:  ts.UnixMilli(),
		Partition:    Partition(ts),
		EventID:      e.EventID,
	}, nil
}

// Partition returns the date partition for t.
func Partition(t time.Time) string {
	return t.UTC().Format(PartitionLayout)
}

func measure(e models.Event) (string, float64, error) {
	switch e.EventType {
	case models.EventMetricSample:
		var p models.MetricSamplePayload
		if err := e.DecodePayload(&p); err != nil {
			return "", 0, err
		}
		name := strings.TrimSpace(p.Name)
		if name == "" {
			return "", 0, errors.New("metric-sample without name")
		}
		if p.Value == nil {
			return "", 0, errors.New("metric-sample without value")
		}
		if math.IsNaN(*p.Value) || math.IsInf(*p.Value, 0) {
			return "", 0, errors.New("metric-sample value is not finite")
		}
		return name, *p.Value, nil

	case models.EventCallEnded:
		var p models.CallEndedPayload
		if err := e.DecodePayload(&p); err != nil {
			return "", 0, err
		}
		if p.DurationSeconds == nil {
			return countName(e.EventType), 1, nil
		}
		if *p.DurationSeconds < 0 || math.IsNaN(*p.DurationSeconds) || math.IsInf(*p.DurationSeconds, 0) {
			return "", 0, errors.New("call-ended duration out of range")
		}
		return MeasureCallDuration, *p.DurationSeconds, nil

	case models.EventCallStarted, models.EventCallAnswered, models.EventTransferred,
		models.EventHeld, models.EventResumed, models.EventRecordingStarted,
		models.EventRecordingStopped, models.EventDTMF, models.EventRoutingDecision:
		return countName(e.EventType), 1, nil

	default:
		return "", 0, fmt.Errorf("unknown event type %q", e.EventType)
	}
}

func countName(t models.EventType) string {
	return strings.ReplaceAll(string(t), "-", "_") + "_count"
}
