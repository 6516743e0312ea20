// Callstream - Real-time Call Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/callstream

package transform

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/tomtom215/callstream/internal/consumer"
	"github.com/tomtom215/callstream/internal/eventlog"
	"github.com/tomtom215/callstream/internal/logging"
	"github.com/tomtom215/callstream/internal/metrics"
	"github.com/tomtom215/callstream/internal/models"
)

// Sink persists a batch of metric records atomically.
type Sink interface {
	WriteBatch(ctx context.Context, records []models.MetricRecord) error
}

// Handler adapts Transform and a Sink to the stream consumer.
type Handler struct {
	sink   Sink
	logger zerolog.Logger
}

// NewHandler creates a metrics batch handler writing to sink.
func NewHandler(sink Sink) *Handler {
	return &Handler{sink: sink, logger: logging.WithComponent("transformer")}
}

// HandleBatch transforms every record and writes the good ones in one
// sink call. Malformed records are reported as permanent item failures and
// never hold back the rest of the batch; a sink failure fails the batch.
func (h *Handler) HandleBatch(ctx context.Context, batch []*eventlog.Delivery) (consumer.BatchResult, error) {
	var res consumer.BatchResult
	records := make([]models.MetricRecord, 0, len(batch))

	for i, d := range batch {
		rec, err := Transform(d.Data, d.Region)
		if err != nil {
			metrics.TransformerRecords.WithLabelValues("malformed").Inc()
			h.logger.Warn().Err(err).Str("record_id", d.ID).Msg("dropping malformed metric record")
			res.ItemFailures = append(res.ItemFailures, consumer.ItemFailure{
				Index: i,
				Err:   consumer.Permanent(err),
			})
			continue
		}
		metrics.TransformerRecords.WithLabelValues("ok").Inc()
		records = append(records, rec)
	}

	if len(records) == 0 {
		return res, nil
	}
	if err := h.sink.WriteBatch(ctx, records); err != nil {
		return consumer.BatchResult{}, fmt.Errorf("write %d metric records: %w", len(records), err)
	}
	return res, nil
}
