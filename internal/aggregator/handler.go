// Callstream - Real-time Call Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/callstream

package aggregator

import (
	"context"
	"fmt"

	"github.com/tomtom215/callstream/internal/consumer"
	"github.com/tomtom215/callstream/internal/eventlog"
	"github.com/tomtom215/callstream/internal/validation"
)

// HandleBatch applies a batch of dialogue-stream records in order. It
// stops at the first record that fails, so the consumer can bisect
// without later records of the same dialogue overtaking it.
func (a *Aggregator) HandleBatch(ctx context.Context, batch []*eventlog.Delivery) (consumer.BatchResult, error) {
	for _, d := range batch {
		e, err := validation.DecodeEvent(d.Data)
		if err != nil {
			return consumer.BatchResult{}, consumer.Permanent(fmt.Errorf("record %s: %w", d.ID, err))
		}
		if _, err := a.Apply(ctx, e); err != nil {
			return consumer.BatchResult{}, fmt.Errorf("apply %s: %w", e.EventID, err)
		}
	}
	return consumer.BatchResult{}, nil
}
