// Callstream - Real-time Call Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/callstream

package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/tomtom215/callstream/internal/eventlog"
	"github.com/tomtom215/callstream/internal/logging"
	"github.com/tomtom215/callstream/internal/metrics"
	"github.com/tomtom215/callstream/internal/models"
	"github.com/tomtom215/callstream/internal/validation"
)

// Outcome is the terminal result of routing one event.
type Outcome string

const (
	// OutcomeDelivered means every destination append succeeded.
	OutcomeDelivered Outcome = "delivered"
	// OutcomeDeferred means at least one destination was handed to the
	// retry coordinator.
	OutcomeDeferred Outcome = "deferred"
	// OutcomeRejected means the event was invalid or has no region.
	OutcomeRejected Outcome = "rejected"
)

// RoutingResult describes what Route did with one event.
type RoutingResult struct {
	Outcome Outcome
	Event   models.Event
	Region  string
	// Delivered and Deferred partition the event's destinations.
	Delivered []models.Destination
	Deferred  []models.Destination
	// Err explains a rejection or the first append failure.
	Err error
}

// ErrBehindRetry marks an event queued behind an earlier event of its
// dialogue that is still pending retry.
var ErrBehindRetry = errors.New("earlier event of the dialogue is pending retry")

// FailureSink accepts destinations the router could not write. Submit must
// take ownership of the event before returning nil. Holds reports whether
// the sink still owns an earlier event of the dialogue for region/dest.
type FailureSink interface {
	Submit(ctx context.Context, region string, dest models.Destination, event models.Event, cause error) error
	Holds(region string, dest models.Destination, key models.DialogueKey) bool
}

// Config holds router settings.
type Config struct {
	// AppendTimeout bounds one synchronous log append.
	AppendTimeout time.Duration `koanf:"append_timeout"`
}

// DefaultConfig returns router defaults.
func DefaultConfig() Config {
	return Config{AppendTimeout: 5 * time.Second}
}

// Writer performs the synchronous log append of one destination. The
// router uses it for first delivery and the retry coordinator for
// redelivery.
type Writer struct {
	log     eventlog.Appender
	timeout time.Duration
}

// NewWriter returns a writer appending to log.
func NewWriter(log eventlog.Appender, cfg Config) *Writer {
	if cfg.AppendTimeout <= 0 {
		cfg.AppendTimeout = DefaultConfig().AppendTimeout
	}
	return &Writer{log: log, timeout: cfg.AppendTimeout}
}

// Router writes validated events to their home region's log.
type Router struct {
	*Writer

	regions *RegionMap
	retry   FailureSink
	logger  zerolog.Logger
}

// New creates a router over w. A failed append without a retry sink is
// reported as an error.
func New(regions *RegionMap, w *Writer, retry FailureSink) *Router {
	return &Router{
		Writer:  w,
		regions: regions,
		retry:   retry,
		logger:  logging.WithComponent("router"),
	}
}

// Regions returns the region map in use.
func (r *Router) Regions() *RegionMap {
	return r.regions
}

// Destinations returns the log destinations of an event type.
func Destinations(t models.EventType) []models.Destination {
	if t.MetricTagged() {
		return []models.Destination{models.DestinationDialogue, models.DestinationMetrics}
	}
	return []models.Destination{models.DestinationDialogue}
}

// Route validates e, resolves its region and appends it once per
// destination. Failed appends are handed to the retry coordinator and
// reported as deferred. A destination where an earlier event of the same
// dialogue is still pending retry is not appended directly; the event joins
// the retry queue behind it so the log keeps the submission order. The returned error is non-nil only when that
// handoff itself failed, in which case the producer must resend.
func (r *Router) Route(ctx context.Context, e models.Event) (RoutingResult, error) {
	normalized, err := validation.ValidateEvent(e)
	if err != nil {
		metrics.RecordRouted("none", string(OutcomeRejected))
		return RoutingResult{Outcome: OutcomeRejected, Event: e, Err: err}, nil
	}
	e = normalized
	ctx = logging.ContextWithDialogueKey(ctx, e.DialogueKey.String())

	region, err := r.regions.Resolve(e.DialogueKey.OrgID)
	if err != nil {
		metrics.RecordRouted("none", string(OutcomeRejected))
		r.logger.Warn().Str("org_id", e.DialogueKey.OrgID).Str("event_id", e.EventID).
			Str("region_map", r.regions.Version()).Msg("no region for organization")
		return RoutingResult{Outcome: OutcomeRejected, Event: e, Err: err}, nil
	}

	res := RoutingResult{Outcome: OutcomeDelivered, Event: e, Region: region}
	for _, dest := range Destinations(e.EventType) {
		var appendErr error
		if r.retry != nil && r.retry.Holds(region, dest, e.DialogueKey) {
			appendErr = ErrBehindRetry
		} else {
			appendErr = r.Deliver(ctx, region, dest, e)
		}
		if appendErr == nil {
			res.Delivered = append(res.Delivered, dest)
			continue
		}
		if res.Err == nil {
			res.Err = appendErr
		}
		if r.retry == nil {
			metrics.RecordRouted(region, "failed")
			return res, fmt.Errorf("append %s to %s: %w", e.EventID, dest, appendErr)
		}
		if err := r.retry.Submit(ctx, region, dest, e, appendErr); err != nil {
			metrics.RecordRouted(region, "failed")
			return res, fmt.Errorf("hand off %s/%s to retry: %w", e.EventID, dest, errors.Join(appendErr, err))
		}
		res.Deferred = append(res.Deferred, dest)
		res.Outcome = OutcomeDeferred

		logger := logging.FromContext(ctx, r.logger)
		if errors.Is(appendErr, ErrBehindRetry) {
			logger.Debug().
				Str("event_id", e.EventID).
				Str("destination", string(dest)).
				Msg("queued behind pending retry")
			continue
		}
		logger.Warn().
			Err(appendErr).
			Str("event_id", e.EventID).
			Str("region", region).
			Str("destination", string(dest)).
			Msg("log append failed, handed to retry coordinator")
	}

	metrics.RecordRouted(region, string(res.Outcome))
	return res, nil
}

// Deliver appends e to region/dest once.
func (w *Writer) Deliver(ctx context.Context, region string, dest models.Destination, e models.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", e.EventID, err)
	}

	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	start := time.Now()
	err = w.log.Append(ctx, region, dest, eventlog.Record{
		ID:   e.EventID,
		Key:  e.DialogueKey,
		Data: data,
	})
	metrics.RecordLogAppend(region, string(dest), time.Since(start), err)
	return err
}
