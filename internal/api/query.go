// Callstream - Real-time Call Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/callstream

package api

import (
	"context"
	"errors"
	"fmt"

	"github.com/tomtom215/callstream/internal/models"
	"github.com/tomtom215/callstream/internal/retry"
	"github.com/tomtom215/callstream/internal/router"
	ws "github.com/tomtom215/callstream/internal/websocket"
)

// ErrInvalidFilter is returned for list filters that can never match.
var ErrInvalidFilter = errors.New("invalid dialogue filter")

// DialogueReader reads aggregated dialogues.
type DialogueReader interface {
	Get(ctx context.Context, key models.DialogueKey) (*models.Dialogue, error)
	List(ctx context.Context, orgID string, filter models.DialogueFilter, page models.Page) (models.DialoguePage, error)
}

// EventRouter accepts producer events.
type EventRouter interface {
	Route(ctx context.Context, e models.Event) (router.RoutingResult, error)
}

// DeadLetterReader lists records that exhausted delivery.
type DeadLetterReader interface {
	List(ctx context.Context, limit int) ([]models.DeadLetter, error)
	Count(ctx context.Context) (int, error)
}

// RetryStatsReader reports the backlog of events awaiting redelivery.
type RetryStatsReader interface {
	Stats(ctx context.Context) (retry.Stats, error)
}

// Subscriber registers live change transports.
type Subscriber interface {
	Subscribe(orgID string, t ws.Transport) (*ws.Subscription, error)
	Unsubscribe(s *ws.Subscription)
}

// HealthCheck checks one dependency.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// QueryService answers dialogue reads and live subscriptions.
type QueryService struct {
	dialogues DialogueReader
	hub       Subscriber
}

// NewQueryService creates a QueryService.
func NewQueryService(dialogues DialogueReader, hub Subscriber) *QueryService {
	return &QueryService{dialogues: dialogues, hub: hub}
}

// GetDialogue returns the current dialogue for key.
func (q *QueryService) GetDialogue(ctx context.Context, key models.DialogueKey) (*models.Dialogue, error) {
	return q.dialogues.Get(ctx, key)
}

// ListDialogues pages through one organization's dialogues.
func (q *QueryService) ListDialogues(
	ctx context.Context,
	orgID string,
	filter models.DialogueFilter,
	page models.Page,
) (models.DialoguePage, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return models.DialoguePage{}, fmt.Errorf("%w: status %q", ErrInvalidFilter, filter.Status)
	}
	if filter.Direction != "" && !filter.Direction.Valid() {
		return models.DialoguePage{}, fmt.Errorf("%w: direction %q", ErrInvalidFilter, filter.Direction)
	}
	if !filter.Since.IsZero() && !filter.Until.IsZero() && !filter.Since.Before(filter.Until) {
		return models.DialoguePage{}, fmt.Errorf("%w: since must be before until", ErrInvalidFilter)
	}
	if page.Limit < 0 {
		return models.DialoguePage{}, fmt.Errorf("%w: negative limit", ErrInvalidFilter)
	}
	return q.dialogues.List(ctx, orgID, filter, page)
}

// SubscribeToOrg registers t for changes to orgID's dialogues.
func (q *QueryService) SubscribeToOrg(orgID string, t ws.Transport) (*ws.Subscription, error) {
	if orgID == "" {
		return nil, fmt.Errorf("%w: empty organization", ErrInvalidFilter)
	}
	return q.hub.Subscribe(orgID, t)
}

// Unsubscribe removes s.
func (q *QueryService) Unsubscribe(s *ws.Subscription) {
	q.hub.Unsubscribe(s)
}
