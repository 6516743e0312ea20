// Callstream - Real-time Call Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/callstream

package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/tomtom215/callstream/internal/authz"
	"github.com/tomtom215/callstream/internal/logging"
	"github.com/tomtom215/callstream/internal/models"
	"github.com/tomtom215/callstream/internal/router"
	"github.com/tomtom215/callstream/internal/store"
	"github.com/tomtom215/callstream/internal/validation"
	ws "github.com/tomtom215/callstream/internal/websocket"
)

const (
	// maxEventBytes bounds one ingested event body.
	maxEventBytes = 1 << 20

	defaultDeadLetterLimit = 100
	maxDeadLetterLimit     = 1000

	healthTimeout = 3 * time.Second
)

// Handler serves the HTTP surface.
type Handler struct {
	query       *QueryService
	events      EventRouter
	deadLetters DeadLetterReader
	retry       RetryStatsReader
	authz       *authz.Enforcer
	checks      []HealthCheck
	origins     []string
	startTime   time.Time
}

// HandlerDeps collects the collaborators of a Handler. Events,
// DeadLetters and Retry may be nil, in which case their endpoints answer
// 503. A nil Authz refuses every authenticated request.
type HandlerDeps struct {
	Query          *QueryService
	Events         EventRouter
	DeadLetters    DeadLetterReader
	Retry          RetryStatsReader
	Authz          *authz.Enforcer
	HealthChecks   []HealthCheck
	AllowedOrigins []string
}

// NewHandler creates a Handler.
func NewHandler(deps HandlerDeps) *Handler {
	return &Handler{
		query:       deps.Query,
		events:      deps.Events,
		deadLetters: deps.DeadLetters,
		retry:       deps.Retry,
		authz:       deps.Authz,
		checks:      deps.HealthChecks,
		origins:     deps.AllowedOrigins,
		startTime:   time.Now(),
	}
}

// GetDialogue returns one dialogue.
func (h *Handler) GetDialogue(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	key := models.DialogueKey{OrgID: chi.URLParam(r, "orgID"), CallID: chi.URLParam(r, "callID")}

	d, err := h.query.GetDialogue(r.Context(), key)
	switch {
	case errors.Is(err, store.ErrNotFound):
		rw.NotFound("dialogue not found")
	case err != nil:
		rw.StoreError(err)
	default:
		rw.Success(d)
	}
}

// ListDialogues pages through an organization's dialogues.
func (h *Handler) ListDialogues(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	filter, page, err := parseListQuery(r)
	if err != nil {
		rw.BadRequest(err.Error())
		return
	}

	res, err := h.query.ListDialogues(r.Context(), chi.URLParam(r, "orgID"), filter, page)
	switch {
	case errors.Is(err, ErrInvalidFilter), errors.Is(err, store.ErrInvalidCursor):
		rw.BadRequest(err.Error())
		return
	case err != nil:
		rw.StoreError(err)
		return
	}

	rw.SuccessWithPagination(res.Dialogues, &PaginationMeta{
		Count:      len(res.Dialogues),
		Limit:      page.Limit,
		HasMore:    res.NextCursor != "",
		NextCursor: res.NextCursor,
	})
}

func parseListQuery(r *http.Request) (models.DialogueFilter, models.Page, error) {
	q := r.URL.Query()
	filter := models.DialogueFilter{
		Status:    models.Status(q.Get("status")),
		Direction: models.Direction(q.Get("direction")),
	}
	var err error
	if filter.Since, err = parseTimeParam(q.Get("since")); err != nil {
		return filter, models.Page{}, errors.New("since must be an RFC 3339 timestamp")
	}
	if filter.Until, err = parseTimeParam(q.Get("until")); err != nil {
		return filter, models.Page{}, errors.New("until must be an RFC 3339 timestamp")
	}

	page := models.Page{Cursor: q.Get("cursor")}
	if v := q.Get("limit"); v != "" {
		if page.Limit, err = strconv.Atoi(v); err != nil {
			return filter, page, errors.New("limit must be an integer")
		}
	}
	return filter, page, nil
}

func parseTimeParam(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}

// IngestEvent validates one producer event and routes it.
func (h *Handler) IngestEvent(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	if h.events == nil {
		rw.ServiceUnavailable("ingestion is not enabled")
		return
	}

	var e models.Event
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEventBytes))
	if err := dec.Decode(&e); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			rw.Error(http.StatusRequestEntityTooLarge, ErrCodeBadRequest, "event body too large")
			return
		}
		rw.BadRequest("malformed event body")
		return
	}

	if !authorized(w, r, h.authz, e.DialogueKey.OrgID, authz.ObjectEvents, authz.ActionWrite) {
		return
	}

	res, err := h.events.Route(r.Context(), e)
	if err != nil {
		logging.Ctx(r.Context()).Error().Err(err).Str("event_id", e.EventID).Msg("event handoff failed")
		rw.ServiceUnavailable("event could not be accepted, resend")
		return
	}

	if res.Outcome == router.OutcomeRejected {
		var verr *validation.RequestValidationError
		switch {
		case errors.As(res.Err, &verr):
			rw.ValidationError("event failed validation", validationDetails(verr))
		case errors.Is(res.Err, router.ErrNoRegion):
			rw.BadRequest(res.Err.Error())
		default:
			rw.BadRequest("event rejected")
		}
		return
	}

	rw.Accepted(map[string]any{
		"eventId": res.Event.EventID,
		"outcome": res.Outcome,
		"region":  res.Region,
	})
}

func validationDetails(verr *validation.RequestValidationError) map[string]string {
	details := make(map[string]string, len(verr.Errors()))
	for _, fe := range verr.Errors() {
		details[fe.Field()] = fe.Error()
	}
	return details
}

// DeadLetters lists records that exhausted delivery.
func (h *Handler) DeadLetters(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	if h.deadLetters == nil {
		rw.ServiceUnavailable("dead letters are not available")
		return
	}

	limit := defaultDeadLetterLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			rw.BadRequest("limit must be a positive integer")
			return
		}
		limit = min(n, maxDeadLetterLimit)
	}

	items, err := h.deadLetters.List(r.Context(), limit)
	if err != nil {
		rw.StoreError(err)
		return
	}
	total, err := h.deadLetters.Count(r.Context())
	if err != nil {
		rw.StoreError(err)
		return
	}
	rw.SuccessWithPagination(map[string]any{
		"deadLetters": items,
		"total":       total,
	}, &PaginationMeta{Count: len(items), Limit: limit, HasMore: total > len(items)})
}

// RetryStats reports how many events await redelivery and when the next
// attempt is due.
func (h *Handler) RetryStats(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	if h.retry == nil {
		rw.ServiceUnavailable("retry stats are not available")
		return
	}
	st, err := h.retry.Stats(r.Context())
	if err != nil {
		rw.StoreError(err)
		return
	}
	rw.Success(st)
}

// Health reports the state of every registered dependency.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	status := "healthy"
	checks := make(map[string]string, len(h.checks))
	for _, c := range h.checks {
		if err := c.Check(ctx); err != nil {
			checks[c.Name] = err.Error()
			status = "degraded"
			continue
		}
		checks[c.Name] = "ok"
	}

	body := map[string]any{
		"status": status,
		"uptime": time.Since(h.startTime).Seconds(),
		"checks": checks,
	}
	rw := NewResponseWriter(w, r)
	if status != "healthy" {
		rw.ErrorWithDetails(http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "service degraded", body)
		return
	}
	rw.Success(body)
}

func (h *Handler) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		CheckOrigin:      h.checkOrigin,
		HandshakeTimeout: 10 * time.Second,
	}
}

// checkOrigin admits non-browser clients, which send no Origin, and
// browsers from the configured CORS origins.
func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.origins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	logging.Ctx(r.Context()).Warn().Str("origin", origin).Msg("websocket rejected from unauthorized origin")
	return false
}

// Subscribe upgrades to a websocket that streams the organization's
// dialogue changes until either side goes away.
func (h *Handler) Subscribe(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	upgrader := h.upgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already answered the request.
		logging.Ctx(r.Context()).Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := ws.NewClient(conn)
	sub, err := h.query.SubscribeToOrg(orgID, client)
	if err != nil {
		logging.Ctx(r.Context()).Warn().Err(err).Str("org_id", orgID).Msg("subscription refused")
		_ = client.Close()
		return
	}
	defer h.query.Unsubscribe(sub)

	// Hijacked connections outlive server shutdown, so the hub's view of
	// the subscription also ends the session.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		select {
		case <-sub.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	logging.Ctx(r.Context()).Debug().Str("org_id", orgID).Str("subscription_id", sub.ID()).Msg("subscriber connected")
	_ = client.Run(ctx)
}
