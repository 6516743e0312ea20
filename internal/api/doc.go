// Callstream - Real-time Call Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/callstream

/*
Package api provides the HTTP surface of Callstream.

Endpoints:

	GET  /health                                  dependency checks
	GET  /metrics                                 Prometheus exposition
	POST /api/v1/events                           producer ingestion
	GET  /api/v1/deadletters                      operator only
	GET  /api/v1/retry                            retry backlog, operator only
	GET  /api/v1/orgs/{orgID}/dialogues           filtered, cursor paged
	GET  /api/v1/orgs/{orgID}/dialogues/{callID}  one dialogue
	GET  /api/v1/orgs/{orgID}/subscribe           websocket change stream

Every JSON response uses the APIResponse envelope. List responses carry
a PaginationMeta whose NextCursor is passed back as the cursor query
parameter.

Authentication:

When a Verifier is configured, /api/v1 requires an HS256 bearer token
(or an access_token query parameter for browsers opening websockets).
Each route is then checked against the authz policy: an org token reaches
only its own {orgID} and ingests only its own events, an optional role
claim narrows it to reading (viewer) or ingesting (producer), and the
operator org "*" reaches every organization, the dead-letter listing and
the retry backlog.

Ingestion answers 202 once the event is durable in the log or owned by
the retry coordinator, 400 for invalid events and 503 when neither
happened and the producer has to resend.

Middleware order: request id and logging context, real IP, panic
recovery, CORS, Prometheus metrics, then per-IP rate limiting and
authentication on /api/v1.
*/
package api
