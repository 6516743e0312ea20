// Callstream - Real-time Call Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/callstream

/*
Package websocket publishes committed dialogue changes to live subscribers.

The Hub reads the aggregator's sharded change feed, one goroutine per
shard, and fans every change out to the subscriptions of the change's
organization. Fan-out never blocks the feed: each Subscription owns a
bounded queue and a delivery goroutine that retries a failed send with
exponential backoff and a per-attempt timeout. A full queue or an
exhausted retry budget drops that one delivery and is counted in
callstream_publisher_delivery_failures_total.

Client adapts a gorilla/websocket connection to the Transport interface,
with ping/pong keepalive and write deadlines:

	conn, _ := upgrader.Upgrade(w, r, nil)
	client := websocket.NewClient(conn)
	sub, _ := hub.Subscribe(orgID, client)
	defer hub.Unsubscribe(sub)
	_ = client.Run(r.Context())

Frames are JSON objects of the form {"type":"dialogue_change","data":{...}}.
A client may send {"type":"ping"} and receives {"type":"pong"}.
*/
package websocket
