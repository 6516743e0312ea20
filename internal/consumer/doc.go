// Callstream - Real-time Call Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/callstream

/*
Package consumer reads a region's durable log in ordered batches and hands
them to a BatchHandler.

One reader runs per partition. Every fetch is split into lanes by dialogue
key and the lanes run on a bounded errgroup, so unrelated dialogues are
processed in parallel while each dialogue's records stay in arrival order.

A handler error or a batch timeout fails the whole batch, which is then
bisected until the poison records are isolated. Records ahead of a failure
commit; the failed record is naked for redelivery and later records of the
same dialogue are held back until it returns. After MaxDeliver handler
failures, or on a PermanentError, the record is dead-lettered and
terminated. Deliveries that were only held back behind another record do
not count toward MaxDeliver.
*/
package consumer
