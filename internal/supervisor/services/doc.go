// Callstream - Real-time Call Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/callstream

/*
Package services adapts components without a native Serve(ctx) method to
suture.Service.

Pipeline components (consumers, the retry coordinator, the change hub and
the indexer) implement suture.Service themselves and are added to the tree
directly. This package holds the two that need a wrapper:

HTTPServerService:
  - Binds the listener inside Serve so bind errors reach the supervisor
  - Calls Shutdown with a fresh timeout once the context is canceled
  - Reports the bound address through Addr, useful with ":0"

StoreGCService:
  - Runs Badger value-log GC on a fixed interval
  - Logs failed runs and keeps going
  - Returns when Fatal reports an error as unrecoverable, such as a
    closed store

Every service returns ctx.Err() on a clean stop and implements fmt.Stringer
for supervisor logs.
*/
package services
