// Callstream - Real-time Call Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/callstream

/*
Package retry implements the retry coordinator for failed log appends.

The router hands every destination it could not write to Submit. The
coordinator persists a RetryEnvelope in badger and redelivers it with
bounded exponential backoff:

	delay(n) = InitialBackoff * Multiplier^n, capped at MaxBackoff, +/- Jitter

No attempt is ever scheduled after FirstFailureAt + MaxRetryWindow. When the
attempt at that instant fails, or an envelope is found past its window, the
envelope is written verbatim to the dead-letter sink and counted in
callstream_dead_letters_total.

Serve sleeps until the earliest NextAttemptAt or a new submission, and paces
attempts with a token bucket limiter.
*/
package retry
