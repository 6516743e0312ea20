// Callstream - Real-time Call Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/callstream

package store

import "errors"

var (
	// ErrNotFound is returned when a dialogue or document does not exist.
	ErrNotFound = errors.New("not found")

	// ErrClosed is returned by operations on a closed database.
	ErrClosed = errors.New("store closed")

	// ErrInvalidConfig is returned by Open for unusable settings.
	ErrInvalidConfig = errors.New("invalid store config")

	// ErrInvalidCursor is returned by List for a cursor it did not issue.
	ErrInvalidCursor = errors.New("invalid cursor")

	// ErrTooManyConflicts is returned when an upsert keeps losing
	// optimistic transaction races.
	ErrTooManyConflicts = errors.New("too many transaction conflicts")
)
