// Callstream - Real-time Call Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/callstream

package validation

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/tomtom215/callstream/internal/models"
)

// ErrMalformedEvent wraps decode failures of inbound event bytes.
var ErrMalformedEvent = errors.New("malformed event")

// ValidateEvent normalizes e and validates the result. Callers must use
// the returned event; the input is left untouched.
func ValidateEvent(e models.Event) (models.Event, error) {
	n := e.Normalize()
	if verr := ValidateStruct(&n); verr != nil {
		return models.Event{}, verr
	}
	return n, nil
}

// DecodeEvent parses raw JSON and validates it.
func DecodeEvent(data []byte) (models.Event, error) {
	var e models.Event
	if err := json.Unmarshal(data, &e); err != nil {
		return models.Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return ValidateEvent(e)
}

// IsValidationError reports whether err carries field failures.
func IsValidationError(err error) bool {
	var verr *RequestValidationError
	return errors.As(err, &verr)
}
