// Callstream - Real-time Call Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/callstream

// Package validation is the event schema validator. It wraps a singleton
// go-playground/validator instance with the custom tags the event schema
// needs (eventtype, jsonobject, keysegment) and reports failures using the
// JSON field names of the wire schema.
//
//	event, err := validation.DecodeEvent(body)
//	if err != nil {
//	    // *RequestValidationError or ErrMalformedEvent
//	}
package validation
