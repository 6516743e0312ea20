// Callstream - Real-time Call Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/callstream

// Package logging provides the zerolog-based logger used by every pipeline
// component, plus adapters for the libraries that bring their own logging
// interface: slog (sutureslog) and watermill.
//
//	logging.Init(logging.Config{Level: "debug", Format: "console"})
//	log := logging.WithComponent("consumer")
//	log.Info().Str("region", region).Int("partition", p).Msg("reader started")
//
// Always terminate chains with .Msg() or .Send(); an unterminated event is
// never written.
package logging
