// Callstream - Real-time Call Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/callstream

/*
Package supervisor runs every long-lived Callstream service under a suture v4
supervisor tree.

# Overview

Services are grouped in three layers with independent failure counting:

	RootSupervisor ("callstream")
	├── DataSupervisor ("data-layer")
	│   ├── retry.Coordinator
	│   └── services.StoreGCService
	├── MessagingSupervisor ("messaging-layer")
	│   ├── consumer.Consumer (one per region and destination)
	│   ├── websocket.Hub
	│   └── indexer.Indexer (if enabled)
	└── APISupervisor ("api-layer")
	    └── services.HTTPServerService

A consumer that keeps failing backs off without restarting the HTTP server,
and a stuck HTTP listener does not stop aggregation.

The embedded NATS server is not part of the tree. It must outlive every
consumer, so main starts it before the tree and shuts it down after the
tree has stopped.

# Usage

	tree, err := supervisor.NewSupervisorTree(logging.NewSlogLogger(), supervisor.TreeConfig{
	    FailureThreshold: cfg.Supervisor.FailureThreshold,
	    ShutdownTimeout:  cfg.Supervisor.ShutdownTimeout,
	})
	if err != nil {
	    return err
	}
	tree.AddDataService(coordinator)
	tree.AddMessagingService(hub)
	tree.AddAPIService(services.NewHTTPServerService(server, cfg.Server.Addr, cfg.Server.ShutdownTimeout))

	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
	    return err
	}

# Restarts

suture restarts a service whose Serve returns, whatever the error. After
FailureThreshold failures (decaying at FailureDecay per second) the layer
waits FailureBackoff before the next restart. A service that returns
suture.ErrDoNotRestart is removed instead.

# Shutdown

Canceling the context passed to Serve stops the layers. Each service gets
ShutdownTimeout to return; UnstoppedServiceReport lists any that did not.

# Logging

Supervisor events (service start, failure, restart, backoff) go through
sutureslog into the slog logger bridged onto zerolog.
*/
package supervisor
