// Callstream - Real-time Call Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/callstream

/*
Package main is the entry point for the Callstream server.

Callstream accepts call lifecycle events over HTTP, routes each one to the
home region of its organization, and appends it to two partitioned
JetStream logs per region: one for dialogue aggregation and one for the
metrics sink. Region consumers fold dialogue events into per-call state in
BadgerDB, push every change to websocket subscribers of the organization,
and index finalized dialogues. Metrics records are flattened into DuckDB.

# Application Architecture

	RootSupervisor ("callstream")
	├── DataSupervisor ("data-layer")
	│   ├── Retry coordinator (deferred redelivery of failed appends)
	│   └── Store GC (badger value-log collection)
	├── MessagingSupervisor ("messaging-layer")
	│   ├── Consumers (dialogue and metrics, one per region)
	│   ├── Change hub (websocket fan-out)
	│   └── Indexer (optional)
	└── APISupervisor ("api-layer")
	    └── HTTP Server

Component initialization order:

 1. Configuration: Koanf v2 with defaults, YAML file and environment
 2. Logging: zerolog with JSON or console output
 3. Event log: embedded or external NATS JetStream, or in-memory
 4. State store: BadgerDB (dialogues, dead letters, retry envelopes, documents)
 5. Aggregator, change feed and hub
 6. Router and retry coordinator
 7. Metrics sink: DuckDB (optional)
 8. Consumers per region and destination
 9. HTTP Server: chi router with middleware stack
 10. Supervisor Tree: suture v4 process supervision

The embedded NATS server is started before the tree and stopped after it,
so consumers never outlive their log.

# Configuration

	Priority: Environment variables > Config file > Defaults

The config file is taken from --config, then CONFIG_PATH, then
./callstream.yaml and /etc/callstream/config.yaml.

Core environment variables:

	LOG_LEVEL=info              # trace, debug, info, warn, error
	LOG_FORMAT=json             # json or console
	HTTP_ADDR=0.0.0.0:8080
	JWT_SECRET=<32+ chars>      # empty disables authentication

	NATS_BACKEND=jetstream      # jetstream or memory
	NATS_EMBEDDED=true
	NATS_URL=nats://nats:4222   # when NATS_EMBEDDED=false
	NATS_PARTITIONS=4

	REGION_MAP=acme=us-east,globex=eu-west
	DEFAULT_REGION=local        # empty rejects unmapped organizations

	STORE_PATH=/data/callstream/badger
	SINK_ENABLED=true
	DUCKDB_PATH=./data/metrics.duckdb
	INDEXER_ENABLED=true

# Signal Handling

SIGINT and SIGTERM cancel the tree. The HTTP server drains, consumers
finish their in-flight batch, and the hub closes every websocket. The
event log, embedded server, metrics sink and state store are then closed
in that order.

# Example Usage

Single node with an embedded NATS server:

	export JWT_SECRET=$(openssl rand -base64 32)
	export REGION_MAP=acme=us-east
	export DEFAULT_REGION=us-east
	./callstream

Development without persistence:

	./callstream --config dev.yaml   # nats.backend: memory, store.in_memory: true
*/
package main
