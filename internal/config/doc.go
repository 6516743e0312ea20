// Callstream - Real-time Call Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/callstream

/*
Package config loads the process configuration with koanf.

Precedence, lowest first: built-in defaults, an optional YAML file, then
environment variables. The file is the --config flag, else CONFIG_PATH,
else the first of DefaultConfigPaths that exists.

Example file:

	logging:
	  level: debug
	nats:
	  backend: jetstream
	  embedded: true
	  store_dir: /var/lib/callstream/jetstream
	  partitions: 8
	regions:
	  version: "2026-10"
	  default: us-east
	  orgs:
	    acme: us-east
	    globex: eu-west
	server:
	  addr: 0.0.0.0:8080
	  middleware:
	    cors_allowed_origins: [https://dashboard.example.com]

Environment variables are an explicit allow-list (see envMappings), for
example NATS_URL, REGION_MAP="acme=us-east,globex=eu-west", JWT_SECRET,
AUTHZ_POLICY_PATH and CORS_ORIGINS="https://a.example.com,https://b.example.com".
*/
package config
