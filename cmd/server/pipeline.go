// Callstream - Real-time Call Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/callstream

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/tomtom215/callstream/internal/aggregator"
	"github.com/tomtom215/callstream/internal/api"
	"github.com/tomtom215/callstream/internal/auth"
	"github.com/tomtom215/callstream/internal/authz"
	"github.com/tomtom215/callstream/internal/config"
	"github.com/tomtom215/callstream/internal/consumer"
	"github.com/tomtom215/callstream/internal/eventlog"
	"github.com/tomtom215/callstream/internal/indexer"
	"github.com/tomtom215/callstream/internal/logging"
	"github.com/tomtom215/callstream/internal/models"
	"github.com/tomtom215/callstream/internal/retry"
	"github.com/tomtom215/callstream/internal/router"
	"github.com/tomtom215/callstream/internal/sink"
	"github.com/tomtom215/callstream/internal/store"
	"github.com/tomtom215/callstream/internal/supervisor"
	"github.com/tomtom215/callstream/internal/supervisor/services"
	"github.com/tomtom215/callstream/internal/transform"
	ws "github.com/tomtom215/callstream/internal/websocket"
)

// breakerReporter is implemented by log backends guarded by a circuit
// breaker.
type breakerReporter interface {
	BreakerState() string
}

// Pipeline holds every component for lifecycle management. Components
// that implement suture.Service are handed to the supervisor tree; the
// rest are closed by Shutdown once the tree has stopped.
type Pipeline struct {
	cfg *config.Config

	server *eventlog.EmbeddedServer
	log    eventlog.Log

	db          *store.DB
	dialogues   *store.DialogueStore
	deadLetters *store.DeadLetterStore
	documents   *store.DocumentStore

	feed        *aggregator.ChangeFeed
	aggregator  *aggregator.Aggregator
	hub         *ws.Hub
	coordinator *retry.Coordinator
	router      *router.Router
	metricsSink *sink.DuckDB
	indexer     *indexer.Indexer
	consumers   []*consumer.Consumer

	enforcer *authz.Enforcer
	http     *services.HTTPServerService
}

// BuildPipeline creates and connects every component. On error the
// components created so far are shut down.
//
//nolint:gocyclo // Sequential construction of the whole pipeline
func BuildPipeline(ctx context.Context, cfg *config.Config) (*Pipeline, error) {
	p := &Pipeline{cfg: cfg}
	fail := func(err error) (*Pipeline, error) {
		p.Shutdown(context.Background())
		return nil, err
	}

	regions := cfg.Regions.RegionMap()
	logging.Info().
		Str("version", regions.Version()).
		Str("default", regions.Default()).
		Strs("regions", regions.Regions()).
		Msg("Region map loaded")

	// Step 1: Event log
	switch cfg.NATS.Backend {
	case "memory":
		p.log = eventlog.NewMemoryLog(cfg.NATS.Partitions, regions.Regions()...)
		logging.Warn().Msg("Using in-memory event log: records are lost on restart")
	default:
		url := cfg.NATS.URL
		if cfg.NATS.Embedded {
			server, err := eventlog.NewEmbeddedServer(cfg.NATS)
			if err != nil {
				return fail(err)
			}
			p.server = server
			url = server.ClientURL()
			logging.Info().Str("url", url).Str("store_dir", cfg.NATS.StoreDir).Msg("Embedded NATS server started")
		} else {
			logging.Info().Str("url", url).Msg("Using external NATS server")
		}

		jsLog, err := eventlog.NewJetStreamLog(url, cfg.NATS, logging.NewWatermillAdapter("eventlog"))
		if err != nil {
			return fail(err)
		}
		p.log = jsLog
		if err := jsLog.EnsureStreams(ctx, regions.Regions()); err != nil {
			return fail(fmt.Errorf("ensure region streams: %w", err))
		}
		logging.Info().Int("partitions", cfg.NATS.Partitions).Msg("JetStream region streams ready")
	}

	// Step 2: State store
	db, err := store.Open(cfg.Store)
	if err != nil {
		return fail(err)
	}
	p.db = db
	p.dialogues = store.NewDialogueStore(db)
	p.deadLetters = store.NewDeadLetterStore(db)
	p.documents = store.NewDocumentStore(db)
	logging.Info().Str("path", cfg.Store.Path).Bool("in_memory", cfg.Store.InMemory).Msg("State store opened")

	// Step 3: Aggregation and change publishing
	p.feed = aggregator.NewChangeFeed(cfg.Aggregator.FeedShards, cfg.Aggregator.FeedBuffer)
	p.aggregator = aggregator.New(p.dialogues, p.feed, cfg.Aggregator)
	p.hub = ws.NewHub(p.feed, cfg.Publisher)

	// Step 4: Routing with deferred redelivery
	writer := router.NewWriter(p.log, cfg.Router)
	p.coordinator, err = retry.New(cfg.Retry, writer, db)
	if err != nil {
		return fail(fmt.Errorf("create retry coordinator: %w", err))
	}
	p.router = router.New(regions, writer, p.coordinator)

	// Step 5: Metrics sink
	var metricsHandler consumer.BatchHandler
	if cfg.Sink.Enabled {
		p.metricsSink, err = sink.Open(ctx, cfg.Sink.DuckDB)
		if err != nil {
			return fail(err)
		}
		metricsHandler = transform.NewHandler(p.metricsSink)
		logging.Info().Str("path", cfg.Sink.DuckDB.Path).Msg("Metrics sink opened")
	} else {
		logging.Info().Msg("Metrics sink disabled: metrics records are not consumed")
	}

	// Step 6: Indexer
	if cfg.Indexer.Enabled {
		p.indexer = indexer.New(p.dialogues, p.documents, p.aggregator.Finalized(), cfg.Indexer.Worker)
	}

	// Step 7: One consumer per region and destination
	for _, region := range regions.Regions() {
		c, err := consumer.New("dialogue", p.log, region, models.DestinationDialogue, p.aggregator, p.deadLetters, cfg.Consumer)
		if err != nil {
			return fail(err)
		}
		p.consumers = append(p.consumers, c)

		if metricsHandler == nil {
			continue
		}
		c, err = consumer.New("metrics", p.log, region, models.DestinationMetrics, metricsHandler, p.deadLetters, cfg.Consumer)
		if err != nil {
			return fail(err)
		}
		p.consumers = append(p.consumers, c)
	}

	// Step 8: HTTP API
	var verifier *auth.Verifier
	if cfg.Server.JWTSecret != "" {
		verifier, err = auth.NewVerifier(cfg.Server.JWTSecret, cfg.Server.JWTLeeway)
		if err != nil {
			return fail(err)
		}
		logging.Info().Msg("JWT authentication enabled")
	} else {
		logging.Warn().Msg("Authentication is DISABLED: every organization is readable by any client")
	}
	p.enforcer, err = authz.NewEnforcer(cfg.Server.Authz)
	if err != nil {
		return fail(err)
	}

	handler := api.NewHandler(api.HandlerDeps{
		Query:          api.NewQueryService(p.dialogues, p.hub),
		Events:         p.router,
		DeadLetters:    p.deadLetters,
		Retry:          p.coordinator,
		Authz:          p.enforcer,
		HealthChecks:   p.healthChecks(),
		AllowedOrigins: cfg.Server.Middleware.CORSAllowedOrigins,
	})
	server := &http.Server{
		Handler:      api.NewRouter(handler, cfg.Server.Middleware, verifier),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	p.http = services.NewHTTPServerService(server, cfg.Server.Addr, cfg.Server.ShutdownTimeout)

	return p, nil
}

// healthChecks reports the state store, the event log breaker and the
// metrics sink.
func (p *Pipeline) healthChecks() []api.HealthCheck {
	checks := []api.HealthCheck{{
		Name: "store",
		Check: func(context.Context) error {
			if p.db.Badger().IsClosed() {
				return store.ErrClosed
			}
			return nil
		},
	}}
	if br, ok := p.log.(breakerReporter); ok {
		checks = append(checks, api.HealthCheck{
			Name: "eventlog",
			Check: func(context.Context) error {
				if state := br.BreakerState(); state == "open" {
					return fmt.Errorf("circuit breaker %s", state)
				}
				return nil
			},
		})
	}
	if p.metricsSink != nil {
		checks = append(checks, api.HealthCheck{Name: "metrics-sink", Check: p.metricsSink.Ping})
	}
	return checks
}

// AddToTree registers the supervised components by layer.
func (p *Pipeline) AddToTree(tree *supervisor.SupervisorTree) {
	tree.AddDataService(p.coordinator)
	gc := services.NewStoreGCService(p.db, p.cfg.Supervisor.StoreGCInterval)
	gc.Fatal = func(err error) bool { return errors.Is(err, store.ErrClosed) }
	tree.AddDataService(gc)

	for _, c := range p.consumers {
		tree.AddMessagingService(c)
	}
	tree.AddMessagingService(p.hub)
	if p.indexer != nil {
		tree.AddMessagingService(p.indexer)
	} else {
		tree.AddMessagingService(finalizedDrain{p.aggregator.Finalized()})
	}

	tree.AddAPIService(p.http)
	logging.Info().
		Int("consumers", len(p.consumers)).
		Bool("indexer", p.indexer != nil).
		Str("addr", p.cfg.Server.Addr).
		Msg("Pipeline services added to supervisor tree")
}

// Shutdown releases everything the tree does not own, in reverse order
// of construction. The tree must have stopped first.
func (p *Pipeline) Shutdown(ctx context.Context) {
	if p.enforcer != nil {
		p.enforcer.Close()
	}
	if p.hub != nil {
		p.hub.Close()
	}
	if p.feed != nil {
		p.feed.Close()
	}
	if p.metricsSink != nil {
		if err := p.metricsSink.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing metrics sink")
		}
	}
	if p.log != nil {
		if err := p.log.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing event log")
		}
	}
	if p.server != nil {
		if err := p.server.Shutdown(ctx); err != nil {
			logging.Error().Err(err).Msg("Error stopping embedded NATS server")
		} else {
			logging.Info().Msg("Embedded NATS server stopped")
		}
	}
	if p.db != nil {
		if err := p.db.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing state store")
		}
	}
}

// finalizedDrain discards finalized-dialogue signals when the indexer is
// disabled, so the aggregator never blocks on a full queue.
type finalizedDrain struct {
	queue <-chan models.DialogueKey
}

func (d finalizedDrain) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.queue:
		}
	}
}

func (d finalizedDrain) String() string { return "finalized-drain" }
