package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sentinelops/secops-engine/internal/api"
	"github.com/sentinelops/secops-engine/internal/config"
	"github.com/sentinelops/secops-engine/internal/detection"
	"github.com/sentinelops/secops-engine/internal/incident"
	"github.com/sentinelops/secops-engine/internal/ingestion"
	"github.com/sentinelops/secops-engine/internal/logging"
	"github.com/sentinelops/secops-engine/internal/metrics"
	"github.com/sentinelops/secops-engine/internal/notify"
	"github.com/sentinelops/secops-engine/internal/playbook"
	"github.com/sentinelops/secops-engine/internal/remediation"
	"github.com/sentinelops/secops-engine/internal/storage"
	"github.com/sentinelops/secops-engine/internal/threats"
	"github.com/sentinelops/secops-engine/pkg/responder"
)

// repositories groups the three stores behind the engine
type repositories struct {
	events    ingestion.EventRepository
	threats   threats.Repository
	incidents incident.Repository
}

// app holds everything main has to start and stop
type app struct {
	server     *api.Server
	ingestor   *ingestion.Ingestor
	orch       *incident.Orchestrator
	aggregator *metrics.Aggregator
	subscriber *ingestion.Subscriber
	closers    []func()
}

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := build(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialise engine", "error", err)
		os.Exit(1)
	}

	if n, err := a.orch.Recover(ctx); err != nil {
		logger.Error("failed to recover incidents", "error", err)
	} else if n > 0 {
		logger.Warn("failed orphaned incidents from previous run", "count", n)
	}

	go a.aggregator.Run(ctx, cfg.Metrics.RefreshInterval)

	if a.subscriber != nil {
		if err := a.subscriber.Start(ctx); err != nil {
			logger.Error("failed to start event subscriber", "error", err)
		}
	}

	go func() {
		logger.Info("server starting", "host", cfg.Server.Host, "port", cfg.Server.Port, "db_driver", cfg.Database.Driver)
		if err := a.server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := a.server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	// no bus message may reach Append once Wait starts
	if a.subscriber != nil {
		a.subscriber.Stop()
	}
	a.ingestor.Wait()
	a.orch.Close()
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	logger.Info("server exited")
}

func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{}
	checks := make(map[string]api.HealthCheck)

	repos, err := openRepositories(cfg, a, checks)
	if err != nil {
		return nil, err
	}

	collectors := metrics.NewCollectors()

	var publisher notify.Publisher = notify.NopPublisher{}
	var nc *nats.Conn
	if cfg.NATS.Enabled {
		nc, err = nats.Connect(cfg.NATS.URL, nats.Name("secops-engine"), nats.MaxReconnects(-1))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}
		a.closers = append(a.closers, func() { _ = nc.Drain() })
		publisher = notify.NewNATSPublisher(nc, "secops-engine", logger)
		checks["nats"] = func(ctx context.Context) error {
			if !nc.IsConnected() {
				return fmt.Errorf("nats status %s", nc.Status())
			}
			return nil
		}
	}

	var blocklist remediation.Blocklist = remediation.NewMemoryBlocklist()
	if cfg.Redis.Enabled {
		rb, err := remediation.NewRedisBlocklist(ctx, cfg.Redis.URL, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = rb.Close() })
		blocklist = rb
	}

	client := responder.NewClient(cfg.Responder.APIKey, cfg.Responder.APIURL)
	if client.Mock() {
		logger.Warn("responder API key not set, containment actions run in mock mode")
	}

	registry := threats.NewRegistry(repos.threats, publisher, logger)

	scorer := detection.NewScorer(cfg.Detection.RiskThreshold)
	engine, err := detection.NewEngine(scorer, registry, cfg.Detection.DedupeCacheSize, collectors, logger)
	if err != nil {
		return nil, err
	}

	a.ingestor = ingestion.NewIngestor(repos.events, collectors, logger)
	a.ingestor.SetProcessor(ingestion.NewProcessor(engine, logger))
	if nc != nil {
		a.subscriber = ingestion.NewSubscriber(nc, cfg.NATS.IngestSubject, a.ingestor, logger)
	}

	handlers := remediation.NewRegistry()
	if err := remediation.RegisterDefaults(handlers, remediation.Dependencies{
		Responder: client,
		Blocklist: blocklist,
		Publisher: publisher,
		BlockTTL:  cfg.Redis.BlocklistTTL,
		Logger:    logger,
	}); err != nil {
		return nil, err
	}
	responses := remediation.NewService(handlers, registry, cfg.Orchestrator.DefaultStepTimeout, collectors, logger)

	catalog := playbook.NewCatalog(logger)
	catalog.SetActionValidator(handlers.Has)
	if err := catalog.RegisterBuiltIns(); err != nil {
		return nil, fmt.Errorf("failed to register built-in playbooks: %w", err)
	}
	if cfg.Orchestrator.PlaybookFile != "" {
		n, err := catalog.LoadFile(cfg.Orchestrator.PlaybookFile)
		if err != nil {
			return nil, err
		}
		logger.Info("playbooks loaded", "file", cfg.Orchestrator.PlaybookFile, "count", n)
	}

	a.orch = incident.New(repos.incidents, registry, catalog, responses, publisher, collectors, logger,
		incident.Config{StepTimeout: cfg.Orchestrator.DefaultStepTimeout})

	a.aggregator = metrics.NewAggregator(repos.events, repos.threats, repos.incidents, collectors, logger)

	a.server = api.NewServer(cfg, api.Services{
		Events:     a.ingestor,
		Scorer:     scorer,
		Threats:    registry,
		Playbooks:  catalog,
		Responses:  responses,
		Incidents:  a.orch,
		Aggregator: a.aggregator,
		Collectors: collectors,
		Checks:     checks,
	}, logger)
	return a, nil
}

func openRepositories(cfg *config.Config, a *app, checks map[string]api.HealthCheck) (*repositories, error) {
	if cfg.Database.Driver != config.DriverPostgres {
		mem := storage.NewMemoryStore()
		return &repositories{events: mem, threats: mem, incidents: mem}, nil
	}

	store, err := storage.NewStorage(cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage: %w", err)
	}
	a.closers = append(a.closers, func() { _ = store.Close() })
	checks["database"] = func(ctx context.Context) error { return store.DB().PingContext(ctx) }

	return &repositories{
		events:    storage.NewEventRepository(store.DB()),
		threats:   storage.NewThreatRepository(store.DB()),
		incidents: storage.NewIncidentRepository(store.DB()),
	}, nil
}
