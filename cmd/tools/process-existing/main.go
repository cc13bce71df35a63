package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/sentinelops/secops-engine/internal/config"
	"github.com/sentinelops/secops-engine/internal/detection"
	"github.com/sentinelops/secops-engine/internal/logging"
	"github.com/sentinelops/secops-engine/internal/models"
	"github.com/sentinelops/secops-engine/internal/notify"
	"github.com/sentinelops/secops-engine/internal/storage"
	"github.com/sentinelops/secops-engine/internal/threats"
)

// process-existing re-runs detection over stored high and critical events
// that no threat references yet, e.g. after raising RISK_THRESHOLD coverage.
func main() {
	limit := flag.Int("limit", 1000, "Maximum number of events per severity to scan")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Observability.LogLevel, cfg.Observability.LogFormat)

	store, err := storage.NewStorage(cfg.Database.URL)
	if err != nil {
		logger.Error("failed to create storage", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	eventRepo := storage.NewEventRepository(store.DB())
	threatRepo := storage.NewThreatRepository(store.DB())
	registry := threats.NewRegistry(threatRepo, notify.NopPublisher{}, logger)

	engine, err := detection.NewEngine(detection.NewScorer(cfg.Detection.RiskThreshold), registry, cfg.Detection.DedupeCacheSize, nil, logger)
	if err != nil {
		logger.Error("failed to create detection engine", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	existing, err := registry.List(ctx, storage.ThreatFilter{})
	if err != nil {
		logger.Error("failed to list threats", "error", err)
		os.Exit(1)
	}
	covered := make(map[uuid.UUID]bool)
	for _, t := range existing {
		for _, id := range t.EventIDs {
			covered[id] = true
		}
	}

	scanned, created := 0, 0
	for _, sev := range []models.Severity{models.SeverityCritical, models.SeverityHigh} {
		events, _, err := eventRepo.ListEvents(ctx, storage.EventFilter{Severity: sev, Limit: *limit})
		if err != nil {
			logger.Error("failed to list events", "severity", sev, "error", err)
			os.Exit(1)
		}
		for _, event := range events {
			if covered[event.ID] {
				continue
			}
			scanned++
			threat, err := engine.ProcessEvent(ctx, event)
			if err != nil {
				logger.Warn("failed to process event", "event_id", event.ID, "error", err)
				continue
			}
			if threat != nil {
				created++
				fmt.Printf("  - %s %s risk=%d confidence=%d\n", threat.ID, threat.ThreatType, threat.RiskScore, threat.Confidence)
			}
		}
	}

	logger.Info("detection re-run complete", "scanned", scanned, "threats_created", created, "already_covered", len(covered))
}
