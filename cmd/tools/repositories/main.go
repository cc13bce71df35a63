package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/sentinelops/secops-engine/internal/config"
	"github.com/sentinelops/secops-engine/internal/models"
	"github.com/sentinelops/secops-engine/internal/storage"
)

// repositories exercises the PostgreSQL repositories against DB_URL
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	store, err := storage.NewStorage(cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to create storage: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	now := time.Now().UTC()

	fmt.Println("=== Event repository ===")
	eventRepo := storage.NewEventRepository(store.DB())
	event := &models.Event{
		ID:        uuid.New(),
		Timestamp: now,
		Source:    "repository-smoke-test",
		EventType: "brute_force",
		Severity:  models.SeverityHigh,
		IPAddress: "127.0.0.1",
		Metadata:  map[string]any{"attempts": 12},
	}
	if err := eventRepo.StoreEvent(ctx, event); err != nil {
		log.Fatalf("Failed to store event: %v", err)
	}
	events, total, err := eventRepo.ListEvents(ctx, storage.EventFilter{Severity: models.SeverityHigh, Limit: 5})
	if err != nil {
		log.Fatalf("Failed to list events: %v", err)
	}
	fmt.Printf("Stored event %s; %d high events total, %d returned\n", event.ID, total, len(events))

	fmt.Println("\n=== Threat repository ===")
	threatRepo := storage.NewThreatRepository(store.DB())
	threat := &models.Threat{
		ID:             uuid.New(),
		EventIDs:       []uuid.UUID{event.ID},
		ThreatType:     "brute_force",
		Confidence:     80,
		RiskScore:      70,
		Status:         models.ThreatStatusActive,
		DetectionTime:  now,
		AffectedAssets: []string{"127.0.0.1"},
		UpdatedAt:      now,
	}
	if err := threatRepo.StoreThreat(ctx, threat); err != nil {
		log.Fatalf("Failed to store threat: %v", err)
	}
	mitigation := &models.MitigationAction{
		ID: uuid.New(), Action: "alert", Result: models.MitigationResultSuccess, Actor: "smoke-test", Timestamp: now,
	}
	if err := threatRepo.AppendMitigation(ctx, threat.ID, mitigation); err != nil {
		log.Fatalf("Failed to append mitigation: %v", err)
	}
	if err := threatRepo.UpdateThreatStatus(ctx, threat.ID, models.ThreatStatusResolved, time.Now().UTC()); err != nil {
		log.Fatalf("Failed to update threat: %v", err)
	}
	got, err := threatRepo.GetThreat(ctx, threat.ID)
	if err != nil {
		log.Fatalf("Failed to get threat: %v", err)
	}
	fmt.Printf("Threat %s is %s with %d mitigation(s), resolved at %v\n", got.ID, got.Status, len(got.MitigationActions), got.ResolvedAt)

	fmt.Println("\n=== Incident repository ===")
	incidentRepo := storage.NewIncidentRepository(store.DB())
	inc := &models.Incident{
		ID:              uuid.New(),
		ThreatID:        threat.ID,
		PlaybookID:      "credential-compromise",
		PlaybookVersion: 1,
		Status:          models.IncidentStatusRunning,
		StartTime:       now,
		TotalSteps:      1,
		EscalationLevel: models.EscalationMedium,
		Steps:           []models.StepState{{StepID: "block", Status: models.StepStatusRunning}},
	}
	if err := incidentRepo.CreateIncident(ctx, inc); err != nil {
		log.Fatalf("Failed to create incident: %v", err)
	}
	second := *inc
	second.ID = uuid.New()
	if err := incidentRepo.CreateIncident(ctx, &second); !errors.Is(err, storage.ErrActiveIncident) {
		log.Fatalf("Expected a second active incident to be rejected, got %v", err)
	}
	end := time.Now().UTC()
	inc.Status = models.IncidentStatusCompleted
	inc.EndTime = &end
	inc.CompletedSteps = 1
	inc.Steps[0].Status = models.StepStatusCompleted
	if err := incidentRepo.UpdateIncident(ctx, inc); err != nil {
		log.Fatalf("Failed to update incident: %v", err)
	}
	if _, err := incidentRepo.ActiveIncidentForThreat(ctx, threat.ID); !errors.Is(err, storage.ErrNotFound) {
		log.Fatalf("Expected no active incident after completion, got %v", err)
	}
	fmt.Printf("Incident %s completed; duplicate active incident rejected\n", inc.ID)

	fmt.Println("\nAll repository checks passed!")
}
