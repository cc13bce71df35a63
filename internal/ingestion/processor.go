package ingestion

import (
	"context"
	"log/slog"

	"github.com/sentinelops/secops-engine/internal/models"
)

// Detector scores an event and creates a threat when warranted
type Detector interface {
	ProcessEvent(ctx context.Context, event *models.Event) (*models.Threat, error)
}

// Processor handles event processing through detection engine
type Processor struct {
	detector Detector
	logger   *slog.Logger
}

// NewProcessor creates a new event processor
func NewProcessor(detector Detector, logger *slog.Logger) *Processor {
	return &Processor{
		detector: detector,
		logger:   logger,
	}
}

// ProcessEvent processes an event through the detection engine
func (p *Processor) ProcessEvent(ctx context.Context, event *models.Event) error {
	threat, err := p.detector.ProcessEvent(ctx, event)
	if err != nil {
		p.logger.Error("failed to process event", "event_id", event.ID, "error", err)
		return err
	}
	if threat != nil {
		p.logger.Info("event raised threat",
			"event_id", event.ID, "threat_id", threat.ID, "threat_type", threat.ThreatType, "risk_score", threat.RiskScore)
	}
	return nil
}
