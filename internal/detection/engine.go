package detection

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sentinelops/secops-engine/internal/keylock"
	"github.com/sentinelops/secops-engine/internal/metrics"
	"github.com/sentinelops/secops-engine/internal/models"
)

// ThreatCreator persists a new threat detection
type ThreatCreator interface {
	Create(ctx context.Context, threat *models.Threat) (*models.Threat, error)
}

// Engine turns scored events into threat detections
type Engine struct {
	scorer  *Scorer
	threats ThreatCreator
	seen    *lru.Cache[uuid.UUID, uuid.UUID]
	locks   *keylock.Locker
	metrics *metrics.Collectors
	logger  *slog.Logger
}

// NewEngine creates an engine remembering up to cacheSize processed events
func NewEngine(scorer *Scorer, threats ThreatCreator, cacheSize int, collectors *metrics.Collectors, logger *slog.Logger) (*Engine, error) {
	if cacheSize <= 0 {
		cacheSize = 10000
	}
	seen, err := lru.New[uuid.UUID, uuid.UUID](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create dedupe cache: %w", err)
	}
	return &Engine{
		scorer:  scorer,
		threats: threats,
		seen:    seen,
		locks:   keylock.New(),
		metrics: collectors,
		logger:  logger,
	}, nil
}

// Scorer returns the engine's scorer
func (e *Engine) Scorer() *Scorer {
	return e.scorer
}

// ProcessEvent scores an event and creates a threat when the risk reaches the
// threshold. It returns nil when no new threat was created, including when the
// event already produced one.
func (e *Engine) ProcessEvent(ctx context.Context, event *models.Event) (*models.Threat, error) {
	unlock := e.locks.Lock(event.ID.String())
	defer unlock()

	if threatID, ok := e.seen.Get(event.ID); ok {
		e.logger.Debug("event already produced a threat", "event_id", event.ID, "threat_id", threatID)
		return nil, nil
	}

	score := e.scorer.Score(event)
	if !e.scorer.Detects(score) {
		e.logger.Debug("event below risk threshold",
			"event_id", event.ID, "risk_score", score.RiskScore, "threshold", e.scorer.Threshold())
		return nil, nil
	}

	threat, err := e.threats.Create(ctx, &models.Threat{
		EventIDs:       []uuid.UUID{event.ID},
		ThreatType:     score.ThreatType,
		Confidence:     score.Confidence,
		RiskScore:      score.RiskScore,
		Status:         models.ThreatStatusActive,
		AffectedAssets: affectedAssets(event),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create threat for event %s: %w", event.ID, err)
	}

	e.seen.Add(event.ID, threat.ID)
	e.metrics.ThreatDetected(threat.ThreatType)
	e.logger.Info("threat detected",
		"threat_id", threat.ID, "event_id", event.ID, "threat_type", threat.ThreatType,
		"risk_score", threat.RiskScore, "confidence", threat.Confidence)
	return threat, nil
}

func affectedAssets(event *models.Event) []string {
	var assets []string
	if event.IPAddress != "" {
		assets = append(assets, event.IPAddress)
	}
	if event.UserID != "" && event.UserID != event.IPAddress {
		assets = append(assets, event.UserID)
	}
	return assets
}
