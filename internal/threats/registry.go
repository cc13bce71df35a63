// Package threats owns the lifecycle of threat detections.
package threats

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sentinelops/secops-engine/internal/apperr"
	"github.com/sentinelops/secops-engine/internal/keylock"
	"github.com/sentinelops/secops-engine/internal/models"
	"github.com/sentinelops/secops-engine/internal/notify"
	"github.com/sentinelops/secops-engine/internal/storage"
)

// Repository is the persistence the registry depends on
type Repository interface {
	StoreThreat(ctx context.Context, threat *models.Threat) error
	GetThreat(ctx context.Context, id uuid.UUID) (*models.Threat, error)
	ListThreats(ctx context.Context, filter storage.ThreatFilter) ([]*models.Threat, error)
	UpdateThreatStatus(ctx context.Context, id uuid.UUID, status models.ThreatStatus, at time.Time) error
	AppendMitigation(ctx context.Context, threatID uuid.UUID, action *models.MitigationAction) error
}

// Change is published whenever a threat is created or updated
type Change struct {
	Threat         *models.Threat      `json:"threat"`
	PreviousStatus models.ThreatStatus `json:"previousStatus,omitempty"`
	Actor          string              `json:"actor,omitempty"`
	Override       bool                `json:"override,omitempty"`
}

// Registry is the mutable collection of threat detections
type Registry struct {
	repo      Repository
	locks     *keylock.Locker
	publisher notify.Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// NewRegistry creates a registry over repo
func NewRegistry(repo Repository, publisher notify.Publisher, logger *slog.Logger) *Registry {
	if publisher == nil {
		publisher = notify.NopPublisher{}
	}
	return &Registry{
		repo:      repo,
		locks:     keylock.New(),
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
	}
}

// Create validates and stores a new threat detection
func (r *Registry) Create(ctx context.Context, threat *models.Threat) (*models.Threat, error) {
	t := threat.Clone()
	if len(t.EventIDs) == 0 {
		return nil, apperr.Validation("threat requires at least one originating event")
	}
	if t.Confidence < 0 || t.Confidence > 100 || t.RiskScore < 0 || t.RiskScore > 100 {
		return nil, apperr.Validation("confidence and riskScore must be within [0,100]").
			With("confidence", t.Confidence).With("riskScore", t.RiskScore)
	}
	if t.Status == "" {
		t.Status = models.ThreatStatusActive
	}
	if !t.Status.Valid() {
		return nil, apperr.Validation("invalid threat status: %s", t.Status)
	}
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	now := r.now()
	if t.DetectionTime.IsZero() {
		t.DetectionTime = now
	}
	t.UpdatedAt = now
	t.AffectedAssets = dedupe(t.AffectedAssets)
	t.MitigationActions = nil

	if err := r.repo.StoreThreat(ctx, t); err != nil {
		return nil, apperr.Internal(err, "failed to store threat")
	}

	r.publish(ctx, notify.SubjectThreatCreated, Change{Threat: t})
	r.logger.Info("threat created", "threat_id", t.ID, "threat_type", t.ThreatType, "risk_score", t.RiskScore)
	return t, nil
}

// Get returns a threat by id
func (r *Registry) Get(ctx context.Context, id uuid.UUID) (*models.Threat, error) {
	t, err := r.repo.GetThreat(ctx, id)
	if err != nil {
		return nil, translate(err, id)
	}
	return t, nil
}

// List returns matching threats, highest risk first, newest detection breaking ties
func (r *Registry) List(ctx context.Context, filter storage.ThreatFilter) ([]*models.Threat, error) {
	threats, err := r.repo.ListThreats(ctx, filter)
	if err != nil {
		return nil, apperr.Internal(err, "failed to list threats")
	}
	sort.SliceStable(threats, func(i, j int) bool {
		if threats[i].RiskScore != threats[j].RiskScore {
			return threats[i].RiskScore > threats[j].RiskScore
		}
		return threats[i].DetectionTime.After(threats[j].DetectionTime)
	})
	return threats, nil
}

// UpdateStatus moves a threat to status. Backward moves require override;
// re-asserting the current status changes nothing.
func (r *Registry) UpdateStatus(ctx context.Context, id uuid.UUID, status models.ThreatStatus, actor string, override bool) (*models.Threat, error) {
	if !status.Valid() {
		return nil, apperr.Validation("invalid threat status: %s", status).With("status", status)
	}

	unlock := r.locks.Lock(id.String())
	defer unlock()

	current, err := r.repo.GetThreat(ctx, id)
	if err != nil {
		return nil, translate(err, id)
	}
	if current.Status == status {
		return current, nil
	}
	if status.Rank() < current.Status.Rank() && !override {
		return nil, apperr.Precondition("cannot move threat from %s back to %s without override", current.Status, status).
			With("threatId", id).With("currentStatus", current.Status)
	}

	if err := r.repo.UpdateThreatStatus(ctx, id, status, r.now()); err != nil {
		return nil, translate(err, id)
	}
	updated, err := r.repo.GetThreat(ctx, id)
	if err != nil {
		return nil, translate(err, id)
	}

	r.publish(ctx, notify.SubjectThreatUpdated, Change{
		Threat: updated, PreviousStatus: current.Status, Actor: actor, Override: override,
	})
	r.logger.Info("threat status updated",
		"threat_id", id, "from", current.Status, "to", status, "actor", actor, "override", override)
	return updated, nil
}

// AppendMitigation appends exactly one mitigation entry
func (r *Registry) AppendMitigation(ctx context.Context, id uuid.UUID, action models.MitigationAction) (*models.Threat, error) {
	if action.Action == "" {
		return nil, apperr.Validation("mitigation action name is required")
	}
	if action.ID == uuid.Nil {
		action.ID = uuid.New()
	}
	if action.Timestamp.IsZero() {
		action.Timestamp = r.now()
	}

	unlock := r.locks.Lock(id.String())
	defer unlock()

	if err := r.repo.AppendMitigation(ctx, id, &action); err != nil {
		return nil, translate(err, id)
	}
	updated, err := r.repo.GetThreat(ctx, id)
	if err != nil {
		return nil, translate(err, id)
	}

	r.publish(ctx, notify.SubjectThreatUpdated, Change{Threat: updated, Actor: action.Actor})
	r.logger.Debug("mitigation recorded", "threat_id", id, "action", action.Action, "result", action.Result)
	return updated, nil
}

func (r *Registry) publish(ctx context.Context, subject string, change Change) {
	if err := r.publisher.Publish(ctx, subject, change); err != nil {
		r.logger.Warn("failed to publish threat change", "subject", subject, "threat_id", change.Threat.ID, "error", err)
	}
}

func translate(err error, id uuid.UUID) error {
	if errors.Is(err, storage.ErrNotFound) {
		return apperr.NotFound("Threat not found").With("threatId", id)
	}
	return apperr.Internal(err, "threat repository failure")
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
