// Package incident drives playbook executions against threats.
package incident

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sentinelops/secops-engine/internal/apperr"
	"github.com/sentinelops/secops-engine/internal/keylock"
	"github.com/sentinelops/secops-engine/internal/metrics"
	"github.com/sentinelops/secops-engine/internal/models"
	"github.com/sentinelops/secops-engine/internal/notify"
	"github.com/sentinelops/secops-engine/internal/remediation"
	"github.com/sentinelops/secops-engine/internal/storage"
)

// Actor recorded for transitions the orchestrator makes on its own
const Actor = "orchestrator"

// Repository persists incidents
type Repository interface {
	CreateIncident(ctx context.Context, inc *models.Incident) error
	UpdateIncident(ctx context.Context, inc *models.Incident) error
	GetIncident(ctx context.Context, id uuid.UUID) (*models.Incident, error)
	ListIncidents(ctx context.Context, filter storage.IncidentFilter) ([]*models.Incident, error)
	ActiveIncidentForThreat(ctx context.Context, threatID uuid.UUID) (*models.Incident, error)
}

// ThreatStore is the part of the threat registry the orchestrator needs
type ThreatStore interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Threat, error)
	AppendMitigation(ctx context.Context, id uuid.UUID, action models.MitigationAction) (*models.Threat, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status models.ThreatStatus, actor string, override bool) (*models.Threat, error)
}

// Playbooks resolves the playbook an incident runs
type Playbooks interface {
	GetByID(id string) (*models.Playbook, error)
	GetByThreatType(threatType string) []*models.Playbook
}

// Executor runs and rolls back response actions
type Executor interface {
	Invoke(ctx context.Context, inv remediation.Invocation) (*remediation.Outcome, error)
	Rollback(ctx context.Context, inv remediation.Invocation) (bool, error)
}

// Config tunes the orchestrator
type Config struct {
	// StepTimeout bounds automated steps that declare no timeout of their own.
	StepTimeout time.Duration
}

// Orchestrator owns every live incident. Each incident is driven by its own goroutine.
type Orchestrator struct {
	repo      Repository
	threats   ThreatStore
	playbooks Playbooks
	executor  Executor
	publisher notify.Publisher
	metrics   *metrics.Collectors
	logger    *slog.Logger
	cfg       Config

	threatLocks *keylock.Locker

	mu   sync.Mutex
	runs map[uuid.UUID]*run

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	now    func() time.Time
}

// New creates an orchestrator
func New(repo Repository, threats ThreatStore, playbooks Playbooks, executor Executor,
	publisher notify.Publisher, collectors *metrics.Collectors, logger *slog.Logger, cfg Config) *Orchestrator {
	if publisher == nil {
		publisher = notify.NopPublisher{}
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = 2 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		repo:        repo,
		threats:     threats,
		playbooks:   playbooks,
		executor:    executor,
		publisher:   publisher,
		metrics:     collectors,
		logger:      logger,
		cfg:         cfg,
		threatLocks: keylock.New(),
		runs:        make(map[uuid.UUID]*run),
		ctx:         ctx,
		cancel:      cancel,
		now:         time.Now,
	}
}

// LaunchRequest selects the threat and, optionally, the playbook to run
type LaunchRequest struct {
	ThreatID   uuid.UUID
	PlaybookID string
	Analyst    string
}

// Launch starts a playbook against a threat. A threat may have only one
// non-terminal incident at a time.
func (o *Orchestrator) Launch(ctx context.Context, req LaunchRequest) (*models.Incident, *models.Playbook, error) {
	threat, err := o.threats.Get(ctx, req.ThreatID)
	if err != nil {
		return nil, nil, err
	}
	pb, err := o.selectPlaybook(threat, req.PlaybookID)
	if err != nil {
		return nil, nil, err
	}

	unlock := o.threatLocks.Lock(threat.ID.String())
	defer unlock()

	existing, err := o.repo.ActiveIncidentForThreat(ctx, threat.ID)
	switch {
	case err == nil:
		return nil, nil, activeIncidentError(threat.ID, existing.ID)
	case !errors.Is(err, storage.ErrNotFound):
		return nil, nil, apperr.Internal(err, "failed to check active incidents")
	}

	now := o.now()
	inc := &models.Incident{
		ID:              uuid.New(),
		ThreatID:        threat.ID,
		PlaybookID:      pb.ID,
		PlaybookVersion: pb.Version,
		Status:          models.IncidentStatusInitiated,
		StartTime:       now,
		TotalSteps:      len(pb.Steps),
		AssignedAnalyst: req.Analyst,
		EscalationLevel: initialEscalation(threat.RiskScore),
		Steps:           make([]models.StepState, len(pb.Steps)),
	}
	for i, s := range pb.Steps {
		inc.Steps[i] = models.StepState{StepID: s.ID, Status: models.StepStatusPending}
	}
	inc.EstimatedCompletion = estimateCompletion(inc, pb, now)

	if err := o.repo.CreateIncident(ctx, inc); err != nil {
		if errors.Is(err, storage.ErrActiveIncident) {
			return nil, nil, activeIncidentError(threat.ID, uuid.Nil)
		}
		return nil, nil, apperr.Internal(err, "failed to create incident")
	}

	r := newRun(inc, pb)
	o.mu.Lock()
	o.runs[inc.ID] = r
	o.mu.Unlock()

	o.metrics.IncidentTransition(string(inc.Status))
	o.publish(notify.IncidentSubject(string(inc.Status)), inc)
	o.logger.Info("incident launched",
		"incident_id", inc.ID, "threat_id", threat.ID, "playbook_id", pb.ID,
		"playbook_version", pb.Version, "steps", inc.TotalSteps, "analyst", req.Analyst)

	o.wg.Add(1)
	go o.drive(r)

	return inc.Clone(), pb, nil
}

func (o *Orchestrator) selectPlaybook(threat *models.Threat, playbookID string) (*models.Playbook, error) {
	if playbookID != "" {
		pb, err := o.playbooks.GetByID(playbookID)
		if err != nil {
			return nil, err
		}
		if !pb.AppliesTo(threat.ThreatType) {
			return nil, apperr.Validation("playbook %s does not apply to threat type %s", pb.ID, threat.ThreatType).
				With("playbookId", pb.ID).With("threatType", threat.ThreatType)
		}
		return pb, nil
	}

	candidates := o.playbooks.GetByThreatType(threat.ThreatType)
	if len(candidates) == 0 {
		return nil, apperr.NotFound("No playbook applies to threat type %s", threat.ThreatType).
			With("threatType", threat.ThreatType)
	}
	return candidates[0], nil
}

func activeIncidentError(threatID, incidentID uuid.UUID) error {
	err := apperr.Precondition("threat already has an active incident").With("threatId", threatID)
	if incidentID != uuid.Nil {
		err = err.With("incidentId", incidentID)
	}
	return err
}

func initialEscalation(risk int) models.EscalationLevel {
	switch {
	case risk >= 80:
		return models.EscalationHigh
	case risk >= 50:
		return models.EscalationMedium
	default:
		return models.EscalationLow
	}
}

// Get returns the current state of an incident
func (o *Orchestrator) Get(ctx context.Context, id uuid.UUID) (*models.Incident, error) {
	if r := o.lookup(id); r != nil {
		return r.snapshot(), nil
	}
	inc, err := o.repo.GetIncident(ctx, id)
	if err != nil {
		return nil, translate(err, id)
	}
	return inc, nil
}

// List returns incidents matching filter, newest first
func (o *Orchestrator) List(ctx context.Context, filter storage.IncidentFilter) ([]*models.Incident, error) {
	incidents, err := o.repo.ListIncidents(ctx, filter)
	if err != nil {
		return nil, apperr.Internal(err, "failed to list incidents")
	}
	for i, inc := range incidents {
		if r := o.lookup(inc.ID); r != nil {
			incidents[i] = r.snapshot()
		}
	}
	return incidents, nil
}

// Pause suspends dispatch of further steps
func (o *Orchestrator) Pause(ctx context.Context, id uuid.UUID, actor string) (*models.Incident, error) {
	return o.signal(ctx, id, command{op: opPause, actor: actor})
}

// Resume continues a paused incident
func (o *Orchestrator) Resume(ctx context.Context, id uuid.UUID, actor string) (*models.Incident, error) {
	return o.signal(ctx, id, command{op: opResume, actor: actor})
}

// Abort fails the incident, rolling back executed rollbackable steps
func (o *Orchestrator) Abort(ctx context.Context, id uuid.UUID, actor, reason string) (*models.Incident, error) {
	return o.signal(ctx, id, command{op: opAbort, actor: actor, notes: reason})
}

// CompleteStep resolves a manual step awaiting an operator
func (o *Orchestrator) CompleteStep(ctx context.Context, id uuid.UUID, stepID string, success bool, notes, actor string) (*models.Incident, error) {
	if stepID == "" {
		return nil, apperr.Validation("stepId is required")
	}
	return o.signal(ctx, id, command{op: opComplete, stepID: stepID, success: success, notes: notes, actor: actor})
}

// SkipStep marks a pending or awaiting step as skipped
func (o *Orchestrator) SkipStep(ctx context.Context, id uuid.UUID, stepID, notes, actor string) (*models.Incident, error) {
	if stepID == "" {
		return nil, apperr.Validation("stepId is required")
	}
	return o.signal(ctx, id, command{op: opSkip, stepID: stepID, notes: notes, actor: actor})
}

// Escalate raises the escalation level one tier, capped at critical
func (o *Orchestrator) Escalate(ctx context.Context, id uuid.UUID, actor string) (*models.Incident, error) {
	r, err := o.liveRun(ctx, id)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.incident.Status.Terminal() {
		return nil, terminalError(r.incident)
	}
	from := r.incident.EscalationLevel
	r.incident.EscalationLevel = from.Next()
	o.persist(r)
	o.publish(notify.IncidentSubject("escalated"), r.incident)
	o.logger.Info("incident escalated", "incident_id", id, "from", from, "to", r.incident.EscalationLevel, "actor", actor)
	return r.incident.Clone(), nil
}

// Assign sets the analyst responsible for the incident
func (o *Orchestrator) Assign(ctx context.Context, id uuid.UUID, analyst string) (*models.Incident, error) {
	if analyst == "" {
		return nil, apperr.Validation("analyst is required")
	}
	r, err := o.liveRun(ctx, id)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.incident.Status.Terminal() {
		return nil, terminalError(r.incident)
	}
	r.incident.AssignedAnalyst = analyst
	o.persist(r)
	o.logger.Info("incident assigned", "incident_id", id, "analyst", analyst)
	return r.incident.Clone(), nil
}

// Recover fails every non-terminal incident left behind by a previous process
// and returns how many were failed.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	incidents, err := o.repo.ListIncidents(ctx, storage.IncidentFilter{})
	if err != nil {
		return 0, apperr.Internal(err, "failed to list incidents")
	}

	recovered := 0
	for _, inc := range incidents {
		if inc.Status.Terminal() || o.lookup(inc.ID) != nil {
			continue
		}
		const reason = "engine restarted"
		now := o.now()
		inc.Status = models.IncidentStatusFailed
		inc.EndTime = &now
		inc.FailureReason = reason
		inc.EscalationLevel = inc.EscalationLevel.AtLeast(models.EscalationHigh)
		for i := range inc.Steps {
			if inc.Steps[i].Status == models.StepStatusRunning || inc.Steps[i].Status == models.StepStatusAwaiting {
				inc.Steps[i].Status = models.StepStatusFailed
				inc.Steps[i].Error = reason
			}
		}
		if err := o.repo.UpdateIncident(ctx, inc); err != nil {
			return recovered, apperr.Internal(err, "failed to fail orphaned incident %s", inc.ID)
		}
		o.recordFailure(ctx, inc, "", reason, nil)
		o.metrics.IncidentTransition(string(inc.Status))
		o.publish(notify.IncidentSubject(string(inc.Status)), inc)
		o.logger.Warn("orphaned incident failed", "incident_id", inc.ID, "threat_id", inc.ThreatID)
		recovered++
	}
	return recovered, nil
}

// Close stops every driver and waits for them to exit. Live incidents stay
// persisted in their current state.
func (o *Orchestrator) Close() {
	o.cancel()
	o.wg.Wait()
}

// wait blocks until the incident's driver has exited
func (o *Orchestrator) wait(ctx context.Context, id uuid.UUID) error {
	r := o.lookup(id)
	if r == nil {
		return nil
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) lookup(id uuid.UUID) *run {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.runs[id]
}

// liveRun returns the run driving id, or the error explaining why there is none
func (o *Orchestrator) liveRun(ctx context.Context, id uuid.UUID) (*run, error) {
	if r := o.lookup(id); r != nil {
		return r, nil
	}
	inc, err := o.repo.GetIncident(ctx, id)
	if err != nil {
		return nil, translate(err, id)
	}
	if inc.Status.Terminal() {
		return nil, terminalError(inc)
	}
	return nil, apperr.Precondition("incident %s is not driven by this engine", id).With("incidentId", id)
}

func (o *Orchestrator) signal(ctx context.Context, id uuid.UUID, cmd command) (*models.Incident, error) {
	r, err := o.liveRun(ctx, id)
	if err != nil {
		return nil, err
	}
	cmd.reply = make(chan error, 1)

	select {
	case r.ctrl <- cmd:
	case <-r.done:
		return nil, terminalError(r.snapshot())
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case err = <-cmd.reply:
	case <-r.done:
		select {
		case err = <-cmd.reply:
		default:
			return nil, terminalError(r.snapshot())
		}
	}
	if err != nil {
		return nil, err
	}
	return r.snapshot(), nil
}

func (o *Orchestrator) persist(r *run) {
	if err := o.repo.UpdateIncident(context.WithoutCancel(o.ctx), r.incident.Clone()); err != nil {
		o.logger.Error("failed to persist incident", "incident_id", r.incident.ID, "error", err)
	}
}

func (o *Orchestrator) publish(subject string, inc *models.Incident) {
	if err := o.publisher.Publish(context.WithoutCancel(o.ctx), subject, inc.Clone()); err != nil {
		o.logger.Warn("failed to publish incident change", "subject", subject, "incident_id", inc.ID, "error", err)
	}
}

func terminalError(inc *models.Incident) error {
	return apperr.Precondition("incident is %s", inc.Status).
		With("incidentId", inc.ID).With("status", inc.Status)
}

func translate(err error, id uuid.UUID) error {
	if errors.Is(err, storage.ErrNotFound) {
		return apperr.NotFound("Incident not found").With("incidentId", id)
	}
	return apperr.Internal(err, "incident repository failure")
}
