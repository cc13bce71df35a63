package remediation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sentinelops/secops-engine/internal/apperr"
	"github.com/sentinelops/secops-engine/internal/metrics"
	"github.com/sentinelops/secops-engine/internal/models"
)

// ThreatStore is the part of the threat registry the service needs
type ThreatStore interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Threat, error)
	AppendMitigation(ctx context.Context, id uuid.UUID, action models.MitigationAction) (*models.Threat, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status models.ThreatStatus, actor string, override bool) (*models.Threat, error)
}

// Invocation describes one response action run against a threat
type Invocation struct {
	ThreatID   uuid.UUID
	Action     string
	Parameters map[string]any
	Actor      string
	IncidentID *uuid.UUID
	StepID     string
	Timeout    time.Duration
}

// Outcome reports how an invocation went. Err holds the handler failure,
// which is recorded on the threat rather than returned.
type Outcome struct {
	Threat      *models.Threat
	Entry       models.MitigationAction
	Result      *Result
	Containment bool
	Err         error
	Duration    time.Duration
}

// Succeeded reports whether the handler ran without error
func (o *Outcome) Succeeded() bool {
	return o.Err == nil
}

// Service executes response actions and records them on threats
type Service struct {
	registry *Registry
	threats  ThreatStore
	timeout  time.Duration
	metrics  *metrics.Collectors
	logger   *slog.Logger
}

// NewService creates a service bounding each action by defaultTimeout
func NewService(registry *Registry, threats ThreatStore, defaultTimeout time.Duration, collectors *metrics.Collectors, logger *slog.Logger) *Service {
	if defaultTimeout <= 0 {
		defaultTimeout = 2 * time.Minute
	}
	return &Service{
		registry: registry,
		threats:  threats,
		timeout:  defaultTimeout,
		metrics:  collectors,
		logger:   logger,
	}
}

// Registry returns the handler registry
func (s *Service) Registry() *Registry {
	return s.registry
}

// Invoke runs the handler and appends exactly one mitigation entry. It only
// returns an error when the action or threat is unknown or the entry cannot
// be recorded.
func (s *Service) Invoke(ctx context.Context, inv Invocation) (*Outcome, error) {
	handler, ok := s.registry.Get(inv.Action)
	if !ok {
		return nil, apperr.Validation("unknown response action: %s", inv.Action).
			With("responseAction", inv.Action).With("supportedActions", s.registry.Names())
	}
	threat, err := s.threats.Get(ctx, inv.ThreatID)
	if err != nil {
		return nil, err
	}

	req := &Request{
		Threat:     threat,
		Action:     inv.Action,
		Parameters: inv.Parameters,
		Actor:      inv.Actor,
		IncidentID: inv.IncidentID,
		StepID:     inv.StepID,
	}

	timeout := inv.Timeout
	if timeout <= 0 {
		timeout = s.timeout
	}
	start := time.Now()
	result, execErr := s.execute(ctx, handler, req, timeout)
	elapsed := time.Since(start)

	params := inv.Parameters
	if inv.StepID != "" {
		params = make(map[string]any, len(inv.Parameters)+1)
		for k, v := range inv.Parameters {
			params[k] = v
		}
		params["stepId"] = inv.StepID
	}

	entry := models.MitigationAction{
		ID:         uuid.New(),
		Action:     inv.Action,
		Parameters: params,
		Result:     models.MitigationResultSuccess,
		Actor:      inv.Actor,
		IncidentID: inv.IncidentID,
		Timestamp:  time.Now(),
	}
	outcome := "success"
	if execErr != nil {
		entry.Result = "failed: " + execErr.Error()
		outcome = "failed"
	}

	// the entry is recorded even when the caller's context has been cancelled
	updated, err := s.threats.AppendMitigation(context.WithoutCancel(ctx), inv.ThreatID, entry)
	if err != nil {
		return nil, err
	}

	s.metrics.ResponseAction(inv.Action, outcome)
	s.metrics.ObserveStep(inv.Action, outcome, elapsed)
	s.logger.Info("response action executed",
		"threat_id", inv.ThreatID, "action", inv.Action, "result", outcome,
		"actor", inv.Actor, "duration", elapsed, "error", execErr)

	var wrapped error
	if execErr != nil {
		wrapped = apperr.Execution(execErr, "response action %s failed", inv.Action)
	}
	return &Outcome{
		Threat:      updated,
		Entry:       entry,
		Result:      result,
		Containment: handler.Containment(),
		Err:         wrapped,
		Duration:    elapsed,
	}, nil
}

// execute runs the handler as a task bounded by timeout
func (s *Service) execute(ctx context.Context, h Handler, req *Request, timeout time.Duration) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type taskResult struct {
		res *Result
		err error
	}
	done := make(chan taskResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- taskResult{err: fmt.Errorf("handler panic: %v", r)}
			}
		}()
		res, err := h.Execute(ctx, req)
		done <- taskResult{res: res, err: err}
	}()

	select {
	case r := <-done:
		return r.res, r.err
	case <-ctx.Done():
		return nil, fmt.Errorf("action %s did not finish within %s: %w", h.Name(), timeout, ctx.Err())
	}
}

// Respond invokes an action on behalf of an operator and, when a containment
// action succeeds, moves the threat to contained.
func (s *Service) Respond(ctx context.Context, threatID uuid.UUID, action string, params map[string]any, actor string) (*Outcome, error) {
	out, err := s.Invoke(ctx, Invocation{ThreatID: threatID, Action: action, Parameters: params, Actor: actor})
	if err != nil {
		return nil, err
	}
	if !out.Succeeded() || !out.Containment {
		return out, nil
	}

	updated, err := s.threats.UpdateStatus(ctx, threatID, models.ThreatStatusContained, actor, false)
	switch {
	case err == nil:
		out.Threat = updated
	case apperr.Is(err, apperr.KindPrecondition):
		// already resolved; containment never regresses it
	default:
		return nil, err
	}
	return out, nil
}

// Rollback undoes a previous invocation when its handler supports it.
// It reports false when the action cannot be rolled back.
func (s *Service) Rollback(ctx context.Context, inv Invocation) (bool, error) {
	handler, ok := s.registry.Get(inv.Action)
	if !ok {
		return false, nil
	}
	rb, ok := handler.(Rollbacker)
	if !ok {
		return false, nil
	}
	threat, err := s.threats.Get(ctx, inv.ThreatID)
	if err != nil {
		return false, err
	}

	timeout := inv.Timeout
	if timeout <= 0 {
		timeout = s.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err = rb.Rollback(ctx, &Request{
		Threat:     threat,
		Action:     inv.Action,
		Parameters: inv.Parameters,
		Actor:      inv.Actor,
		IncidentID: inv.IncidentID,
		StepID:     inv.StepID,
	})
	if err != nil {
		s.logger.Warn("rollback failed", "threat_id", inv.ThreatID, "action", inv.Action, "error", err)
		return true, fmt.Errorf("rollback of %s failed: %w", inv.Action, err)
	}
	s.logger.Info("action rolled back", "threat_id", inv.ThreatID, "action", inv.Action)
	return true, nil
}
