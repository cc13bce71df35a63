package incident

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sentinelops/secops-engine/internal/apperr"
	"github.com/sentinelops/secops-engine/internal/models"
	"github.com/sentinelops/secops-engine/internal/notify"
	"github.com/sentinelops/secops-engine/internal/remediation"
)

type op int

const (
	opPause op = iota
	opResume
	opAbort
	opComplete
	opSkip
)

type command struct {
	op      op
	stepID  string
	success bool
	notes   string
	actor   string
	reply   chan error
}

// executedStep remembers an automated step whose handler succeeded
type executedStep struct {
	index       int
	invocation  remediation.Invocation
	containment bool
}

// run is the live state of one incident. mu guards incident and executed.
type run struct {
	mu       sync.Mutex
	incident *models.Incident
	playbook *models.Playbook
	executed []executedStep

	ctrl chan command
	done chan struct{}
}

func newRun(inc *models.Incident, pb *models.Playbook) *run {
	return &run{
		incident: inc.Clone(),
		playbook: pb,
		ctrl:     make(chan command),
		done:     make(chan struct{}),
	}
}

func (r *run) snapshot() *models.Incident {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.incident.Clone()
}

type dispatch int

const (
	dispatchWait dispatch = iota
	dispatchManual
	dispatchAutomated
	dispatchComplete
)

type stepResult struct {
	outcome *remediation.Outcome
	err     error
}

// drive advances the incident until it reaches a terminal state or the
// orchestrator shuts down.
func (o *Orchestrator) drive(r *run) {
	defer o.finish(r)
	ctx := o.ctx

	for {
		r.mu.Lock()
		status := r.incident.Status
		r.mu.Unlock()
		if status.Terminal() {
			return
		}

		if status == models.IncidentStatusPaused {
			if !o.await(ctx, r) {
				return
			}
			continue
		}

		idx, next := o.next(r)
		switch next {
		case dispatchComplete:
			o.complete(ctx, r)
			return
		case dispatchManual:
			o.awaitOperator(r, idx)
		case dispatchAutomated:
			if !o.runStep(ctx, r, idx) {
				return
			}
		default:
			if !o.await(ctx, r) {
				return
			}
		}
	}
}

func (o *Orchestrator) finish(r *run) {
	o.mu.Lock()
	delete(o.runs, r.incident.ID)
	o.mu.Unlock()
	close(r.done)
	o.wg.Done()
}

// next picks the lowest-order pending step whose dependencies are all
// completed or skipped. Any step awaiting an operator blocks dispatch.
func (o *Orchestrator) next(r *run) (int, dispatch) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inc := r.incident
	if inc.CompletedSteps == inc.TotalSteps {
		return -1, dispatchComplete
	}
	for _, st := range inc.Steps {
		if st.Status == models.StepStatusAwaiting {
			return -1, dispatchWait
		}
	}
	for i, st := range inc.Steps {
		if st.Status != models.StepStatusPending || !o.dependenciesSatisfied(r, i) {
			continue
		}
		if r.playbook.Steps[i].Automated {
			return i, dispatchAutomated
		}
		return i, dispatchManual
	}
	return -1, dispatchWait
}

func (o *Orchestrator) dependenciesSatisfied(r *run, idx int) bool {
	for _, dep := range r.playbook.Steps[idx].Dependencies {
		st := stepState(r.incident, dep)
		if st == nil || !st.Status.Satisfied() {
			return false
		}
	}
	return true
}

// startDispatch moves an initiated incident to running; callers hold r.mu.
func (o *Orchestrator) startDispatch(r *run, idx int) {
	now := o.now()
	if r.incident.Status == models.IncidentStatusInitiated {
		r.incident.Status = models.IncidentStatusRunning
		o.metrics.IncidentTransition(string(r.incident.Status))
		o.publish(notify.IncidentSubject(string(r.incident.Status)), r.incident)
	}
	r.incident.CurrentStepIndex = idx
	r.incident.Steps[idx].StartedAt = &now
}

func (o *Orchestrator) awaitOperator(r *run, idx int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o.startDispatch(r, idx)
	r.incident.Steps[idx].Status = models.StepStatusAwaiting
	r.incident.EstimatedCompletion = estimateCompletion(r.incident, r.playbook, o.now())
	o.persist(r)
	o.logger.Info("step awaiting operator",
		"incident_id", r.incident.ID, "step_id", r.incident.Steps[idx].StepID)
}

// await blocks for one operator command. It reports false on shutdown.
func (o *Orchestrator) await(ctx context.Context, r *run) bool {
	select {
	case cmd := <-r.ctrl:
		o.apply(ctx, r, cmd)
		return true
	case <-ctx.Done():
		return false
	}
}

// runStep executes one automated step as an async task while continuing to
// serve operator commands. It reports false on shutdown.
func (o *Orchestrator) runStep(ctx context.Context, r *run, idx int) bool {
	r.mu.Lock()
	o.startDispatch(r, idx)
	r.incident.Steps[idx].Status = models.StepStatusRunning
	r.incident.EstimatedCompletion = estimateCompletion(r.incident, r.playbook, o.now())
	step := r.playbook.Steps[idx]
	incidentID := r.incident.ID
	inv := remediation.Invocation{
		ThreatID:   r.incident.ThreatID,
		Action:     step.Action,
		Parameters: step.Parameters,
		Actor:      Actor,
		IncidentID: &incidentID,
		StepID:     step.ID,
		Timeout:    step.Timeout,
	}
	if inv.Timeout <= 0 {
		inv.Timeout = o.cfg.StepTimeout
	}
	o.persist(r)
	r.mu.Unlock()

	o.logger.Debug("dispatching step", "incident_id", incidentID, "step_id", step.ID, "action", step.Action)

	stepCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	results := make(chan stepResult, 1)
	go func() {
		out, err := o.executor.Invoke(stepCtx, inv)
		results <- stepResult{outcome: out, err: err}
	}()

	var abort *command
	for {
		select {
		case res := <-results:
			o.finishStep(ctx, r, idx, inv, res, abort)
			return true
		case cmd := <-r.ctrl:
			if cmd.op == opAbort {
				if abort == nil {
					abort = &cmd
					cancel()
				} else {
					cmd.reply <- nil
				}
				continue
			}
			o.apply(ctx, r, cmd)
		case <-ctx.Done():
			return false
		}
	}
}

func (o *Orchestrator) finishStep(ctx context.Context, r *run, idx int, inv remediation.Invocation, res stepResult, abort *command) {
	var failure error
	switch {
	case res.err != nil:
		failure = res.err
	case !res.outcome.Succeeded():
		failure = res.outcome.Err
	}

	r.mu.Lock()
	st := &r.incident.Steps[idx]
	if failure == nil {
		now := o.now()
		st.Status = models.StepStatusCompleted
		st.CompletedAt = &now
		r.executed = append(r.executed, executedStep{index: idx, invocation: inv, containment: res.outcome.Containment})
		recount(r.incident)
		r.incident.EstimatedCompletion = estimateCompletion(r.incident, r.playbook, now)
		if abort == nil {
			o.persist(r)
		}
	}
	r.mu.Unlock()

	switch {
	case abort != nil:
		reason := abortReason(abort)
		if failure != nil {
			o.fail(ctx, r, idx, reason)
		} else {
			o.fail(ctx, r, -1, reason)
		}
		abort.reply <- nil
	case failure != nil:
		o.fail(ctx, r, idx, fmt.Sprintf("step %s failed: %v", inv.StepID, failure))
	default:
		o.logger.Info("step completed", "incident_id", r.incident.ID, "step_id", inv.StepID, "action", inv.Action)
	}
}

// apply handles one operator command outside automated execution.
func (o *Orchestrator) apply(ctx context.Context, r *run, cmd command) {
	switch cmd.op {
	case opAbort:
		o.fail(ctx, r, awaitingIndex(r), abortReason(&cmd))
		cmd.reply <- nil
	case opComplete:
		if failStep, err := o.completeStep(r, cmd); err != nil {
			cmd.reply <- err
		} else if failStep >= 0 {
			o.fail(ctx, r, failStep, fmt.Sprintf("step %s failed: %s", cmd.stepID, orDefault(cmd.notes, "reported by operator")))
			cmd.reply <- nil
		} else {
			cmd.reply <- nil
		}
	default:
		r.mu.Lock()
		err := o.applyLocked(r, cmd)
		r.mu.Unlock()
		cmd.reply <- err
	}
}

func (o *Orchestrator) applyLocked(r *run, cmd command) error {
	inc := r.incident
	switch cmd.op {
	case opPause:
		if inc.Status == models.IncidentStatusPaused {
			return apperr.Precondition("incident is already paused").With("incidentId", inc.ID)
		}
		inc.Status = models.IncidentStatusPaused
	case opResume:
		if inc.Status != models.IncidentStatusPaused {
			return apperr.Precondition("incident is not paused").With("incidentId", inc.ID).With("status", inc.Status)
		}
		inc.Status = models.IncidentStatusRunning
	case opSkip:
		st := stepState(inc, cmd.stepID)
		if st == nil {
			return apperr.NotFound("Step not found").With("incidentId", inc.ID).With("stepId", cmd.stepID)
		}
		if st.Status != models.StepStatusPending && st.Status != models.StepStatusAwaiting {
			return apperr.Precondition("step %s is %s and cannot be skipped", cmd.stepID, st.Status).
				With("incidentId", inc.ID).With("stepId", cmd.stepID)
		}
		now := o.now()
		st.Status = models.StepStatusSkipped
		st.CompletedAt = &now
		st.Notes = cmd.notes
		recount(inc)
		inc.EstimatedCompletion = estimateCompletion(inc, r.playbook, now)
		o.persist(r)
		o.logger.Info("step skipped", "incident_id", inc.ID, "step_id", cmd.stepID, "actor", cmd.actor)
		return nil
	}

	o.persist(r)
	o.metrics.IncidentTransition(string(inc.Status))
	o.publish(notify.IncidentSubject(string(inc.Status)), inc)
	o.logger.Info("incident status changed", "incident_id", inc.ID, "status", inc.Status, "actor", cmd.actor)
	return nil
}

// completeStep resolves an awaiting manual step. It returns the step index
// when the operator reported failure, else -1.
func (o *Orchestrator) completeStep(r *run, cmd command) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inc := r.incident
	idx := stepIndex(inc, cmd.stepID)
	if idx < 0 {
		return -1, apperr.NotFound("Step not found").With("incidentId", inc.ID).With("stepId", cmd.stepID)
	}
	st := &inc.Steps[idx]
	if st.Status != models.StepStatusAwaiting {
		return -1, apperr.Precondition("step %s is %s, not awaiting completion", cmd.stepID, st.Status).
			With("incidentId", inc.ID).With("stepId", cmd.stepID)
	}
	st.Notes = cmd.notes
	if !cmd.success {
		return idx, nil
	}

	now := o.now()
	st.Status = models.StepStatusCompleted
	st.CompletedAt = &now
	recount(inc)
	inc.EstimatedCompletion = estimateCompletion(inc, r.playbook, now)
	o.persist(r)
	o.logger.Info("manual step completed", "incident_id", inc.ID, "step_id", cmd.stepID, "actor", cmd.actor)
	return -1, nil
}

// fail rolls back executed rollbackable steps in reverse order, records one
// failure entry on the threat and moves the incident to failed.
func (o *Orchestrator) fail(ctx context.Context, r *run, idx int, reason string) {
	r.mu.Lock()
	if idx >= 0 {
		r.incident.Steps[idx].Status = models.StepStatusFailed
		r.incident.Steps[idx].Error = reason
	}
	executed := append([]executedStep(nil), r.executed...)
	r.mu.Unlock()

	var rolledBack []string
	rollbackErrs := make(map[int]string)
	for i := len(executed) - 1; i >= 0; i-- {
		ex := executed[i]
		if !r.playbook.Steps[ex.index].Rollbackable {
			continue
		}
		ok, err := o.executor.Rollback(context.WithoutCancel(ctx), ex.invocation)
		if err != nil {
			rollbackErrs[ex.index] = err.Error()
			continue
		}
		if ok {
			rolledBack = append(rolledBack, ex.invocation.StepID)
		}
	}

	r.mu.Lock()
	now := o.now()
	for _, ex := range executed {
		st := &r.incident.Steps[ex.index]
		if msg, failed := rollbackErrs[ex.index]; failed {
			st.Error = msg
		} else if contains(rolledBack, st.StepID) {
			st.Status = models.StepStatusRolledBack
		}
	}
	failedStep := ""
	if idx >= 0 {
		failedStep = r.incident.Steps[idx].StepID
	}
	r.incident.Status = models.IncidentStatusFailed
	r.incident.EndTime = &now
	r.incident.FailureReason = reason
	r.incident.EscalationLevel = r.incident.EscalationLevel.AtLeast(models.EscalationHigh)
	recount(r.incident)
	inc := r.incident.Clone()
	r.mu.Unlock()

	o.recordFailure(ctx, inc, failedStep, reason, rolledBack)

	r.mu.Lock()
	o.persist(r)
	r.mu.Unlock()

	o.metrics.IncidentTransition(string(inc.Status))
	o.publish(notify.IncidentSubject(string(inc.Status)), inc)
	o.logger.Warn("incident failed",
		"incident_id", inc.ID, "threat_id", inc.ThreatID, "reason", reason,
		"rolled_back", rolledBack, "escalation", inc.EscalationLevel)
}

// recordFailure appends the single failure entry for a failed incident
func (o *Orchestrator) recordFailure(ctx context.Context, inc *models.Incident, stepID, reason string, rolledBack []string) {
	incidentID := inc.ID
	params := map[string]any{
		"playbookId":      inc.PlaybookID,
		"playbookVersion": inc.PlaybookVersion,
	}
	if stepID != "" {
		params["stepId"] = stepID
	}
	if len(rolledBack) > 0 {
		params["rolledBack"] = rolledBack
	}
	_, err := o.threats.AppendMitigation(context.WithoutCancel(ctx), inc.ThreatID, models.MitigationAction{
		Action:     "playbook_failure",
		Parameters: params,
		Result:     "failed: " + reason,
		Actor:      Actor,
		IncidentID: &incidentID,
		Timestamp:  o.now(),
	})
	if err != nil {
		o.logger.Error("failed to record incident failure", "incident_id", inc.ID, "error", err)
	}
}

// complete finishes the incident and contains the threat when any executed
// step isolated or blocked it.
func (o *Orchestrator) complete(ctx context.Context, r *run) {
	r.mu.Lock()
	containment := false
	for _, ex := range r.executed {
		containment = containment || ex.containment
	}
	threatID := r.incident.ThreatID
	r.mu.Unlock()

	if containment {
		_, err := o.threats.UpdateStatus(context.WithoutCancel(ctx), threatID, models.ThreatStatusContained, Actor, false)
		if err != nil && !apperr.Is(err, apperr.KindPrecondition) {
			o.logger.Error("failed to contain threat", "threat_id", threatID, "error", err)
		}
	}

	r.mu.Lock()
	now := o.now()
	r.incident.Status = models.IncidentStatusCompleted
	r.incident.EndTime = &now
	r.incident.EstimatedCompletion = now
	o.persist(r)
	inc := r.incident.Clone()
	r.mu.Unlock()

	o.metrics.IncidentTransition(string(inc.Status))
	o.publish(notify.IncidentSubject(string(inc.Status)), inc)
	o.logger.Info("incident completed",
		"incident_id", inc.ID, "threat_id", threatID, "steps", inc.CompletedSteps,
		"duration", now.Sub(inc.StartTime), "contained", containment)
}

func recount(inc *models.Incident) {
	n := 0
	for _, st := range inc.Steps {
		if st.Status.Satisfied() {
			n++
		}
	}
	inc.CompletedSteps = n
}

// estimateCompletion adds the durations of every step not yet done to now
func estimateCompletion(inc *models.Incident, pb *models.Playbook, now time.Time) time.Time {
	var remaining time.Duration
	for i, st := range inc.Steps {
		switch st.Status {
		case models.StepStatusPending, models.StepStatusRunning, models.StepStatusAwaiting:
			remaining += pb.Steps[i].EstimatedDuration
		}
	}
	return now.Add(remaining)
}

func stepIndex(inc *models.Incident, stepID string) int {
	for i, st := range inc.Steps {
		if st.StepID == stepID {
			return i
		}
	}
	return -1
}

func stepState(inc *models.Incident, stepID string) *models.StepState {
	if i := stepIndex(inc, stepID); i >= 0 {
		return &inc.Steps[i]
	}
	return nil
}

func awaitingIndex(r *run) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, st := range r.incident.Steps {
		if st.Status == models.StepStatusAwaiting {
			return i
		}
	}
	return -1
}

func abortReason(cmd *command) string {
	reason := "aborted"
	if cmd.actor != "" {
		reason += " by " + cmd.actor
	}
	if cmd.notes != "" {
		reason += ": " + cmd.notes
	}
	return reason
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
