package incident

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sentinelops/secops-engine/internal/apperr"
	"github.com/sentinelops/secops-engine/internal/logging"
	"github.com/sentinelops/secops-engine/internal/models"
	"github.com/sentinelops/secops-engine/internal/notify"
	"github.com/sentinelops/secops-engine/internal/playbook"
	"github.com/sentinelops/secops-engine/internal/remediation"
	"github.com/sentinelops/secops-engine/internal/storage"
	"github.com/sentinelops/secops-engine/internal/threats"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testHandler records executions and rollbacks in a shared journal
type testHandler struct {
	name        string
	containment bool
	fail        bool
	hang        bool
	gate        chan struct{}
	jitter      bool
	journal     *journal
}

func (h *testHandler) Name() string      { return h.name }
func (h *testHandler) Containment() bool { return h.containment }

func (h *testHandler) Execute(ctx context.Context, req *remediation.Request) (*remediation.Result, error) {
	if h.gate != nil {
		select {
		case <-h.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if h.hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if h.jitter {
		time.Sleep(time.Duration(rand.Intn(3)) * time.Millisecond)
	}
	h.journal.add("exec:" + req.StepID)
	if h.fail {
		return nil, errors.New("handler exploded")
	}
	return &remediation.Result{Summary: "ok"}, nil
}

func (h *testHandler) Rollback(ctx context.Context, req *remediation.Request) error {
	h.journal.add("rollback:" + req.StepID)
	return nil
}

type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(s string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, s)
}

func (j *journal) all() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

type env struct {
	orch      *Orchestrator
	threats   *threats.Registry
	catalog   *playbook.Catalog
	store     *storage.MemoryStore
	publisher *notify.MemoryPublisher
	journal   *journal
	gate      chan struct{}
}

func newEnv(t *testing.T) *env {
	t.Helper()
	logger := logging.Discard()
	store := storage.NewMemoryStore()
	pub := &notify.MemoryPublisher{}
	reg := threats.NewRegistry(store, pub, logger)
	j := &journal{}
	gate := make(chan struct{})

	handlers := remediation.NewRegistry()
	for _, h := range []*testHandler{
		{name: "ok", journal: j},
		{name: "contain", containment: true, journal: j},
		{name: "boom", fail: true, journal: j},
		{name: "hang", hang: true, journal: j},
		{name: "gate", containment: true, gate: gate, journal: j},
		{name: "jitter", jitter: true, journal: j},
	} {
		require.NoError(t, handlers.Register(h))
	}
	service := remediation.NewService(handlers, reg, time.Second, nil, logger)

	catalog := playbook.NewCatalog(logger)
	catalog.SetActionValidator(handlers.Has)

	orch := New(store, reg, catalog, service, pub, nil, logger, Config{StepTimeout: time.Second})
	t.Cleanup(orch.Close)

	return &env{orch: orch, threats: reg, catalog: catalog, store: store, publisher: pub, journal: j, gate: gate}
}

func (e *env) threat(t *testing.T, threatType string, risk int) *models.Threat {
	t.Helper()
	th, err := e.threats.Create(context.Background(), &models.Threat{
		EventIDs: []uuid.UUID{uuid.New()}, ThreatType: threatType, Confidence: 80, RiskScore: risk,
		AffectedAssets: []string{"10.0.0.5"},
	})
	require.NoError(t, err)
	return th
}

func (e *env) register(t *testing.T, id string, steps ...models.Step) *models.Playbook {
	t.Helper()
	for i := range steps {
		steps[i].Order = i + 1
		if steps[i].Title == "" {
			steps[i].Title = steps[i].ID
		}
	}
	pb, err := e.catalog.Register(&models.Playbook{ID: id, Name: id, ThreatTypes: []string{"malware"}, Steps: steps})
	require.NoError(t, err)
	return pb
}

func (e *env) launch(t *testing.T, threatID uuid.UUID, playbookID string) *models.Incident {
	t.Helper()
	inc, _, err := e.orch.Launch(context.Background(), LaunchRequest{ThreatID: threatID, PlaybookID: playbookID, Analyst: "alice"})
	require.NoError(t, err)
	return inc
}

func (e *env) waitDone(t *testing.T, id uuid.UUID) *models.Incident {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.orch.wait(ctx, id))
	inc, err := e.orch.Get(context.Background(), id)
	require.NoError(t, err)
	return inc
}

func (e *env) waitForStep(t *testing.T, id uuid.UUID, stepID string, status models.StepStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		inc, err := e.orch.Get(context.Background(), id)
		if err != nil {
			return false
		}
		st := stepState(inc, stepID)
		return st != nil && st.Status == status
	}, 5*time.Second, 2*time.Millisecond, "step %s never reached %s", stepID, status)
}

func auto(id, action string, deps ...string) models.Step {
	return models.Step{ID: id, Action: action, Automated: true, EstimatedDuration: time.Minute, Dependencies: deps}
}

func manual(id string, deps ...string) models.Step {
	return models.Step{ID: id, Action: "analyst_review", EstimatedDuration: time.Minute, Dependencies: deps}
}

func rollbackable(s models.Step) models.Step {
	s.Rollbackable = true
	return s
}

func assertDependenciesHonoured(t *testing.T, inc *models.Incident, pb *models.Playbook) {
	t.Helper()
	for i, step := range pb.Steps {
		st := inc.Steps[i]
		if st.Status != models.StepStatusCompleted {
			continue
		}
		require.NotNil(t, st.StartedAt, step.ID)
		for _, dep := range step.Dependencies {
			ds := stepState(inc, dep)
			require.NotNil(t, ds)
			require.True(t, ds.Status.Satisfied(), "%s completed before dependency %s", step.ID, dep)
			require.NotNil(t, ds.CompletedAt)
			assert.False(t, ds.CompletedAt.After(*st.StartedAt), "%s started before %s finished", step.ID, dep)
		}
	}
}

func TestLaunch_FullyAutomatedABC(t *testing.T) {
	e := newEnv(t)
	pb := e.register(t, "abc", auto("A", "ok"), auto("B", "ok", "A"), auto("C", "ok", "A"))
	th := e.threat(t, "malware", 60)

	inc := e.launch(t, th.ID, "abc")
	assert.Equal(t, 3, inc.TotalSteps)
	assert.Equal(t, 1, inc.PlaybookVersion)

	done := e.waitDone(t, inc.ID)
	assert.Equal(t, models.IncidentStatusCompleted, done.Status)
	assert.Equal(t, 3, done.CompletedSteps)
	require.NotNil(t, done.EndTime)
	assertDependenciesHonoured(t, done, pb)
	assert.Equal(t, "exec:A", e.journal.all()[0])

	got, err := e.threats.Get(context.Background(), th.ID)
	require.NoError(t, err)
	assert.Len(t, got.MitigationActions, 3)
	assert.Equal(t, models.ThreatStatusActive, got.Status)

	subjects := e.publisher.Subjects()
	assert.Contains(t, subjects, notify.IncidentSubject("initiated"))
	assert.Contains(t, subjects, notify.IncidentSubject("running"))
	assert.Contains(t, subjects, notify.IncidentSubject("completed"))
}

func TestLaunch_SelectsPlaybookByThreatType(t *testing.T) {
	e := newEnv(t)
	e.register(t, "only", auto("A", "ok"))
	th := e.threat(t, "malware", 60)

	inc, pb, err := e.orch.Launch(context.Background(), LaunchRequest{ThreatID: th.ID})
	require.NoError(t, err)
	assert.Equal(t, "only", pb.ID)
	assert.Equal(t, "only", inc.PlaybookID)
	e.waitDone(t, inc.ID)
}

func TestLaunch_Errors(t *testing.T) {
	e := newEnv(t)
	e.register(t, "malware-only", auto("A", "ok"))
	ctx := context.Background()

	_, _, err := e.orch.Launch(ctx, LaunchRequest{ThreatID: uuid.New()})
	assert.True(t, apperr.Is(err, apperr.KindNotFound))

	th := e.threat(t, "malware", 60)
	_, _, err = e.orch.Launch(ctx, LaunchRequest{ThreatID: th.ID, PlaybookID: "missing"})
	assert.True(t, apperr.Is(err, apperr.KindNotFound))

	phish := e.threat(t, "phishing", 60)
	_, _, err = e.orch.Launch(ctx, LaunchRequest{ThreatID: phish.ID})
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
	_, _, err = e.orch.Launch(ctx, LaunchRequest{ThreatID: phish.ID, PlaybookID: "malware-only"})
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestLaunch_ConcurrentLaunchesOneActive(t *testing.T) {
	e := newEnv(t)
	e.register(t, "gated", auto("G", "gate"))
	th := e.threat(t, "malware", 60)

	const n = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		launched  []uuid.UUID
		conflicts int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			inc, _, err := e.orch.Launch(context.Background(), LaunchRequest{ThreatID: th.ID, PlaybookID: "gated"})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				assert.True(t, apperr.Is(err, apperr.KindPrecondition), err.Error())
				conflicts++
				return
			}
			launched = append(launched, inc.ID)
		}()
	}
	wg.Wait()

	require.Len(t, launched, 1)
	assert.Equal(t, n-1, conflicts)

	close(e.gate)
	done := e.waitDone(t, launched[0])
	assert.Equal(t, models.IncidentStatusCompleted, done.Status)

	// a terminal incident no longer blocks a new launch
	next := e.launch(t, th.ID, "gated")
	e.waitDone(t, next.ID)
}

func TestCompletion_ContainsThreat(t *testing.T) {
	e := newEnv(t)
	e.register(t, "contain", auto("isolate", "contain"), auto("notify", "ok", "isolate"))
	th := e.threat(t, "malware", 60)

	done := e.waitDone(t, e.launch(t, th.ID, "contain").ID)
	assert.Equal(t, models.IncidentStatusCompleted, done.Status)

	got, err := e.threats.Get(context.Background(), th.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ThreatStatusContained, got.Status)
}

func TestCompletion_NeverRegressesResolvedThreat(t *testing.T) {
	e := newEnv(t)
	e.register(t, "gated", auto("G", "gate"))
	th := e.threat(t, "malware", 60)
	inc := e.launch(t, th.ID, "gated")

	e.waitForStep(t, inc.ID, "G", models.StepStatusRunning)
	_, err := e.threats.UpdateStatus(context.Background(), th.ID, models.ThreatStatusResolved, "lead", false)
	require.NoError(t, err)
	close(e.gate)

	done := e.waitDone(t, inc.ID)
	assert.Equal(t, models.IncidentStatusCompleted, done.Status)
	got, err := e.threats.Get(context.Background(), th.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ThreatStatusResolved, got.Status)
}

func TestFailure_RollsBackInReverseOrder(t *testing.T) {
	e := newEnv(t)
	e.register(t, "rollback",
		rollbackable(auto("s1", "contain")),
		auto("s2", "ok", "s1"),
		rollbackable(auto("s3", "contain", "s2")),
		auto("s4", "boom", "s3"),
		auto("s5", "ok", "s4"),
	)
	th := e.threat(t, "malware", 60)

	done := e.waitDone(t, e.launch(t, th.ID, "rollback").ID)
	assert.Equal(t, models.IncidentStatusFailed, done.Status)
	assert.Equal(t, models.EscalationHigh, done.EscalationLevel)
	assert.Contains(t, done.FailureReason, "s4")

	statuses := make(map[string]models.StepStatus)
	for _, st := range done.Steps {
		statuses[st.StepID] = st.Status
	}
	assert.Equal(t, map[string]models.StepStatus{
		"s1": models.StepStatusRolledBack,
		"s2": models.StepStatusCompleted,
		"s3": models.StepStatusRolledBack,
		"s4": models.StepStatusFailed,
		"s5": models.StepStatusPending,
	}, statuses)

	assert.Equal(t, []string{"exec:s1", "exec:s2", "exec:s3", "exec:s4", "rollback:s3", "rollback:s1"}, e.journal.all())

	got, err := e.threats.Get(context.Background(), th.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ThreatStatusActive, got.Status)
	require.Len(t, got.MitigationActions, 5)
	last := got.MitigationActions[4]
	assert.Equal(t, "playbook_failure", last.Action)
	require.NotNil(t, last.IncidentID)
	assert.Equal(t, done.ID, *last.IncidentID)
}

func TestFailure_TimeoutFailsStep(t *testing.T) {
	e := newEnv(t)
	step := auto("slow", "hang")
	step.Timeout = 20 * time.Millisecond
	e.register(t, "timeout", step)
	th := e.threat(t, "malware", 90)

	done := e.waitDone(t, e.launch(t, th.ID, "timeout").ID)
	assert.Equal(t, models.IncidentStatusFailed, done.Status)
	assert.Equal(t, models.StepStatusFailed, done.Steps[0].Status)
	assert.Contains(t, done.Steps[0].Error, "did not finish")
	// already high from the threat's risk; failure keeps it at least high
	assert.Equal(t, models.EscalationHigh, done.EscalationLevel)
}

func TestManualStep_BlocksUntilCompleted(t *testing.T) {
	e := newEnv(t)
	pb := e.register(t, "manual", auto("A", "ok"), manual("M", "A"), auto("B", "ok", "M"))
	th := e.threat(t, "malware", 60)
	inc := e.launch(t, th.ID, "manual")
	ctx := context.Background()

	e.waitForStep(t, inc.ID, "M", models.StepStatusAwaiting)
	current, err := e.orch.Get(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.IncidentStatusRunning, current.Status)
	assert.Equal(t, 1, current.CompletedSteps)

	_, err = e.orch.CompleteStep(ctx, inc.ID, "B", true, "", "alice")
	assert.True(t, apperr.Is(err, apperr.KindPrecondition))
	_, err = e.orch.CompleteStep(ctx, inc.ID, "nope", true, "", "alice")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))

	_, err = e.orch.CompleteStep(ctx, inc.ID, "M", true, "looks clean", "alice")
	require.NoError(t, err)

	done := e.waitDone(t, inc.ID)
	assert.Equal(t, models.IncidentStatusCompleted, done.Status)
	assert.Equal(t, 3, done.CompletedSteps)
	assert.Equal(t, "looks clean", stepState(done, "M").Notes)
	assertDependenciesHonoured(t, done, pb)
}

func TestManualStep_FailureFailsIncident(t *testing.T) {
	e := newEnv(t)
	e.register(t, "manual", rollbackable(auto("A", "contain")), manual("M", "A"))
	th := e.threat(t, "malware", 40)
	inc := e.launch(t, th.ID, "manual")

	e.waitForStep(t, inc.ID, "M", models.StepStatusAwaiting)
	got, err := e.orch.CompleteStep(context.Background(), inc.ID, "M", false, "host still beaconing", "alice")
	require.NoError(t, err)
	assert.Equal(t, models.IncidentStatusFailed, got.Status)
	assert.Equal(t, models.EscalationHigh, got.EscalationLevel)
	assert.Equal(t, models.StepStatusRolledBack, stepState(got, "A").Status)
	assert.Equal(t, models.StepStatusFailed, stepState(got, "M").Status)
}

func TestSkipStep_CountsTowardCompletion(t *testing.T) {
	e := newEnv(t)
	e.register(t, "skip", auto("A", "ok"), manual("M", "A"), auto("B", "ok", "M"))
	th := e.threat(t, "malware", 60)
	inc := e.launch(t, th.ID, "skip")

	e.waitForStep(t, inc.ID, "M", models.StepStatusAwaiting)
	_, err := e.orch.SkipStep(context.Background(), inc.ID, "M", "not needed", "alice")
	require.NoError(t, err)

	done := e.waitDone(t, inc.ID)
	assert.Equal(t, models.IncidentStatusCompleted, done.Status)
	assert.Equal(t, done.TotalSteps, done.CompletedSteps)
	assert.Equal(t, models.StepStatusSkipped, stepState(done, "M").Status)
	assert.Equal(t, models.StepStatusCompleted, stepState(done, "B").Status)
}

func TestPauseResume(t *testing.T) {
	e := newEnv(t)
	e.register(t, "pause", auto("G", "gate"), auto("A", "ok", "G"))
	th := e.threat(t, "malware", 60)
	inc := e.launch(t, th.ID, "pause")
	ctx := context.Background()

	e.waitForStep(t, inc.ID, "G", models.StepStatusRunning)
	paused, err := e.orch.Pause(ctx, inc.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.IncidentStatusPaused, paused.Status)

	_, err = e.orch.Pause(ctx, inc.ID, "alice")
	assert.True(t, apperr.Is(err, apperr.KindPrecondition))

	// the running step still finishes, nothing further is dispatched
	close(e.gate)
	e.waitForStep(t, inc.ID, "G", models.StepStatusCompleted)
	time.Sleep(20 * time.Millisecond)
	current, err := e.orch.Get(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.IncidentStatusPaused, current.Status)
	assert.Equal(t, models.StepStatusPending, stepState(current, "A").Status)

	_, err = e.orch.Resume(ctx, inc.ID, "alice")
	require.NoError(t, err)
	done := e.waitDone(t, inc.ID)
	assert.Equal(t, models.IncidentStatusCompleted, done.Status)

	_, err = e.orch.Resume(ctx, inc.ID, "alice")
	assert.True(t, apperr.Is(err, apperr.KindPrecondition))
}

func TestEscalate_CapsAtCritical(t *testing.T) {
	e := newEnv(t)
	e.register(t, "esc", manual("M"))
	th := e.threat(t, "malware", 10)
	inc := e.launch(t, th.ID, "esc")
	ctx := context.Background()
	assert.Equal(t, models.EscalationLow, inc.EscalationLevel)

	want := []models.EscalationLevel{
		models.EscalationMedium, models.EscalationHigh, models.EscalationCritical, models.EscalationCritical,
	}
	for _, level := range want {
		got, err := e.orch.Escalate(ctx, inc.ID, "alice")
		require.NoError(t, err)
		assert.Equal(t, level, got.EscalationLevel)
	}

	assigned, err := e.orch.Assign(ctx, inc.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, "bob", assigned.AssignedAnalyst)

	_, err = e.orch.Abort(ctx, inc.ID, "alice", "")
	require.NoError(t, err)
	e.waitDone(t, inc.ID)

	_, err = e.orch.Escalate(ctx, inc.ID, "alice")
	assert.True(t, apperr.Is(err, apperr.KindPrecondition))
	_, err = e.orch.Escalate(ctx, uuid.New(), "alice")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestEscalate_DuringAutomatedStep(t *testing.T) {
	e := newEnv(t)
	e.register(t, "gated", auto("G", "gate"))
	th := e.threat(t, "malware", 60)
	inc := e.launch(t, th.ID, "gated")

	e.waitForStep(t, inc.ID, "G", models.StepStatusRunning)
	got, err := e.orch.Escalate(context.Background(), inc.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.EscalationHigh, got.EscalationLevel)

	close(e.gate)
	done := e.waitDone(t, inc.ID)
	assert.Equal(t, models.IncidentStatusCompleted, done.Status)
	assert.Equal(t, models.EscalationHigh, done.EscalationLevel)
}

func TestAbort_WhileAwaitingRollsBackExecuted(t *testing.T) {
	e := newEnv(t)
	e.register(t, "abort", rollbackable(auto("A", "contain")), auto("B", "ok", "A"), manual("M", "B"))
	th := e.threat(t, "malware", 60)
	inc := e.launch(t, th.ID, "abort")

	e.waitForStep(t, inc.ID, "M", models.StepStatusAwaiting)
	got, err := e.orch.Abort(context.Background(), inc.ID, "alice", "false positive")
	require.NoError(t, err)

	assert.Equal(t, models.IncidentStatusFailed, got.Status)
	assert.Contains(t, got.FailureReason, "false positive")
	assert.Equal(t, models.StepStatusRolledBack, stepState(got, "A").Status)
	assert.Equal(t, models.StepStatusCompleted, stepState(got, "B").Status)
	assert.Equal(t, []string{"exec:A", "exec:B", "rollback:A"}, e.journal.all())

	_, err = e.orch.Abort(context.Background(), inc.ID, "alice", "")
	assert.True(t, apperr.Is(err, apperr.KindPrecondition))
}

func TestAbort_CancelsRunningStep(t *testing.T) {
	e := newEnv(t)
	step := auto("slow", "hang", "A")
	step.Timeout = time.Minute
	e.register(t, "abort", rollbackable(auto("A", "contain")), step)
	th := e.threat(t, "malware", 60)
	inc := e.launch(t, th.ID, "abort")

	e.waitForStep(t, inc.ID, "slow", models.StepStatusRunning)
	got, err := e.orch.Abort(context.Background(), inc.ID, "alice", "")
	require.NoError(t, err)
	assert.Equal(t, models.IncidentStatusFailed, got.Status)
	assert.Equal(t, models.StepStatusFailed, stepState(got, "slow").Status)
	assert.Equal(t, models.StepStatusRolledBack, stepState(got, "A").Status)
}

func TestRandomizedDAGsHonourDependencies(t *testing.T) {
	e := newEnv(t)
	rng := rand.New(rand.NewSource(42))

	type launched struct {
		inc *models.Incident
		pb  *models.Playbook
	}
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		all []launched
	)
	for p := 0; p < 15; p++ {
		n := 3 + rng.Intn(5)
		steps := make([]models.Step, n)
		for i := range steps {
			var deps []string
			for j := 0; j < i; j++ {
				if rng.Intn(3) == 0 {
					deps = append(deps, fmt.Sprintf("s%d", j))
				}
			}
			steps[i] = auto(fmt.Sprintf("s%d", i), "jitter", deps...)
		}
		pb := e.register(t, fmt.Sprintf("dag-%d", p), steps...)
		th := e.threat(t, "malware", 60)

		wg.Add(1)
		go func() {
			defer wg.Done()
			inc, _, err := e.orch.Launch(context.Background(), LaunchRequest{ThreatID: th.ID, PlaybookID: pb.ID})
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			all = append(all, launched{inc: inc, pb: pb})
			mu.Unlock()
		}()
	}
	wg.Wait()

	for _, l := range all {
		done := e.waitDone(t, l.inc.ID)
		assert.Equal(t, models.IncidentStatusCompleted, done.Status)
		assert.Equal(t, len(l.pb.Steps), done.CompletedSteps)
		assertDependenciesHonoured(t, done, l.pb)
	}
}

func TestRecover_FailsOrphanedIncidents(t *testing.T) {
	e := newEnv(t)
	th := e.threat(t, "malware", 60)
	ctx := context.Background()

	orphan := &models.Incident{
		ID: uuid.New(), ThreatID: th.ID, PlaybookID: "gone", PlaybookVersion: 1,
		Status: models.IncidentStatusRunning, StartTime: time.Now().Add(-time.Hour), TotalSteps: 1,
		EscalationLevel: models.EscalationLow,
		Steps:           []models.StepState{{StepID: "x", Status: models.StepStatusRunning}},
	}
	require.NoError(t, e.store.CreateIncident(ctx, orphan))

	_, err := e.orch.Pause(ctx, orphan.ID, "alice")
	assert.True(t, apperr.Is(err, apperr.KindPrecondition))

	n, err := e.orch.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := e.orch.Get(ctx, orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.IncidentStatusFailed, got.Status)
	assert.Equal(t, "engine restarted", got.FailureReason)
	assert.Equal(t, models.EscalationHigh, got.EscalationLevel)
	assert.Equal(t, models.StepStatusFailed, got.Steps[0].Status)

	threat, err := e.threats.Get(ctx, th.ID)
	require.NoError(t, err)
	require.Len(t, threat.MitigationActions, 1)
	assert.Equal(t, "playbook_failure", threat.MitigationActions[0].Action)

	n, err = e.orch.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestList_FiltersByThreat(t *testing.T) {
	e := newEnv(t)
	e.register(t, "one", auto("A", "ok"))
	first := e.threat(t, "malware", 60)
	second := e.threat(t, "malware", 60)
	a := e.launch(t, first.ID, "one")
	b := e.launch(t, second.ID, "one")
	e.waitDone(t, a.ID)
	e.waitDone(t, b.ID)

	list, err := e.orch.List(context.Background(), storage.IncidentFilter{ThreatID: first.ID})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, a.ID, list[0].ID)
}
