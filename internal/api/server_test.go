package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sentinelops/secops-engine/internal/config"
	"github.com/sentinelops/secops-engine/internal/detection"
	"github.com/sentinelops/secops-engine/internal/incident"
	"github.com/sentinelops/secops-engine/internal/ingestion"
	"github.com/sentinelops/secops-engine/internal/logging"
	"github.com/sentinelops/secops-engine/internal/metrics"
	"github.com/sentinelops/secops-engine/internal/models"
	"github.com/sentinelops/secops-engine/internal/notify"
	"github.com/sentinelops/secops-engine/internal/playbook"
	"github.com/sentinelops/secops-engine/internal/remediation"
	"github.com/sentinelops/secops-engine/internal/storage"
	"github.com/sentinelops/secops-engine/internal/threats"
	"github.com/sentinelops/secops-engine/pkg/responder"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	server    *Server
	handler   http.Handler
	store     *storage.MemoryStore
	ingestor  *ingestion.Ingestor
	threats   *threats.Registry
	incidents *incident.Orchestrator
}

func testConfig() *config.Config {
	return &config.Config{
		Server:        config.ServerConfig{Host: "127.0.0.1", Port: "0", APIPrefix: "/api/v1"},
		Observability: config.ObservabilityConfig{PrometheusEnabled: true},
	}
}

func newTestEnv(t *testing.T, cfg *config.Config, checks map[string]HealthCheck) *testEnv {
	t.Helper()
	logger := logging.Discard()
	store := storage.NewMemoryStore()
	collectors := metrics.NewCollectors()
	registry := threats.NewRegistry(store, notify.NopPublisher{}, logger)

	scorer := detection.NewScorer(detection.DefaultRiskThreshold)
	engine, err := detection.NewEngine(scorer, registry, 256, collectors, logger)
	require.NoError(t, err)
	ingestor := ingestion.NewIngestor(store, collectors, logger)
	ingestor.SetProcessor(ingestion.NewProcessor(engine, logger))

	handlers := remediation.NewRegistry()
	require.NoError(t, remediation.RegisterDefaults(handlers, remediation.Dependencies{
		Responder: responder.NewClient("", ""),
		Blocklist: remediation.NewMemoryBlocklist(),
		Publisher: notify.NopPublisher{},
		BlockTTL:  time.Hour,
		Logger:    logger,
	}))
	responses := remediation.NewService(handlers, registry, time.Second, collectors, logger)

	catalog := playbook.NewCatalog(logger)
	catalog.SetActionValidator(handlers.Has)
	require.NoError(t, catalog.RegisterBuiltIns())

	orch := incident.New(store, registry, catalog, responses, notify.NopPublisher{}, collectors, logger,
		incident.Config{StepTimeout: time.Second})
	t.Cleanup(orch.Close)

	srv := NewServer(cfg, Services{
		Events:     ingestor,
		Scorer:     scorer,
		Threats:    registry,
		Playbooks:  catalog,
		Responses:  responses,
		Incidents:  orch,
		Aggregator: metrics.NewAggregator(store, store, store, collectors, logger),
		Collectors: collectors,
		Checks:     checks,
	}, logger)

	return &testEnv{server: srv, handler: srv.Handler(), store: store, ingestor: ingestor, threats: registry, incidents: orch}
}

func (e *testEnv) do(t *testing.T, method, action string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	return e.doRaw(t, method, "/api/v1/security?"+action, body, nil)
}

func (e *testEnv) doRaw(t *testing.T, method, target string, body any, header http.Header) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)

	var decoded map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	}
	return rec, decoded
}

func (e *testEnv) seedThreat(t *testing.T, threatType string, risk int) *models.Threat {
	t.Helper()
	th, err := e.threats.Create(context.Background(), &models.Threat{
		EventIDs: []uuid.UUID{uuid.New()}, ThreatType: threatType, Confidence: 80, RiskScore: risk,
		AffectedAssets: []string{"10.0.0.5"},
	})
	require.NoError(t, err)
	return th
}

func TestDispatch_MissingAndUnknownAction(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)

	for _, query := range []string{"", "action=bogus"} {
		rec, body := env.do(t, http.MethodGet, query, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "validation", body["kind"])
		ctx := body["context"].(map[string]any)
		assert.Contains(t, ctx["supportedActions"], "events")
		assert.Contains(t, ctx["supportedActions"], "incidents")
	}
}

func TestDispatch_MethodNotAllowed(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)

	rec, body := env.do(t, http.MethodDelete, "action=events", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "method_not_allowed", body["kind"])
	assert.Equal(t, "GET, POST", rec.Header().Get("Allow"))
}

func TestEvents_CreateAndList(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)

	rec, body := env.do(t, http.MethodPost, "action=events", map[string]any{
		"eventType": "malware_detection", "severity": "critical", "source": "endpoint_security", "ipAddress": "10.0.0.1",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	event := body["event"].(map[string]any)
	assert.NotEmpty(t, event["id"])
	env.ingestor.Wait()

	rec, body = env.do(t, http.MethodGet, "action=events&severity=critical&timeRange=24h&limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, body["total"])
	events := body["events"].([]any)
	require.Len(t, events, 1)
	assert.Equal(t, event["id"], events[0].(map[string]any)["id"])

	// the critical malware event was scored into a threat
	rec, body = env.do(t, http.MethodGet, "action=threats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, body["total"])
	assert.EqualValues(t, 1, body["activeCount"])
	th := body["threats"].([]any)[0].(map[string]any)
	assert.EqualValues(t, 100, th["riskScore"])
	assert.EqualValues(t, 100, th["confidence"])
}

func TestEvents_Validation(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)

	rec, body := env.do(t, http.MethodPost, "action=events", map[string]any{"eventType": "port_scan"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, []any{"severity", "source"}, body["context"].(map[string]any)["fields"])

	rec, _ = env.doRaw(t, http.MethodPost, "/api/v1/security?action=events", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	for _, q := range []string{"limit=0", "limit=abc", "timeRange=yesterday", "severity=urgent"} {
		rec, _ = env.do(t, http.MethodGet, "action=events&"+q, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestThreats_UpdateStatus(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)
	th := env.seedThreat(t, "malware", 70)

	rec, body := env.do(t, http.MethodPut, "action=threats", map[string]any{
		"threatId": th.ID, "status": "contained", "analyst": "alice",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "alice", body["updatedBy"])
	assert.Equal(t, "contained", body["threat"].(map[string]any)["status"])

	rec, body = env.do(t, http.MethodPut, "action=threats", map[string]any{"threatId": th.ID, "status": "active"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "precondition", body["kind"])
	assert.Equal(t, true, body["retryable"])

	rec, _ = env.do(t, http.MethodPut, "action=threats", map[string]any{"threatId": th.ID, "status": "active", "override": true})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = env.do(t, http.MethodPut, "action=threats", map[string]any{"threatId": th.ID, "status": "bogus"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = env.do(t, http.MethodGet, "action=threats&riskThreshold=80", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, _ = env.do(t, http.MethodGet, "action=threats&riskThreshold=101", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestThreats_ActiveCountIgnoresFilter(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)
	env.seedThreat(t, "malware", 90)
	env.seedThreat(t, "phishing", 60)
	investigated := env.seedThreat(t, "intrusion", 70)
	_, err := env.threats.UpdateStatus(context.Background(), investigated.ID, models.ThreatStatusInvestigating, "alice", false)
	require.NoError(t, err)

	rec, body := env.do(t, http.MethodGet, "action=threats&status=investigating", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, body["total"])
	assert.EqualValues(t, 2, body["activeCount"])

	rec, body = env.do(t, http.MethodGet, "action=threats&riskThreshold=80", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, body["total"])
	assert.EqualValues(t, 2, body["activeCount"])
}

func TestThreats_UnknownIDIsNotFound(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)

	for _, id := range []string{"unknown", uuid.NewString()} {
		rec, body := env.do(t, http.MethodPut, "action=threats", map[string]any{"threatId": id})
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "Threat not found", body["error"])
		assert.Equal(t, false, body["retryable"])
	}
}

func TestMetrics_SecurityScore(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)
	ctx := context.Background()

	for _, sev := range []models.Severity{models.SeverityCritical, models.SeverityCritical, models.SeverityHigh} {
		require.NoError(t, env.store.StoreEvent(ctx, &models.Event{
			ID: uuid.New(), Timestamp: time.Now().Add(-time.Hour), Source: "ids", EventType: "port_scan", Severity: sev,
		}))
	}
	env.seedThreat(t, "reconnaissance", 55)

	rec, body := env.do(t, http.MethodGet, "action=metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "24h", body["period"])
	m := body["metrics"].(map[string]any)
	assert.EqualValues(t, 40, m["securityScore"])
	assert.Len(t, m["threatTrends"], 7)
}

func TestAnalyze(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)
	ctx := context.Background()

	brute, err := env.ingestor.Append(ctx, ingestion.EventInput{EventType: "brute_force", Source: "auth", Severity: "medium"})
	require.NoError(t, err)
	intrusion, err := env.ingestor.Append(ctx, ingestion.EventInput{EventType: "intrusion_attempt", Source: "ids", Severity: "medium"})
	require.NoError(t, err)

	rec, body := env.do(t, http.MethodPost, "action=analyze", map[string]any{
		"eventIds": []string{brute.ID.String(), intrusion.ID.String()}, "analysisType": "correlation",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.EqualValues(t, 2, body["analyzedEvents"])
	analysis := body["analysis"].(map[string]any)
	assert.Equal(t, "high", analysis["threatLevel"])
	assert.Contains(t, analysis["patterns"], "coordinated_access_attempt")

	rec, _ = env.do(t, http.MethodPost, "action=analyze", map[string]any{"eventIds": []string{uuid.NewString()}})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = env.do(t, http.MethodPost, "action=analyze", map[string]any{"eventIds": []string{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = env.do(t, http.MethodPost, "action=analyze", map[string]any{"eventIds": []string{"nope"}})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, body = env.do(t, http.MethodPost, "action=analyze", map[string]any{
		"eventIds": []string{brute.ID.String(), "evt-legacy"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.EqualValues(t, 1, body["analyzedEvents"])
}

func TestResponse_ContainsThreat(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)
	th := env.seedThreat(t, "intrusion", 85)

	rec, body := env.do(t, http.MethodPost, "action=response", map[string]any{
		"threatId": th.ID, "responseAction": "block_ip", "parameters": map[string]any{"ip": "203.0.113.7"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	threat := body["threat"].(map[string]any)
	assert.Equal(t, "contained", threat["status"])
	assert.Len(t, threat["mitigationActions"], 1)
	assert.Equal(t, "success", body["response"].(map[string]any)["result"])

	rec, body = env.do(t, http.MethodPost, "action=response", map[string]any{"threatId": th.ID, "responseAction": "launch_missiles"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, body["context"].(map[string]any)["supportedActions"], "isolate_host")

	rec, _ = env.do(t, http.MethodPost, "action=response", map[string]any{"threatId": uuid.NewString(), "responseAction": "alert"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResponse_ConcurrentCallsAppendEach(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)
	th := env.seedThreat(t, "malware", 90)

	const n = 10
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var buf bytes.Buffer
			_ = json.NewEncoder(&buf).Encode(map[string]any{"threatId": th.ID, "responseAction": "alert"})
			rec := httptest.NewRecorder()
			env.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/security?action=response", &buf))
			assert.Equal(t, http.StatusOK, rec.Code)
		}()
	}
	wg.Wait()

	got, err := env.threats.Get(context.Background(), th.ID)
	require.NoError(t, err)
	require.Len(t, got.MitigationActions, n)
	ids := make(map[uuid.UUID]bool)
	for _, m := range got.MitigationActions {
		ids[m.ID] = true
	}
	assert.Len(t, ids, n)
}

func TestStatus(t *testing.T) {
	env := newTestEnv(t, testConfig(), map[string]HealthCheck{
		"database": func(ctx context.Context) error { return errors.New("connection refused") },
		"bus":      func(ctx context.Context) error { return nil },
	})

	rec, body := env.do(t, http.MethodGet, "action=status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "degraded", body["status"])
	components := body["components"].(map[string]any)
	assert.Equal(t, "degraded", components["database"])
	assert.Equal(t, "operational", components["bus"])
	assert.EqualValues(t, len(playbook.BuiltIns()), body["playbooks"])
}

func TestIncidents_LaunchAndOperate(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)
	th := env.seedThreat(t, "malware", 90)

	rec, body := env.do(t, http.MethodPost, "action=incidents", map[string]any{"threatId": th.ID, "analyst": "alice"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "malware-containment", body["playbook"].(map[string]any)["id"])
	inc := body["incident"].(map[string]any)
	id := inc["id"].(string)
	assert.Equal(t, "high", inc["escalationLevel"])

	rec, body = env.do(t, http.MethodPost, "action=incidents", map[string]any{"threatId": th.ID})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "precondition", body["kind"])

	rec, body = env.do(t, http.MethodPut, "action=incidents", map[string]any{"incidentId": id, "operation": "escalate"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "critical", body["incident"].(map[string]any)["escalationLevel"])

	// the built-in malware playbook ends with a manual review
	require.Eventually(t, func() bool {
		got, err := env.incidents.Get(context.Background(), uuid.MustParse(id))
		if err != nil {
			return false
		}
		for _, st := range got.Steps {
			if st.Status == models.StepStatusAwaiting {
				return true
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond)

	rec, body = env.do(t, http.MethodPut, "action=incidents", map[string]any{
		"incidentId": id, "operation": "complete_step", "stepId": "review", "notes": "clean",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	require.Eventually(t, func() bool {
		_, body := env.do(t, http.MethodGet, "action=incidents&id="+id, nil)
		list := body["incidents"].([]any)
		return len(list) == 1 && list[0].(map[string]any)["status"] == "completed"
	}, 5*time.Second, 5*time.Millisecond)

	_, body = env.do(t, http.MethodGet, "action=incidents&threatId="+th.ID.String(), nil)
	assert.EqualValues(t, 1, body["total"])

	_, body = env.do(t, http.MethodGet, "action=threats", nil)
	assert.Equal(t, "contained", body["threats"].([]any)[0].(map[string]any)["status"])
}

func TestIncidents_Errors(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)

	rec, _ := env.do(t, http.MethodPost, "action=incidents", map[string]any{"threatId": uuid.NewString()})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = env.do(t, http.MethodPut, "action=incidents", map[string]any{"incidentId": uuid.NewString(), "operation": "pause"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, body := env.do(t, http.MethodPut, "action=incidents", map[string]any{"incidentId": uuid.NewString(), "operation": "explode"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, []any{"operation"}, body["context"].(map[string]any)["fields"])

	rec, _ = env.do(t, http.MethodGet, "action=incidents&id=nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPlaybooks_ListAndRegister(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)

	rec, body := env.do(t, http.MethodGet, "action=playbooks", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, len(playbook.BuiltIns()), body["total"])

	_, body = env.do(t, http.MethodGet, "action=playbooks&threatType=malware", nil)
	list := body["playbooks"].([]any)
	require.NotEmpty(t, list)
	assert.Equal(t, "malware-containment", list[0].(map[string]any)["id"])

	rec, body = env.do(t, http.MethodPost, "action=playbooks", map[string]any{
		"id": "phishing-response", "name": "Phishing response", "threatTypes": []string{"phishing"},
		"steps": []map[string]any{
			{"id": "alert", "order": 1, "title": "Alert", "action": "alert", "automated": true},
			{"id": "reset", "order": 2, "title": "Reset", "action": "reset_credentials", "automated": true, "dependencies": []string{"alert"}},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	pb := body["playbook"].(map[string]any)
	assert.EqualValues(t, 1, pb["version"])
	assert.Equal(t, "full", pb["automationLevel"])

	rec, _ = env.do(t, http.MethodPost, "action=playbooks", map[string]any{
		"id": "cyclic", "name": "Cyclic", "threatTypes": []string{"phishing"},
		"steps": []map[string]any{
			{"id": "a", "order": 1, "action": "alert", "automated": true, "dependencies": []string{"b"}},
			{"id": "b", "order": 2, "action": "alert", "automated": true, "dependencies": []string{"a"}},
		},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = env.do(t, http.MethodGet, "action=playbooks&id=missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAuthMiddleware(t *testing.T) {
	cfg := testConfig()
	cfg.Security.APIToken = "s3cret"
	env := newTestEnv(t, cfg, nil)

	rec, _ := env.doRaw(t, http.MethodGet, "/api/v1/security?action=status", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = env.doRaw(t, http.MethodGet, "/api/v1/security?action=status", nil, http.Header{"Authorization": {"Bearer wrong"}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = env.doRaw(t, http.MethodGet, "/api/v1/security?action=status", nil, http.Header{"Authorization": {"Bearer s3cret"}})
	assert.Equal(t, http.StatusOK, rec.Code)

	// health stays open
	rec, _ = env.doRaw(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRecoverMiddlewareHidesPanics(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)
	env.server.actions["boom"] = actionRoute{http.MethodGet: func(w http.ResponseWriter, r *http.Request) {
		panic("database exploded")
	}}

	rec, body := env.do(t, http.MethodGet, "action=boom", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Internal server error", body["error"])
	assert.NotContains(t, rec.Body.String(), "database exploded")
}

func TestPrometheusEndpoint(t *testing.T) {
	env := newTestEnv(t, testConfig(), nil)
	_, err := env.ingestor.Append(context.Background(), ingestion.EventInput{EventType: "port_scan", Source: "ids", Severity: "low"})
	require.NoError(t, err)

	rec, _ := env.doRaw(t, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "secops_events_ingested_total")
}

func TestParseTimeRange(t *testing.T) {
	d, err := parseTimeRange("7d")
	require.NoError(t, err)
	assert.Equal(t, 7*24*time.Hour, d)

	d, err = parseTimeRange("90m")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Minute, d)

	for _, bad := range []string{"0d", "-1h", "week"} {
		_, err = parseTimeRange(bad)
		assert.Error(t, err, bad)
	}
}
