package detection

import (
	"testing"

	"github.com/sentinelops/secops-engine/internal/models"
	"github.com/stretchr/testify/assert"
)

func ev(eventType string, sev models.Severity) *models.Event {
	return &models.Event{EventType: eventType, Severity: sev, Source: "test"}
}

func TestScore_CriticalMalwareClamps(t *testing.T) {
	got := Score(ev("malware_detection", models.SeverityCritical))
	assert.Equal(t, Assessment{ThreatType: "malware", Confidence: 100, RiskScore: 100}, got)
}

func TestScore_Table(t *testing.T) {
	tests := []struct {
		eventType string
		severity  models.Severity
		want      Assessment
	}{
		{"intrusion_attempt", models.SeverityMedium, Assessment{"intrusion", 85, 80}},
		{"brute_force", models.SeverityHigh, Assessment{"brute_force", 80, 70}},
		{"failed_login", models.SeverityHigh, Assessment{"brute_force", 65, 55}},
		{"authentication_failure", models.SeverityLow, Assessment{"brute_force", 60, 45}},
		{"port_scan", models.SeverityCritical, Assessment{"reconnaissance", 70, 60}},
		{"policy_violation", models.SeverityInfo, Assessment{"policy_violation", 50, 30}},
		{"something_new", models.SeverityHigh, Assessment{"anomalous_activity", 45, 35}},
	}

	for _, tt := range tests {
		t.Run(tt.eventType+"/"+string(tt.severity), func(t *testing.T) {
			assert.Equal(t, tt.want, Score(ev(tt.eventType, tt.severity)))
		})
	}
}

func TestScorer_DetectsAtThreshold(t *testing.T) {
	s := NewScorer(DefaultRiskThreshold)

	// authentication_failure at high severity lands on 55
	assert.True(t, s.Detects(s.Score(ev("authentication_failure", models.SeverityHigh))))
	// port_scan at high severity lands on 50
	assert.True(t, s.Detects(s.Score(ev("port_scan", models.SeverityHigh))))
	// unknown type at high severity lands on 35
	assert.False(t, s.Detects(s.Score(ev("unknown", models.SeverityHigh))))

	// intrusion_attempt at high severity lands on 90
	exact := NewScorer(90)
	assert.True(t, exact.Detects(exact.Score(ev("intrusion_attempt", models.SeverityHigh))))
	strict := NewScorer(91)
	assert.False(t, strict.Detects(strict.Score(ev("intrusion_attempt", models.SeverityHigh))))
	assert.True(t, strict.Detects(strict.Score(ev("intrusion_attempt", models.SeverityCritical))))
}

func TestScorer_DetectsExactlyAtRisk(t *testing.T) {
	s := NewScorer(50)

	assert.True(t, s.Detects(Assessment{RiskScore: 50}))
	assert.False(t, s.Detects(Assessment{RiskScore: 49}))
	assert.True(t, s.Detects(Assessment{RiskScore: 51}))
}

func TestAnalyze_BaseAggregation(t *testing.T) {
	s := NewScorer(DefaultRiskThreshold)
	a := s.Analyze([]*models.Event{
		ev("phishing", models.SeverityMedium),
		ev("policy_violation", models.SeverityLow),
	})

	assert.Equal(t, 2, a.EventCount)
	assert.Equal(t, (70+50)/2, a.Confidence)
	assert.Equal(t, 65, a.RiskScore)
	assert.Equal(t, LevelMedium, a.ThreatLevel)
	assert.Equal(t, []string{"phishing", "policy_violation"}, a.ThreatTypes)
	assert.Empty(t, a.Patterns)
	assert.NotEmpty(t, a.Recommendations)
}

func TestAnalyze_AuthFailureWithIntrusion(t *testing.T) {
	s := NewScorer(DefaultRiskThreshold)
	a := s.Analyze([]*models.Event{
		ev("failed_login", models.SeverityLow),
		ev("port_scan", models.SeverityLow),
		ev("intrusion_attempt", models.SeverityLow),
	})

	assert.Equal(t, LevelHigh, a.ThreatLevel)
	assert.Equal(t, 85, a.Confidence)
	assert.Contains(t, a.Patterns, "coordinated_access_attempt")
}

func TestAnalyze_CriticalEventForcesCritical(t *testing.T) {
	s := NewScorer(DefaultRiskThreshold)
	a := s.Analyze([]*models.Event{
		ev("policy_violation", models.SeverityCritical),
	})

	assert.Equal(t, LevelCritical, a.ThreatLevel)
	assert.Len(t, a.RiskFactors, 1)
}

func TestAnalyze_Deterministic(t *testing.T) {
	s := NewScorer(DefaultRiskThreshold)
	events := []*models.Event{
		ev("malware_detection", models.SeverityHigh),
		ev("brute_force", models.SeverityCritical),
		ev("intrusion_attempt", models.SeverityMedium),
	}
	assert.Equal(t, s.Analyze(events), s.Analyze(events))
}

func TestAnalyze_Empty(t *testing.T) {
	a := NewScorer(DefaultRiskThreshold).Analyze(nil)
	assert.Equal(t, 0, a.EventCount)
	assert.Equal(t, LevelLow, a.ThreatLevel)
}
