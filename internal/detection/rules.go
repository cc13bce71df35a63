package detection

import (
	"fmt"

	"github.com/sentinelops/secops-engine/internal/models"
)

// PatternRule inspects a set of events and adjusts the running analysis
type PatternRule interface {
	Name() string
	Apply(events []*models.Event, analysis *Analysis)
	IsActive() bool
}

// CoordinatedAccessRule detects authentication failures alongside intrusion attempts
type CoordinatedAccessRule struct{}

func NewCoordinatedAccessRule() *CoordinatedAccessRule {
	return &CoordinatedAccessRule{}
}

func (r *CoordinatedAccessRule) Name() string {
	return "coordinated_access_attempt"
}

func (r *CoordinatedAccessRule) IsActive() bool {
	return true
}

func (r *CoordinatedAccessRule) Apply(events []*models.Event, a *Analysis) {
	var authFailure, intrusion bool
	for _, e := range events {
		switch Score(e).ThreatType {
		case "brute_force":
			authFailure = true
		case "intrusion":
			intrusion = true
		}
	}
	if !authFailure || !intrusion {
		return
	}

	a.Patterns = append(a.Patterns, r.Name())
	a.RaiseLevel(LevelHigh)
	if a.Confidence < 85 {
		a.Confidence = 85
	}
}

// CriticalSeverityRule forces a critical level when any event is critical
type CriticalSeverityRule struct{}

func NewCriticalSeverityRule() *CriticalSeverityRule {
	return &CriticalSeverityRule{}
}

func (r *CriticalSeverityRule) Name() string {
	return "critical_severity_event"
}

func (r *CriticalSeverityRule) IsActive() bool {
	return true
}

func (r *CriticalSeverityRule) Apply(events []*models.Event, a *Analysis) {
	count := 0
	for _, e := range events {
		if e.Severity == models.SeverityCritical {
			count++
		}
	}
	if count == 0 {
		return
	}

	a.ThreatLevel = LevelCritical
	a.RiskFactors = append(a.RiskFactors, fmt.Sprintf("%d critical severity event(s) detected", count))
}
