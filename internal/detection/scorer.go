package detection

import (
	"sort"

	"github.com/sentinelops/secops-engine/internal/models"
)

// DefaultRiskThreshold is the minimum risk score that produces a threat.
const DefaultRiskThreshold = 50

// Threat levels reported by Analyze
const (
	LevelLow      = "low"
	LevelMedium   = "medium"
	LevelHigh     = "high"
	LevelCritical = "critical"
)

var levelRank = map[string]int{LevelLow: 0, LevelMedium: 1, LevelHigh: 2, LevelCritical: 3}

// Assessment is the scored hypothesis for a single event
type Assessment struct {
	ThreatType string `json:"threatType"`
	Confidence int    `json:"confidence"`
	RiskScore  int    `json:"riskScore"`
}

type scoreRow struct {
	threatType string
	confidence int
	risk       int
}

var scoreTable = map[string]scoreRow{
	"malware_detection":      {"malware", 95, 90},
	"intrusion_attempt":      {"intrusion", 85, 80},
	"data_exfiltration":      {"data_exfiltration", 90, 95},
	"privilege_escalation":   {"privilege_escalation", 80, 85},
	"brute_force":            {"brute_force", 75, 60},
	"failed_login":           {"brute_force", 60, 45},
	"authentication_failure": {"brute_force", 60, 45},
	"phishing":               {"phishing", 70, 65},
	"port_scan":              {"reconnaissance", 60, 40},
	"suspicious_network":     {"reconnaissance", 60, 40},
	"policy_violation":       {"policy_violation", 50, 30},
}

var defaultRow = scoreRow{"anomalous_activity", 40, 25}

var severityAdjust = map[models.Severity][2]int{
	models.SeverityCritical: {10, 20},
	models.SeverityHigh:     {5, 10},
}

// Score maps one event to a threat hypothesis. It is deterministic and has no side effects.
func Score(event *models.Event) Assessment {
	row, ok := scoreTable[event.EventType]
	if !ok {
		row = defaultRow
	}
	adj := severityAdjust[event.Severity]
	return Assessment{
		ThreatType: row.threatType,
		Confidence: clamp(row.confidence + adj[0]),
		RiskScore:  clamp(row.risk + adj[1]),
	}
}

// Analysis is the result of correlating a set of events
type Analysis struct {
	ThreatLevel     string   `json:"threatLevel"`
	Confidence      int      `json:"confidence"`
	RiskScore       int      `json:"riskScore"`
	RiskFactors     []string `json:"riskFactors"`
	Patterns        []string `json:"patterns"`
	ThreatTypes     []string `json:"threatTypes"`
	Recommendations []string `json:"recommendations"`
	EventCount      int      `json:"eventCount"`
}

// RaiseLevel lifts the threat level to at least level.
func (a *Analysis) RaiseLevel(level string) {
	if levelRank[level] > levelRank[a.ThreatLevel] {
		a.ThreatLevel = level
	}
}

// Scorer applies the lookup table and the configured pattern rules
type Scorer struct {
	threshold int
	rules     []PatternRule
}

// NewScorer creates a scorer with the default pattern rules
func NewScorer(threshold int) *Scorer {
	s := &Scorer{threshold: threshold}
	s.registerDefaultRules()
	return s
}

func (s *Scorer) registerDefaultRules() {
	s.rules = []PatternRule{
		NewCoordinatedAccessRule(),
		NewCriticalSeverityRule(),
	}
}

// Threshold returns the configured detection threshold
func (s *Scorer) Threshold() int {
	return s.threshold
}

// Score scores a single event
func (s *Scorer) Score(event *models.Event) Assessment {
	return Score(event)
}

// Detects reports whether an assessment is strong enough to become a threat
func (s *Scorer) Detects(a Assessment) bool {
	return a.RiskScore >= s.threshold
}

// Analyze correlates a set of events into one assessment
func (s *Scorer) Analyze(events []*models.Event) *Analysis {
	a := &Analysis{
		ThreatLevel:     LevelLow,
		RiskFactors:     []string{},
		Patterns:        []string{},
		ThreatTypes:     []string{},
		Recommendations: []string{},
		EventCount:      len(events),
	}
	if len(events) == 0 {
		return a
	}

	seenTypes := make(map[string]bool)
	total := 0
	for _, e := range events {
		score := Score(e)
		total += score.Confidence
		if score.RiskScore > a.RiskScore {
			a.RiskScore = score.RiskScore
		}
		if !seenTypes[score.ThreatType] {
			seenTypes[score.ThreatType] = true
			a.ThreatTypes = append(a.ThreatTypes, score.ThreatType)
		}
	}
	sort.Strings(a.ThreatTypes)
	a.Confidence = total / len(events)
	a.ThreatLevel = levelForRisk(a.RiskScore)

	for _, rule := range s.rules {
		if rule.IsActive() {
			rule.Apply(events, a)
		}
	}

	a.Recommendations = recommend(a)
	return a
}

func levelForRisk(risk int) string {
	switch {
	case risk >= 80:
		return LevelHigh
	case risk >= 50:
		return LevelMedium
	default:
		return LevelLow
	}
}

var typeRecommendations = map[string]string{
	"malware":              "Isolate affected hosts and run a full malware scan",
	"intrusion":            "Block offending source addresses and review perimeter controls",
	"data_exfiltration":    "Restrict outbound transfers and audit data access logs",
	"privilege_escalation": "Revoke elevated sessions and audit privileged accounts",
	"brute_force":          "Enforce account lockout and reset affected credentials",
	"phishing":             "Quarantine the message and notify targeted users",
	"reconnaissance":       "Rate-limit scanning sources and verify exposed services",
	"policy_violation":     "Review the violation with the asset owner",
	"anomalous_activity":   "Monitor the activity and collect additional context",
}

func recommend(a *Analysis) []string {
	out := []string{}
	for _, t := range a.ThreatTypes {
		if r, ok := typeRecommendations[t]; ok {
			out = append(out, r)
		}
	}
	switch a.ThreatLevel {
	case LevelCritical:
		out = append(out, "Launch the incident response playbook immediately")
	case LevelHigh:
		out = append(out, "Escalate to the on-call analyst")
	}
	return out
}

func clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
