package models

import (
	"time"

	"github.com/google/uuid"
)

// Severity represents event severity level
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

var severityRank = map[Severity]int{
	SeverityInfo:     0,
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Rank orders severities: critical > high > medium > low > info.
// Unknown severities rank below info.
func (s Severity) Rank() int {
	if r, ok := severityRank[s]; ok {
		return r
	}
	return -1
}

// Valid reports whether s is one of the known severities.
func (s Severity) Valid() bool {
	_, ok := severityRank[s]
	return ok
}

// Event represents an observed security event
type Event struct {
	ID        uuid.UUID      `json:"id" db:"id"`
	Timestamp time.Time      `json:"timestamp" db:"timestamp"`
	Source    string         `json:"source" db:"source" validate:"required"`
	EventType string         `json:"eventType" db:"event_type" validate:"required"`
	Severity  Severity       `json:"severity" db:"severity" validate:"required,oneof=critical high medium low info"`
	IPAddress string         `json:"ipAddress,omitempty" db:"ip_address" validate:"omitempty,ip"`
	UserID    string         `json:"userId,omitempty" db:"user_id"`
	Metadata  map[string]any `json:"metadata,omitempty" db:"metadata"`
}

// ThreatStatus represents threat detection status
type ThreatStatus string

const (
	ThreatStatusActive        ThreatStatus = "active"
	ThreatStatusInvestigating ThreatStatus = "investigating"
	ThreatStatusContained     ThreatStatus = "contained"
	ThreatStatusResolved      ThreatStatus = "resolved"
)

var threatStatusRank = map[ThreatStatus]int{
	ThreatStatusActive:        0,
	ThreatStatusInvestigating: 1,
	ThreatStatusContained:     2,
	ThreatStatusResolved:      3,
}

// Rank returns the position of the status in the forward lifecycle, or -1.
func (s ThreatStatus) Rank() int {
	if r, ok := threatStatusRank[s]; ok {
		return r
	}
	return -1
}

// Valid reports whether s is a known threat status.
func (s ThreatStatus) Valid() bool {
	_, ok := threatStatusRank[s]
	return ok
}

// Threat represents a scored threat detection
type Threat struct {
	ID                uuid.UUID          `json:"id" db:"id"`
	EventIDs          []uuid.UUID        `json:"eventIds" db:"event_ids"`
	ThreatType        string             `json:"threatType" db:"threat_type"`
	Confidence        int                `json:"confidence" db:"confidence"`
	RiskScore         int                `json:"riskScore" db:"risk_score"`
	Status            ThreatStatus       `json:"status" db:"status"`
	DetectionTime     time.Time          `json:"detectionTime" db:"detection_time"`
	AffectedAssets    []string           `json:"affectedAssets" db:"affected_assets"`
	MitigationActions []MitigationAction `json:"mitigationActions"`
	UpdatedAt         time.Time          `json:"updatedAt" db:"updated_at"`
	ResolvedAt        *time.Time         `json:"resolvedAt,omitempty" db:"resolved_at"`
}

// Clone returns a deep copy so callers can never mutate stored state.
func (t *Threat) Clone() *Threat {
	if t == nil {
		return nil
	}
	c := *t
	c.EventIDs = append([]uuid.UUID(nil), t.EventIDs...)
	c.AffectedAssets = append([]string(nil), t.AffectedAssets...)
	c.MitigationActions = make([]MitigationAction, len(t.MitigationActions))
	for i, m := range t.MitigationActions {
		c.MitigationActions[i] = m.Clone()
	}
	if t.ResolvedAt != nil {
		at := *t.ResolvedAt
		c.ResolvedAt = &at
	}
	return &c
}

// MitigationAction records one invocation of a response action against a threat
type MitigationAction struct {
	ID         uuid.UUID      `json:"id" db:"id"`
	Action     string         `json:"action" db:"action"`
	Parameters map[string]any `json:"parameters,omitempty" db:"parameters"`
	Result     string         `json:"result" db:"result"`
	Actor      string         `json:"actor" db:"actor"`
	IncidentID *uuid.UUID     `json:"incidentId,omitempty" db:"incident_id"`
	Timestamp  time.Time      `json:"timestamp" db:"timestamp"`
}

// Clone returns a deep copy of the record.
func (m MitigationAction) Clone() MitigationAction {
	c := m
	if m.Parameters != nil {
		c.Parameters = make(map[string]any, len(m.Parameters))
		for k, v := range m.Parameters {
			c.Parameters[k] = v
		}
	}
	if m.IncidentID != nil {
		id := *m.IncidentID
		c.IncidentID = &id
	}
	return c
}

// MitigationResultSuccess is the result recorded for a successful action.
const MitigationResultSuccess = "success"

// AutomationLevel represents how much of a playbook runs without an operator
type AutomationLevel string

const (
	AutomationFull    AutomationLevel = "full"
	AutomationPartial AutomationLevel = "partial"
	AutomationManual  AutomationLevel = "manual"
)

// AnyThreatType marks a playbook applicable to every threat type.
const AnyThreatType = "*"

// Playbook represents a versioned remediation procedure
type Playbook struct {
	ID              string          `json:"id" yaml:"id"`
	Version         int             `json:"version" yaml:"version"`
	Name            string          `json:"name" yaml:"name"`
	Description     string          `json:"description,omitempty" yaml:"description"`
	ThreatTypes     []string        `json:"threatTypes" yaml:"threat_types"`
	Steps           []Step          `json:"steps" yaml:"steps"`
	AutomationLevel AutomationLevel `json:"automationLevel" yaml:"-"`
	EstimatedTime   time.Duration   `json:"estimatedTime" yaml:"-"`
	SuccessRate     float64         `json:"successRate" yaml:"success_rate"`
}

// Step represents one action inside a playbook
type Step struct {
	ID                string         `json:"id" yaml:"id"`
	Order             int            `json:"order" yaml:"order"`
	Title             string         `json:"title" yaml:"title"`
	Action            string         `json:"action" yaml:"action"`
	Automated         bool           `json:"automated" yaml:"automated"`
	EstimatedDuration time.Duration  `json:"estimatedDuration" yaml:"estimated_duration"`
	Dependencies      []string       `json:"dependencies,omitempty" yaml:"dependencies"`
	Rollbackable      bool           `json:"rollbackable" yaml:"rollbackable"`
	Timeout           time.Duration  `json:"timeout,omitempty" yaml:"timeout"`
	Parameters        map[string]any `json:"parameters,omitempty" yaml:"parameters"`
}

// AppliesTo reports whether the playbook handles the given threat type.
func (p *Playbook) AppliesTo(threatType string) bool {
	for _, t := range p.ThreatTypes {
		if t == threatType || t == AnyThreatType {
			return true
		}
	}
	return false
}

// IncidentStatus represents incident execution status
type IncidentStatus string

const (
	IncidentStatusInitiated IncidentStatus = "initiated"
	IncidentStatusRunning   IncidentStatus = "running"
	IncidentStatusPaused    IncidentStatus = "paused"
	IncidentStatusCompleted IncidentStatus = "completed"
	IncidentStatusFailed    IncidentStatus = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s IncidentStatus) Terminal() bool {
	return s == IncidentStatusCompleted || s == IncidentStatusFailed
}

// EscalationLevel represents incident urgency tier
type EscalationLevel string

const (
	EscalationLow      EscalationLevel = "low"
	EscalationMedium   EscalationLevel = "medium"
	EscalationHigh     EscalationLevel = "high"
	EscalationCritical EscalationLevel = "critical"
)

var escalationTiers = []EscalationLevel{EscalationLow, EscalationMedium, EscalationHigh, EscalationCritical}

// Rank returns the tier index of the level, or -1.
func (l EscalationLevel) Rank() int {
	for i, t := range escalationTiers {
		if t == l {
			return i
		}
	}
	return -1
}

// Next returns the level one tier up, capped at critical.
func (l EscalationLevel) Next() EscalationLevel {
	r := l.Rank()
	if r < 0 {
		return EscalationLow
	}
	if r+1 >= len(escalationTiers) {
		return EscalationCritical
	}
	return escalationTiers[r+1]
}

// AtLeast returns the higher of l and min.
func (l EscalationLevel) AtLeast(min EscalationLevel) EscalationLevel {
	if l.Rank() < min.Rank() {
		return min
	}
	return l
}

// StepStatus represents per-step execution status within an incident
type StepStatus string

const (
	StepStatusPending    StepStatus = "pending"
	StepStatusRunning    StepStatus = "running"
	StepStatusAwaiting   StepStatus = "awaiting"
	StepStatusCompleted  StepStatus = "completed"
	StepStatusSkipped    StepStatus = "skipped"
	StepStatusFailed     StepStatus = "failed"
	StepStatusRolledBack StepStatus = "rolled_back"
)

// Satisfied reports whether dependents of a step in this status may run.
func (s StepStatus) Satisfied() bool {
	return s == StepStatusCompleted || s == StepStatusSkipped
}

// StepState tracks one step of an incident
type StepState struct {
	StepID      string     `json:"stepId"`
	Status      StepStatus `json:"status"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Error       string     `json:"error,omitempty"`
	Notes       string     `json:"notes,omitempty"`
}

// Incident represents one execution of a playbook against a threat
type Incident struct {
	ID                  uuid.UUID       `json:"id" db:"id"`
	ThreatID            uuid.UUID       `json:"threatId" db:"threat_id"`
	PlaybookID          string          `json:"playbookId" db:"playbook_id"`
	PlaybookVersion     int             `json:"playbookVersion" db:"playbook_version"`
	Status              IncidentStatus  `json:"status" db:"status"`
	StartTime           time.Time       `json:"startTime" db:"start_time"`
	EndTime             *time.Time      `json:"endTime,omitempty" db:"end_time"`
	CurrentStepIndex    int             `json:"currentStepIndex" db:"current_step_index"`
	CompletedSteps      int             `json:"completedSteps" db:"completed_steps"`
	TotalSteps          int             `json:"totalSteps" db:"total_steps"`
	EstimatedCompletion time.Time       `json:"estimatedCompletion" db:"estimated_completion"`
	AssignedAnalyst     string          `json:"assignedAnalyst,omitempty" db:"assigned_analyst"`
	EscalationLevel     EscalationLevel `json:"escalationLevel" db:"escalation_level"`
	Steps               []StepState     `json:"steps" db:"steps"`
	FailureReason       string          `json:"failureReason,omitempty" db:"failure_reason"`
}

// Clone returns a deep copy of the incident.
func (i *Incident) Clone() *Incident {
	if i == nil {
		return nil
	}
	c := *i
	if i.EndTime != nil {
		at := *i.EndTime
		c.EndTime = &at
	}
	c.Steps = make([]StepState, len(i.Steps))
	for n, s := range i.Steps {
		cs := s
		if s.StartedAt != nil {
			at := *s.StartedAt
			cs.StartedAt = &at
		}
		if s.CompletedAt != nil {
			at := *s.CompletedAt
			cs.CompletedAt = &at
		}
		c.Steps[n] = cs
	}
	return &c
}
