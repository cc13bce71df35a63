package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sentinelops/secops-engine/internal/models"
	"github.com/sentinelops/secops-engine/internal/storage"
)

const (
	trendDays       = 7
	scoreBase       = 100
	criticalPenalty = 15
	highPenalty     = 10
	activePenalty   = 20
)

// EventReader is the read side of the event store used for KPIs
type EventReader interface {
	ListEvents(ctx context.Context, filter storage.EventFilter) ([]*models.Event, int, error)
	GetEventsByIDs(ctx context.Context, ids []uuid.UUID) ([]*models.Event, error)
}

// ThreatReader lists threats
type ThreatReader interface {
	ListThreats(ctx context.Context, filter storage.ThreatFilter) ([]*models.Threat, error)
}

// IncidentReader lists incidents
type IncidentReader interface {
	ListIncidents(ctx context.Context, filter storage.IncidentFilter) ([]*models.Incident, error)
}

// TrendBucket counts detections for one UTC day
type TrendBucket struct {
	Date     string `json:"date"`
	Count    int    `json:"count"`
	Severity string `json:"severity"`
}

// Metrics is one point-in-time KPI snapshot. MTTD and MTTR are in minutes.
type Metrics struct {
	SecurityScore     int                           `json:"securityScore"`
	MTTD              float64                       `json:"mttd"`
	MTTR              float64                       `json:"mttr"`
	ThreatTrends      []TrendBucket                 `json:"threatTrends"`
	EventsLast24h     int                           `json:"eventsLast24h"`
	CriticalEvents24h int                           `json:"criticalEvents24h"`
	HighEvents24h     int                           `json:"highEvents24h"`
	ActiveThreats     int                           `json:"activeThreats"`
	TotalThreats      int                           `json:"totalThreats"`
	OpenIncidents     int                           `json:"openIncidents"`
	IncidentsByStatus map[models.IncidentStatus]int `json:"incidentsByStatus"`
	ComputedAt        time.Time                     `json:"computedAt"`
}

// Aggregator computes KPIs from the stores
type Aggregator struct {
	events     EventReader
	threats    ThreatReader
	incidents  IncidentReader
	collectors *Collectors
	logger     *slog.Logger

	mu     sync.RWMutex
	latest *Metrics
}

// NewAggregator creates an aggregator; collectors may be nil
func NewAggregator(events EventReader, threats ThreatReader, incidents IncidentReader, collectors *Collectors, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		events:     events,
		threats:    threats,
		incidents:  incidents,
		collectors: collectors,
		logger:     logger,
	}
}

// Compute builds a snapshot as of now
func (a *Aggregator) Compute(ctx context.Context, now time.Time) (*Metrics, error) {
	now = now.UTC()
	recent, _, err := a.events.ListEvents(ctx, storage.EventFilter{Since: now.Add(-24 * time.Hour)})
	if err != nil {
		return nil, fmt.Errorf("failed to list recent events: %w", err)
	}
	threats, err := a.threats.ListThreats(ctx, storage.ThreatFilter{})
	if err != nil {
		return nil, fmt.Errorf("failed to list threats: %w", err)
	}
	incidents, err := a.incidents.ListIncidents(ctx, storage.IncidentFilter{})
	if err != nil {
		return nil, fmt.Errorf("failed to list incidents: %w", err)
	}

	m := &Metrics{
		EventsLast24h:     len(recent),
		TotalThreats:      len(threats),
		IncidentsByStatus: make(map[models.IncidentStatus]int),
		ComputedAt:        now,
	}
	for _, e := range recent {
		switch e.Severity {
		case models.SeverityCritical:
			m.CriticalEvents24h++
		case models.SeverityHigh:
			m.HighEvents24h++
		}
	}
	for _, t := range threats {
		if t.Status == models.ThreatStatusActive {
			m.ActiveThreats++
		}
	}
	for _, inc := range incidents {
		m.IncidentsByStatus[inc.Status]++
		if !inc.Status.Terminal() {
			m.OpenIncidents++
		}
	}

	m.SecurityScore = SecurityScore(m.CriticalEvents24h, m.HighEvents24h, m.ActiveThreats)
	if m.MTTD, err = a.meanTimeToDetect(ctx, threats); err != nil {
		return nil, err
	}
	m.MTTR = MeanTimeToRespond(threats, incidents)
	m.ThreatTrends = Trends(threats, now)
	return m, nil
}

// Latest returns the last snapshot computed by Run, or nil
func (a *Aggregator) Latest() *Metrics {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.latest
}

// Refresh computes a snapshot, stores it and exports it on the gauges
func (a *Aggregator) Refresh(ctx context.Context) (*Metrics, error) {
	m, err := a.Compute(ctx, time.Now())
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	a.latest = m
	a.mu.Unlock()
	a.collectors.SetKPIs(m)
	return m, nil
}

// Run refreshes the snapshot every interval until ctx is done
func (a *Aggregator) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := a.Refresh(ctx); err != nil && ctx.Err() == nil {
			a.logger.Warn("metrics refresh failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// SecurityScore is 100 minus penalties for recent critical and high events and
// active threats, clamped to [0,100].
func SecurityScore(critical, high, active int) int {
	score := scoreBase - criticalPenalty*critical - highPenalty*high - activePenalty*active
	switch {
	case score < 0:
		return 0
	case score > scoreBase:
		return scoreBase
	}
	return score
}

func (a *Aggregator) meanTimeToDetect(ctx context.Context, threats []*models.Threat) (float64, error) {
	var total time.Duration
	n := 0
	for _, t := range threats {
		events, err := a.events.GetEventsByIDs(ctx, t.EventIDs)
		if err != nil {
			return 0, fmt.Errorf("failed to load events of threat %s: %w", t.ID, err)
		}
		if len(events) == 0 {
			continue
		}
		earliest := events[0].Timestamp
		for _, e := range events[1:] {
			if e.Timestamp.Before(earliest) {
				earliest = e.Timestamp
			}
		}
		total += t.DetectionTime.Sub(earliest)
		n++
	}
	if n == 0 {
		return 0, nil
	}
	return total.Minutes() / float64(n), nil
}

// MeanTimeToRespond averages, over resolved threats, the time from detection to
// the latest completed incident, falling back to the threat's resolution time.
func MeanTimeToRespond(threats []*models.Threat, incidents []*models.Incident) float64 {
	completed := make(map[uuid.UUID]time.Time)
	for _, inc := range incidents {
		if inc.Status != models.IncidentStatusCompleted || inc.EndTime == nil {
			continue
		}
		if at, ok := completed[inc.ThreatID]; !ok || inc.EndTime.After(at) {
			completed[inc.ThreatID] = *inc.EndTime
		}
	}

	var total time.Duration
	n := 0
	for _, t := range threats {
		if t.Status != models.ThreatStatusResolved {
			continue
		}
		end, ok := completed[t.ID]
		if !ok {
			if t.ResolvedAt == nil {
				continue
			}
			end = *t.ResolvedAt
		}
		total += end.Sub(t.DetectionTime)
		n++
	}
	if n == 0 {
		return 0
	}
	return total.Minutes() / float64(n)
}

// Trends buckets detections into the last seven UTC days, oldest first
func Trends(threats []*models.Threat, now time.Time) []TrendBucket {
	today := now.UTC().Truncate(24 * time.Hour)
	first := today.AddDate(0, 0, -(trendDays - 1))

	buckets := make([]TrendBucket, trendDays)
	critical := make([]bool, trendDays)
	for i := range buckets {
		buckets[i].Date = first.AddDate(0, 0, i).Format(time.DateOnly)
	}
	for _, t := range threats {
		day := t.DetectionTime.UTC().Truncate(24 * time.Hour)
		idx := int(day.Sub(first) / (24 * time.Hour))
		if day.Before(first) || idx >= trendDays {
			continue
		}
		buckets[idx].Count++
		if t.RiskScore >= 80 {
			critical[idx] = true
		}
	}
	for i := range buckets {
		switch {
		case critical[i]:
			buckets[i].Severity = "critical"
		case buckets[i].Count > 0:
			buckets[i].Severity = "medium"
		default:
			buckets[i].Severity = "low"
		}
	}
	return buckets
}
