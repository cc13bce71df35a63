package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sentinelops/secops-engine/internal/models"
)

// MemoryStore is an in-process implementation of the event, threat and
// incident repositories. Every read returns copies.
type MemoryStore struct {
	eventsMu sync.RWMutex
	events   []*models.Event
	eventIdx map[uuid.UUID]*models.Event

	threatsMu sync.RWMutex
	threats   map[uuid.UUID]*models.Threat

	incidentsMu sync.RWMutex
	incidents   map[uuid.UUID]*models.Incident
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		eventIdx:  make(map[uuid.UUID]*models.Event),
		threats:   make(map[uuid.UUID]*models.Threat),
		incidents: make(map[uuid.UUID]*models.Incident),
	}
}

// StoreEvent appends an event
func (s *MemoryStore) StoreEvent(ctx context.Context, event *models.Event) error {
	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()

	e := copyEvent(event)
	s.events = append(s.events, e)
	s.eventIdx[e.ID] = e
	return nil
}

// ListEvents returns matching events newest-first plus the total match count
func (s *MemoryStore) ListEvents(ctx context.Context, filter EventFilter) ([]*models.Event, int, error) {
	s.eventsMu.RLock()
	var matched []*models.Event
	for _, e := range s.events {
		if filter.Matches(e) {
			matched = append(matched, copyEvent(e))
		}
	}
	s.eventsMu.RUnlock()

	sortEventsNewestFirst(matched)
	total := len(matched)
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, total, nil
}

// GetEventsByIDs returns the known events among ids, newest-first
func (s *MemoryStore) GetEventsByIDs(ctx context.Context, ids []uuid.UUID) ([]*models.Event, error) {
	s.eventsMu.RLock()
	defer s.eventsMu.RUnlock()

	seen := make(map[uuid.UUID]bool, len(ids))
	var out []*models.Event
	for _, id := range ids {
		if e, ok := s.eventIdx[id]; ok && !seen[id] {
			seen[id] = true
			out = append(out, copyEvent(e))
		}
	}
	sortEventsNewestFirst(out)
	return out, nil
}

// StoreThreat stores a new threat
func (s *MemoryStore) StoreThreat(ctx context.Context, threat *models.Threat) error {
	s.threatsMu.Lock()
	defer s.threatsMu.Unlock()
	s.threats[threat.ID] = threat.Clone()
	return nil
}

// GetThreat returns a threat by id
func (s *MemoryStore) GetThreat(ctx context.Context, id uuid.UUID) (*models.Threat, error) {
	s.threatsMu.RLock()
	defer s.threatsMu.RUnlock()
	t, ok := s.threats[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

// ListThreats returns matching threats, highest risk first
func (s *MemoryStore) ListThreats(ctx context.Context, filter ThreatFilter) ([]*models.Threat, error) {
	s.threatsMu.RLock()
	var out []*models.Threat
	for _, t := range s.threats {
		if filter.Matches(t) {
			out = append(out, t.Clone())
		}
	}
	s.threatsMu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].RiskScore != out[j].RiskScore {
			return out[i].RiskScore > out[j].RiskScore
		}
		return out[i].DetectionTime.After(out[j].DetectionTime)
	})
	return out, nil
}

// UpdateThreatStatus sets a threat's status
func (s *MemoryStore) UpdateThreatStatus(ctx context.Context, id uuid.UUID, status models.ThreatStatus, at time.Time) error {
	s.threatsMu.Lock()
	defer s.threatsMu.Unlock()
	t, ok := s.threats[id]
	if !ok {
		return ErrNotFound
	}
	t.Status = status
	t.UpdatedAt = at
	if status == models.ThreatStatusResolved && t.ResolvedAt == nil {
		resolved := at
		t.ResolvedAt = &resolved
	}
	return nil
}

// AppendMitigation appends one mitigation record
func (s *MemoryStore) AppendMitigation(ctx context.Context, threatID uuid.UUID, action *models.MitigationAction) error {
	s.threatsMu.Lock()
	defer s.threatsMu.Unlock()
	t, ok := s.threats[threatID]
	if !ok {
		return ErrNotFound
	}
	t.MitigationActions = append(t.MitigationActions, action.Clone())
	t.UpdatedAt = action.Timestamp
	return nil
}

// CreateIncident stores a new incident, refusing a second non-terminal one per threat
func (s *MemoryStore) CreateIncident(ctx context.Context, inc *models.Incident) error {
	s.incidentsMu.Lock()
	defer s.incidentsMu.Unlock()

	if !inc.Status.Terminal() {
		for _, existing := range s.incidents {
			if existing.ThreatID == inc.ThreatID && !existing.Status.Terminal() {
				return ErrActiveIncident
			}
		}
	}
	s.incidents[inc.ID] = inc.Clone()
	return nil
}

// UpdateIncident replaces a stored incident
func (s *MemoryStore) UpdateIncident(ctx context.Context, inc *models.Incident) error {
	s.incidentsMu.Lock()
	defer s.incidentsMu.Unlock()
	if _, ok := s.incidents[inc.ID]; !ok {
		return ErrNotFound
	}
	s.incidents[inc.ID] = inc.Clone()
	return nil
}

// GetIncident returns an incident by id
func (s *MemoryStore) GetIncident(ctx context.Context, id uuid.UUID) (*models.Incident, error) {
	s.incidentsMu.RLock()
	defer s.incidentsMu.RUnlock()
	inc, ok := s.incidents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return inc.Clone(), nil
}

// ListIncidents returns matching incidents, newest first
func (s *MemoryStore) ListIncidents(ctx context.Context, filter IncidentFilter) ([]*models.Incident, error) {
	s.incidentsMu.RLock()
	var out []*models.Incident
	for _, inc := range s.incidents {
		if filter.Matches(inc) {
			out = append(out, inc.Clone())
		}
	}
	s.incidentsMu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartTime.After(out[j].StartTime)
	})
	return out, nil
}

// ActiveIncidentForThreat returns the threat's non-terminal incident, or ErrNotFound
func (s *MemoryStore) ActiveIncidentForThreat(ctx context.Context, threatID uuid.UUID) (*models.Incident, error) {
	s.incidentsMu.RLock()
	defer s.incidentsMu.RUnlock()
	for _, inc := range s.incidents {
		if inc.ThreatID == threatID && !inc.Status.Terminal() {
			return inc.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func copyEvent(e *models.Event) *models.Event {
	c := *e
	if e.Metadata != nil {
		c.Metadata = make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

func sortEventsNewestFirst(events []*models.Event) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.After(events[j].Timestamp)
	})
}
