package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/sentinelops/secops-engine/internal/models"
)

// uniqueViolation is the PostgreSQL error code raised by the partial unique
// index on incidents(threat_id).
const uniqueViolation = "23505"

// EventRepository implements event storage operations
type EventRepository struct {
	db *sql.DB
}

// NewEventRepository creates a new event repository
func NewEventRepository(db *sql.DB) *EventRepository {
	return &EventRepository{db: db}
}

const eventColumns = `id, timestamp, source, event_type, severity, ip_address, user_id, metadata`

// StoreEvent stores an event in the database
func (r *EventRepository) StoreEvent(ctx context.Context, event *models.Event) error {
	metadataJSON, err := json.Marshal(event.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal event metadata: %w", err)
	}

	query := `INSERT INTO events (` + eventColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err = r.db.ExecContext(ctx, query,
		event.ID,
		event.Timestamp,
		event.Source,
		event.EventType,
		event.Severity,
		event.IPAddress,
		event.UserID,
		metadataJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to store event: %w", err)
	}

	return nil
}

// ListEvents retrieves events newest-first, returning the page and the total match count
func (r *EventRepository) ListEvents(ctx context.Context, filter EventFilter) ([]*models.Event, int, error) {
	where := " WHERE 1=1"
	args := []interface{}{}
	argPos := 1

	if filter.Severity != "" {
		where += fmt.Sprintf(" AND severity = $%d", argPos)
		args = append(args, filter.Severity)
		argPos++
	}

	if !filter.Since.IsZero() {
		where += fmt.Sprintf(" AND timestamp >= $%d", argPos)
		args = append(args, filter.Since)
		argPos++
	}

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM events"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count events: %w", err)
	}

	query := "SELECT " + eventColumns + " FROM events" + where + " ORDER BY timestamp DESC, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argPos)
		args = append(args, filter.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	events, err := scanEvents(rows)
	if err != nil {
		return nil, 0, err
	}
	return events, total, nil
}

// GetEventsByIDs retrieves the events with the given ids, newest-first
func (r *EventRepository) GetEventsByIDs(ctx context.Context, ids []uuid.UUID) ([]*models.Event, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query := "SELECT " + eventColumns + " FROM events WHERE id = ANY($1) ORDER BY timestamp DESC"
	rows, err := r.db.QueryContext(ctx, query, pq.Array(uuidStrings(ids)))
	if err != nil {
		return nil, fmt.Errorf("failed to query events by id: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*models.Event, error) {
	var events []*models.Event
	for rows.Next() {
		var event models.Event
		var metadataJSON []byte

		err := rows.Scan(
			&event.ID,
			&event.Timestamp,
			&event.Source,
			&event.EventType,
			&event.Severity,
			&event.IPAddress,
			&event.UserID,
			&metadataJSON,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}

		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &event.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal event metadata: %w", err)
			}
		}

		events = append(events, &event)
	}
	return events, rows.Err()
}

// ThreatRepository implements threat storage operations
type ThreatRepository struct {
	db *sql.DB
}

// NewThreatRepository creates a new threat repository
func NewThreatRepository(db *sql.DB) *ThreatRepository {
	return &ThreatRepository{db: db}
}

const threatColumns = `id, event_ids, threat_type, confidence, risk_score, status, detection_time, affected_assets, updated_at, resolved_at`

// StoreThreat stores a new threat detection
func (r *ThreatRepository) StoreThreat(ctx context.Context, threat *models.Threat) error {
	query := `INSERT INTO threats (` + threatColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := r.db.ExecContext(ctx, query,
		threat.ID,
		pq.Array(uuidStrings(threat.EventIDs)),
		threat.ThreatType,
		threat.Confidence,
		threat.RiskScore,
		threat.Status,
		threat.DetectionTime,
		pq.Array(threat.AffectedAssets),
		threat.UpdatedAt,
		threat.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to store threat: %w", err)
	}

	for i := range threat.MitigationActions {
		if err := r.AppendMitigation(ctx, threat.ID, &threat.MitigationActions[i]); err != nil {
			return err
		}
	}

	return nil
}

// GetThreat retrieves a threat and its mitigation history by ID
func (r *ThreatRepository) GetThreat(ctx context.Context, id uuid.UUID) (*models.Threat, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+threatColumns+" FROM threats WHERE id = $1", id)
	threat, err := scanThreat(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get threat: %w", err)
	}

	mitigations, err := r.loadMitigations(ctx, []uuid.UUID{id})
	if err != nil {
		return nil, err
	}
	threat.MitigationActions = mitigations[id]
	return threat, nil
}

// ListThreats retrieves threats matching the filter, highest risk first
func (r *ThreatRepository) ListThreats(ctx context.Context, filter ThreatFilter) ([]*models.Threat, error) {
	query := "SELECT " + threatColumns + " FROM threats WHERE risk_score >= $1"
	args := []interface{}{filter.MinRisk}
	if filter.Status != "" {
		query += " AND status = $2"
		args = append(args, filter.Status)
	}
	query += " ORDER BY risk_score DESC, detection_time DESC"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query threats: %w", err)
	}
	defer rows.Close()

	var threats []*models.Threat
	var ids []uuid.UUID
	for rows.Next() {
		threat, err := scanThreat(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan threat: %w", err)
		}
		threats = append(threats, threat)
		ids = append(ids, threat.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	mitigations, err := r.loadMitigations(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, t := range threats {
		t.MitigationActions = mitigations[t.ID]
	}
	return threats, nil
}

// UpdateThreatStatus updates a threat's status; resolved_at is stamped the first time it resolves
func (r *ThreatRepository) UpdateThreatStatus(ctx context.Context, id uuid.UUID, status models.ThreatStatus, at time.Time) error {
	query := `
		UPDATE threats
		SET status = $1,
		    updated_at = $2,
		    resolved_at = CASE WHEN $1 = 'resolved' THEN COALESCE(resolved_at, $2) ELSE resolved_at END
		WHERE id = $3
	`
	res, err := r.db.ExecContext(ctx, query, status, at, id)
	if err != nil {
		return fmt.Errorf("failed to update threat status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendMitigation appends one mitigation record to a threat
func (r *ThreatRepository) AppendMitigation(ctx context.Context, threatID uuid.UUID, action *models.MitigationAction) error {
	paramsJSON, err := json.Marshal(action.Parameters)
	if err != nil {
		return fmt.Errorf("failed to marshal mitigation parameters: %w", err)
	}

	query := `
		INSERT INTO mitigation_actions (id, threat_id, action, parameters, result, actor, incident_id, timestamp)
		SELECT $1, id, $3, $4, $5, $6, $7, $8 FROM threats WHERE id = $2
	`
	res, err := r.db.ExecContext(ctx, query,
		action.ID,
		threatID,
		action.Action,
		paramsJSON,
		action.Result,
		action.Actor,
		action.IncidentID,
		action.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append mitigation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	_, err = r.db.ExecContext(ctx, "UPDATE threats SET updated_at = $1 WHERE id = $2", action.Timestamp, threatID)
	if err != nil {
		return fmt.Errorf("failed to touch threat: %w", err)
	}
	return nil
}

func (r *ThreatRepository) loadMitigations(ctx context.Context, threatIDs []uuid.UUID) (map[uuid.UUID][]models.MitigationAction, error) {
	out := make(map[uuid.UUID][]models.MitigationAction, len(threatIDs))
	if len(threatIDs) == 0 {
		return out, nil
	}

	query := `
		SELECT id, threat_id, action, parameters, result, actor, incident_id, timestamp
		FROM mitigation_actions
		WHERE threat_id = ANY($1)
		ORDER BY seq ASC
	`
	rows, err := r.db.QueryContext(ctx, query, pq.Array(uuidStrings(threatIDs)))
	if err != nil {
		return nil, fmt.Errorf("failed to query mitigation actions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var m models.MitigationAction
		var threatID uuid.UUID
		var paramsJSON []byte
		var incidentID uuid.NullUUID

		if err := rows.Scan(&m.ID, &threatID, &m.Action, &paramsJSON, &m.Result, &m.Actor, &incidentID, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan mitigation action: %w", err)
		}
		if len(paramsJSON) > 0 {
			if err := json.Unmarshal(paramsJSON, &m.Parameters); err != nil {
				return nil, fmt.Errorf("failed to unmarshal mitigation parameters: %w", err)
			}
		}
		if incidentID.Valid {
			id := incidentID.UUID
			m.IncidentID = &id
		}
		out[threatID] = append(out[threatID], m)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanThreat(row rowScanner) (*models.Threat, error) {
	var threat models.Threat
	var eventIDs []string
	var resolvedAt sql.NullTime

	err := row.Scan(
		&threat.ID,
		pq.Array(&eventIDs),
		&threat.ThreatType,
		&threat.Confidence,
		&threat.RiskScore,
		&threat.Status,
		&threat.DetectionTime,
		pq.Array(&threat.AffectedAssets),
		&threat.UpdatedAt,
		&resolvedAt,
	)
	if err != nil {
		return nil, err
	}

	threat.EventIDs = parseUUIDs(eventIDs)
	if resolvedAt.Valid {
		at := resolvedAt.Time
		threat.ResolvedAt = &at
	}
	return &threat, nil
}

// IncidentRepository implements incident storage operations
type IncidentRepository struct {
	db *sql.DB
}

// NewIncidentRepository creates a new incident repository
func NewIncidentRepository(db *sql.DB) *IncidentRepository {
	return &IncidentRepository{db: db}
}

const incidentColumns = `id, threat_id, playbook_id, playbook_version, status, start_time, end_time,
	current_step_index, completed_steps, total_steps, estimated_completion, assigned_analyst,
	escalation_level, steps, failure_reason`

// CreateIncident stores a new incident. The partial unique index on
// incidents(threat_id) rejects a second non-terminal incident for a threat.
func (r *IncidentRepository) CreateIncident(ctx context.Context, inc *models.Incident) error {
	stepsJSON, err := json.Marshal(inc.Steps)
	if err != nil {
		return fmt.Errorf("failed to marshal incident steps: %w", err)
	}

	query := `INSERT INTO incidents (` + incidentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	_, err = r.db.ExecContext(ctx, query,
		inc.ID,
		inc.ThreatID,
		inc.PlaybookID,
		inc.PlaybookVersion,
		inc.Status,
		inc.StartTime,
		inc.EndTime,
		inc.CurrentStepIndex,
		inc.CompletedSteps,
		inc.TotalSteps,
		inc.EstimatedCompletion,
		inc.AssignedAnalyst,
		inc.EscalationLevel,
		stepsJSON,
		inc.FailureReason,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
			return ErrActiveIncident
		}
		return fmt.Errorf("failed to store incident: %w", err)
	}
	return nil
}

// UpdateIncident persists the mutable fields of an incident
func (r *IncidentRepository) UpdateIncident(ctx context.Context, inc *models.Incident) error {
	stepsJSON, err := json.Marshal(inc.Steps)
	if err != nil {
		return fmt.Errorf("failed to marshal incident steps: %w", err)
	}

	query := `
		UPDATE incidents
		SET status = $1, end_time = $2, current_step_index = $3, completed_steps = $4,
		    estimated_completion = $5, assigned_analyst = $6, escalation_level = $7,
		    steps = $8, failure_reason = $9
		WHERE id = $10
	`
	res, err := r.db.ExecContext(ctx, query,
		inc.Status,
		inc.EndTime,
		inc.CurrentStepIndex,
		inc.CompletedSteps,
		inc.EstimatedCompletion,
		inc.AssignedAnalyst,
		inc.EscalationLevel,
		stepsJSON,
		inc.FailureReason,
		inc.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update incident: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetIncident retrieves an incident by ID
func (r *IncidentRepository) GetIncident(ctx context.Context, id uuid.UUID) (*models.Incident, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+incidentColumns+" FROM incidents WHERE id = $1", id)
	inc, err := scanIncident(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get incident: %w", err)
	}
	return inc, nil
}

// ListIncidents retrieves incidents matching the filter, newest first
func (r *IncidentRepository) ListIncidents(ctx context.Context, filter IncidentFilter) ([]*models.Incident, error) {
	var conds []string
	args := []interface{}{}
	if filter.ThreatID != uuid.Nil {
		args = append(args, filter.ThreatID)
		conds = append(conds, fmt.Sprintf("threat_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}

	query := "SELECT " + incidentColumns + " FROM incidents"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY start_time DESC"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query incidents: %w", err)
	}
	defer rows.Close()

	var incidents []*models.Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan incident: %w", err)
		}
		incidents = append(incidents, inc)
	}
	return incidents, rows.Err()
}

// ActiveIncidentForThreat returns the non-terminal incident for a threat, or ErrNotFound
func (r *IncidentRepository) ActiveIncidentForThreat(ctx context.Context, threatID uuid.UUID) (*models.Incident, error) {
	query := "SELECT " + incidentColumns + ` FROM incidents
		WHERE threat_id = $1 AND status NOT IN ('completed', 'failed')
		LIMIT 1`
	inc, err := scanIncident(r.db.QueryRowContext(ctx, query, threatID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active incident: %w", err)
	}
	return inc, nil
}

func scanIncident(row rowScanner) (*models.Incident, error) {
	var inc models.Incident
	var endTime sql.NullTime
	var stepsJSON []byte

	err := row.Scan(
		&inc.ID,
		&inc.ThreatID,
		&inc.PlaybookID,
		&inc.PlaybookVersion,
		&inc.Status,
		&inc.StartTime,
		&endTime,
		&inc.CurrentStepIndex,
		&inc.CompletedSteps,
		&inc.TotalSteps,
		&inc.EstimatedCompletion,
		&inc.AssignedAnalyst,
		&inc.EscalationLevel,
		&stepsJSON,
		&inc.FailureReason,
	)
	if err != nil {
		return nil, err
	}

	if endTime.Valid {
		at := endTime.Time
		inc.EndTime = &at
	}
	if len(stepsJSON) > 0 {
		if err := json.Unmarshal(stepsJSON, &inc.Steps); err != nil {
			return nil, fmt.Errorf("failed to unmarshal incident steps: %w", err)
		}
	}
	return &inc, nil
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func parseUUIDs(strs []string) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(strs))
	for _, s := range strs {
		id, err := uuid.Parse(strings.TrimSpace(s))
		if err != nil {
			continue // Skip invalid UUIDs
		}
		ids = append(ids, id)
	}
	return ids
}
