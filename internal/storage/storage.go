package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/sentinelops/secops-engine/internal/models"
)

var (
	// ErrNotFound is returned when no row matches the requested id.
	ErrNotFound = errors.New("not found")
	// ErrActiveIncident is returned when a threat already has a non-terminal incident.
	ErrActiveIncident = errors.New("threat already has an active incident")
)

// EventFilter narrows event queries. Zero values mean "no constraint".
type EventFilter struct {
	Severity models.Severity
	Since    time.Time
	Limit    int
}

// Matches reports whether the event satisfies the filter (limit aside).
func (f EventFilter) Matches(e *models.Event) bool {
	if f.Severity != "" && e.Severity != f.Severity {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	return true
}

// ThreatFilter narrows threat queries
type ThreatFilter struct {
	Status  models.ThreatStatus
	MinRisk int
}

// Matches reports whether the threat satisfies the filter.
func (f ThreatFilter) Matches(t *models.Threat) bool {
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	return t.RiskScore >= f.MinRisk
}

// IncidentFilter narrows incident queries
type IncidentFilter struct {
	ThreatID uuid.UUID
	Status   models.IncidentStatus
}

// Matches reports whether the incident satisfies the filter.
func (f IncidentFilter) Matches(i *models.Incident) bool {
	if f.ThreatID != uuid.Nil && i.ThreatID != f.ThreatID {
		return false
	}
	if f.Status != "" && i.Status != f.Status {
		return false
	}
	return true
}

// Storage represents the database storage layer
type Storage struct {
	db *sql.DB
}

// NewStorage creates a new storage instance
func NewStorage(dbURL string) (*Storage, error) {
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Storage{db: db}, nil
}

// Close closes the database connection
func (s *Storage) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection
func (s *Storage) DB() *sql.DB {
	return s.db
}
