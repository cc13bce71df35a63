package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sentinelops/secops-engine/internal/apperr"
	"github.com/sentinelops/secops-engine/internal/incident"
	"github.com/sentinelops/secops-engine/internal/models"
	"github.com/sentinelops/secops-engine/internal/storage"
)

// listIncidents returns one incident by id or those matching threatId and status
func (s *Server) listIncidents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ctx := r.Context()

	var list []*models.Incident
	if raw := q.Get("id"); raw != "" {
		id, err := parseIncidentID(raw)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		inc, err := s.services.Incidents.Get(ctx, id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		list = []*models.Incident{inc}
	} else {
		filter := storage.IncidentFilter{Status: models.IncidentStatus(q.Get("status"))}
		if raw := q.Get("threatId"); raw != "" {
			id, err := uuid.Parse(raw)
			if err != nil {
				s.writeError(w, r, apperr.Validation("invalid threatId %q", raw).With("threatId", raw))
				return
			}
			filter.ThreatID = id
		}
		var err error
		if list, err = s.services.Incidents.List(ctx, filter); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	if list == nil {
		list = []*models.Incident{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"incidents": list,
		"total":     len(list),
		"timestamp": time.Now().UTC(),
	})
}

// LaunchIncidentRequest starts a playbook against a threat
type LaunchIncidentRequest struct {
	ThreatID   string `json:"threatId" validate:"required"`
	PlaybookID string `json:"playbookId"`
	Analyst    string `json:"analyst"`
}

// launchIncident starts a playbook run
func (s *Server) launchIncident(w http.ResponseWriter, r *http.Request) {
	var req LaunchIncidentRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	threatID, err := parseThreatID(req.ThreatID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	inc, pb, err := s.services.Incidents.Launch(r.Context(), incident.LaunchRequest{
		ThreatID:   threatID,
		PlaybookID: req.PlaybookID,
		Analyst:    req.Analyst,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"incident":  inc,
		"playbook":  pb,
		"timestamp": time.Now().UTC(),
	})
}

// UpdateIncidentRequest is one operator action on an incident
type UpdateIncidentRequest struct {
	IncidentID string `json:"incidentId" validate:"required"`
	Operation  string `json:"operation" validate:"required,oneof=pause resume abort escalate complete_step skip_step assign"`
	StepID     string `json:"stepId"`
	Success    *bool  `json:"success"`
	Notes      string `json:"notes"`
	Analyst    string `json:"analyst"`
}

// updateIncident applies an operator action
func (s *Server) updateIncident(w http.ResponseWriter, r *http.Request) {
	var req UpdateIncidentRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := parseIncidentID(req.IncidentID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	ctx := r.Context()
	orch := s.services.Incidents
	actor := orDefault(req.Analyst, operatorActor)

	var inc *models.Incident
	switch req.Operation {
	case "pause":
		inc, err = orch.Pause(ctx, id, actor)
	case "resume":
		inc, err = orch.Resume(ctx, id, actor)
	case "abort":
		inc, err = orch.Abort(ctx, id, actor, req.Notes)
	case "escalate":
		inc, err = orch.Escalate(ctx, id, actor)
	case "complete_step":
		success := req.Success == nil || *req.Success
		inc, err = orch.CompleteStep(ctx, id, req.StepID, success, req.Notes, actor)
	case "skip_step":
		inc, err = orch.SkipStep(ctx, id, req.StepID, req.Notes, actor)
	case "assign":
		inc, err = orch.Assign(ctx, id, req.Analyst)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"incident":  inc,
		"message":   fmt.Sprintf("Operation %s applied", req.Operation),
		"timestamp": time.Now().UTC(),
	})
}

// listPlaybooks returns the latest playbook versions, optionally filtered
func (s *Server) listPlaybooks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var list []*models.Playbook
	switch {
	case q.Get("id") != "":
		pb, err := s.services.Playbooks.GetByID(q.Get("id"))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		list = []*models.Playbook{pb}
	case q.Get("threatType") != "":
		list = s.services.Playbooks.GetByThreatType(q.Get("threatType"))
	default:
		list = s.services.Playbooks.List()
	}
	if list == nil {
		list = []*models.Playbook{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"playbooks": list,
		"total":     len(list),
		"timestamp": time.Now().UTC(),
	})
}

// registerPlaybook adds a playbook or a new version of one
func (s *Server) registerPlaybook(w http.ResponseWriter, r *http.Request) {
	var pb models.Playbook
	if err := s.decode(r, &pb); err != nil {
		s.writeError(w, r, err)
		return
	}

	registered, err := s.services.Playbooks.Register(&pb)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"playbook": registered})
}

func parseIncidentID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, apperr.NotFound("Incident not found").With("incidentId", raw)
	}
	return id, nil
}
