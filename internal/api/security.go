package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sentinelops/secops-engine/internal/apperr"
	"github.com/sentinelops/secops-engine/internal/ingestion"
	"github.com/sentinelops/secops-engine/internal/models"
	"github.com/sentinelops/secops-engine/internal/storage"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
	operatorActor     = "analyst"
)

// listEvents lists events with optional filters
func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit := defaultEventLimit
	if limitStr := q.Get("limit"); limitStr != "" {
		l, err := strconv.Atoi(limitStr)
		if err != nil || l <= 0 {
			s.writeError(w, r, apperr.Validation("limit must be a positive integer").With("limit", limitStr))
			return
		}
		limit = min(l, maxEventLimit)
	}

	filter := storage.EventFilter{Severity: models.Severity(strings.ToLower(q.Get("severity"))), Limit: limit}
	if tr := q.Get("timeRange"); tr != "" {
		window, err := parseTimeRange(tr)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		filter.Since = time.Now().Add(-window)
	}

	events, total, err := s.services.Events.Query(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if events == nil {
		events = []*models.Event{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"events":    events,
		"total":     total,
		"timestamp": time.Now().UTC(),
	})
}

// parseTimeRange accepts Go durations plus a day suffix such as "7d"
func parseTimeRange(s string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err == nil && n > 0 {
			return time.Duration(n) * 24 * time.Hour, nil
		}
	} else if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d, nil
	}
	return 0, apperr.Validation("invalid timeRange %q", s).With("timeRange", s)
}

// createEvent appends one event
func (s *Server) createEvent(w http.ResponseWriter, r *http.Request) {
	var in ingestion.EventInput
	if err := s.decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}

	event, err := s.services.Events.Append(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"event": event})
}

// listThreats lists threats, highest risk first
func (s *Server) listThreats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := storage.ThreatFilter{Status: models.ThreatStatus(q.Get("status"))}
	if filter.Status != "" && !filter.Status.Valid() {
		s.writeError(w, r, apperr.Validation("invalid status %q", filter.Status).With("status", filter.Status))
		return
	}
	if rt := q.Get("riskThreshold"); rt != "" {
		n, err := strconv.Atoi(rt)
		if err != nil || n < 0 || n > 100 {
			s.writeError(w, r, apperr.Validation("riskThreshold must be an integer in [0,100]").With("riskThreshold", rt))
			return
		}
		filter.MinRisk = n
	}

	list, err := s.services.Threats.List(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []*models.Threat{}
	}

	// activeCount covers every active threat, not only the filtered page
	active, err := s.services.Threats.List(r.Context(), storage.ThreatFilter{Status: models.ThreatStatusActive})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"threats":     list,
		"total":       len(list),
		"activeCount": len(active),
		"timestamp":   time.Now().UTC(),
	})
}

// UpdateThreatRequest changes a threat's status
type UpdateThreatRequest struct {
	ThreatID string `json:"threatId" validate:"required"`
	Status   string `json:"status"`
	Analyst  string `json:"analyst"`
	Override bool   `json:"override"`
}

// updateThreat moves a threat through its lifecycle
func (s *Server) updateThreat(w http.ResponseWriter, r *http.Request) {
	var req UpdateThreatRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	ctx := r.Context()
	id, err := parseThreatID(req.ThreatID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := s.services.Threats.Get(ctx, id); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Status == "" {
		s.writeError(w, r, apperr.Validation("Invalid request: status").With("fields", []string{"status"}))
		return
	}

	analyst := orDefault(req.Analyst, operatorActor)
	threat, err := s.services.Threats.UpdateStatus(ctx, id, models.ThreatStatus(req.Status), analyst, req.Override)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"threat":    threat,
		"message":   fmt.Sprintf("Threat status updated to %s", threat.Status),
		"updatedBy": analyst,
		"timestamp": time.Now().UTC(),
	})
}

// getMetrics computes the KPI snapshot
func (s *Server) getMetrics(w http.ResponseWriter, r *http.Request) {
	m, err := s.services.Aggregator.Compute(r.Context(), time.Now())
	if err != nil {
		s.writeError(w, r, apperr.Internal(err, "failed to compute metrics"))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"metrics":   m,
		"timestamp": time.Now().UTC(),
		"period":    "24h",
	})
}

// AnalyzeRequest selects the events to correlate
type AnalyzeRequest struct {
	EventIDs     []string `json:"eventIds" validate:"required,min=1"`
	AnalysisType string   `json:"analysisType"`
}

// analyzeEvents correlates stored events into one analysis
func (s *Server) analyzeEvents(w http.ResponseWriter, r *http.Request) {
	var req AnalyzeRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	// ids that are not UUIDs cannot match a stored event
	ids := make([]uuid.UUID, 0, len(req.EventIDs))
	for _, raw := range req.EventIDs {
		if id, err := uuid.Parse(raw); err == nil {
			ids = append(ids, id)
		}
	}

	events, err := s.services.Events.Get(r.Context(), ids)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if len(events) == 0 {
		s.writeError(w, r, apperr.NotFound("No events found").With("eventIds", req.EventIDs))
		return
	}

	analysis := s.services.Scorer.Analyze(events)
	writeJSON(w, http.StatusOK, map[string]any{
		"analysis":       analysis,
		"analyzedEvents": len(events),
		"analysisType":   orDefault(req.AnalysisType, "comprehensive"),
		"timestamp":      time.Now().UTC(),
	})
}

// ResponseRequest invokes one response action against a threat
type ResponseRequest struct {
	ThreatID       string         `json:"threatId" validate:"required"`
	ResponseAction string         `json:"responseAction" validate:"required"`
	Parameters     map[string]any `json:"parameters"`
	Analyst        string         `json:"analyst"`
}

// executeResponse runs a response action and records it on the threat
func (s *Server) executeResponse(w http.ResponseWriter, r *http.Request) {
	var req ResponseRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := parseThreatID(req.ThreatID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	out, err := s.services.Responses.Respond(r.Context(), id, req.ResponseAction, req.Parameters, orDefault(req.Analyst, operatorActor))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	response := map[string]any{
		"id":          out.Entry.ID,
		"action":      out.Entry.Action,
		"result":      out.Entry.Result,
		"containment": out.Containment,
		"durationMs":  out.Duration.Milliseconds(),
	}
	message := fmt.Sprintf("Response action %s executed", req.ResponseAction)
	if out.Result != nil {
		response["summary"] = out.Result.Summary
		response["details"] = out.Result.Details
	}
	if !out.Succeeded() {
		message = fmt.Sprintf("Response action %s failed", req.ResponseAction)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"threat":    out.Threat,
		"response":  response,
		"message":   message,
		"timestamp": time.Now().UTC(),
	})
}

// systemStatus summarises component health
func (s *Server) systemStatus(w http.ResponseWriter, r *http.Request) {
	components := map[string]string{
		"eventStore":   "operational",
		"threatScorer": "operational",
		"orchestrator": "operational",
	}
	overall := "operational"
	for name, check := range s.services.Checks {
		if err := check(r.Context()); err != nil {
			s.logger.Warn("component unhealthy", "component", name, "error", err)
			components[name] = "degraded"
			overall = "degraded"
			continue
		}
		components[name] = "operational"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":     overall,
		"components": components,
		"playbooks":  len(s.services.Playbooks.List()),
		"actions":    s.services.Responses.Registry().Names(),
		"uptime":     time.Since(s.started).Round(time.Second).String(),
		"timestamp":  time.Now().UTC(),
	})
}

func parseThreatID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, apperr.NotFound("Threat not found").With("threatId", raw)
	}
	return id, nil
}

func orDefault(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}
