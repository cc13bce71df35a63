package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"runtime/debug"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/sentinelops/secops-engine/internal/apperr"
	"github.com/sentinelops/secops-engine/internal/config"
	"github.com/sentinelops/secops-engine/internal/detection"
	"github.com/sentinelops/secops-engine/internal/incident"
	"github.com/sentinelops/secops-engine/internal/ingestion"
	"github.com/sentinelops/secops-engine/internal/metrics"
	"github.com/sentinelops/secops-engine/internal/playbook"
	"github.com/sentinelops/secops-engine/internal/remediation"
	"github.com/sentinelops/secops-engine/internal/threats"
)

// HealthCheck reports whether one backing component is reachable
type HealthCheck func(ctx context.Context) error

// Services are the engine components behind the request boundary
type Services struct {
	Events     *ingestion.Ingestor
	Scorer     *detection.Scorer
	Threats    *threats.Registry
	Playbooks  *playbook.Catalog
	Responses  *remediation.Service
	Incidents  *incident.Orchestrator
	Aggregator *metrics.Aggregator
	Collectors *metrics.Collectors
	Checks     map[string]HealthCheck
}

// Server represents the HTTP API server
type Server struct {
	config     *config.Config
	services   Services
	router     *mux.Router
	httpServer *http.Server
	validate   *validator.Validate
	logger     *slog.Logger
	started    time.Time
	actions    map[string]actionRoute
}

// NewServer creates a new API server instance
func NewServer(cfg *config.Config, services Services, logger *slog.Logger) *Server {
	router := mux.NewRouter()

	corsMiddleware := handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization", "Accept"}),
	)

	server := &Server{
		config:   cfg,
		services: services,
		router:   router,
		validate: newValidator(),
		logger:   logger,
		started:  time.Now(),
	}
	server.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:      server.recoverMiddleware(corsMiddleware(router)),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	server.setupRoutes()
	return server
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.actions = s.securityActions()

	s.router.HandleFunc("/health", s.healthCheck).Methods(http.MethodGet)
	if s.services.Collectors != nil && s.config.Observability.PrometheusEnabled {
		s.router.Handle("/metrics", s.services.Collectors.Handler()).Methods(http.MethodGet)
	}

	api := s.router.PathPrefix(s.config.Server.APIPrefix).Subrouter()
	api.Use(s.loggingMiddleware, s.authMiddleware)
	api.HandleFunc("/security", s.dispatch)
}

// Handler returns the root handler including middleware
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start starts the HTTP server
func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// actionRoute maps HTTP methods to the handlers of one action
type actionRoute map[string]http.HandlerFunc

func (s *Server) securityActions() map[string]actionRoute {
	return map[string]actionRoute{
		"events":    {http.MethodGet: s.listEvents, http.MethodPost: s.createEvent},
		"threats":   {http.MethodGet: s.listThreats, http.MethodPut: s.updateThreat},
		"metrics":   {http.MethodGet: s.getMetrics},
		"analyze":   {http.MethodPost: s.analyzeEvents},
		"response":  {http.MethodPost: s.executeResponse},
		"status":    {http.MethodGet: s.systemStatus},
		"incidents": {http.MethodGet: s.listIncidents, http.MethodPost: s.launchIncident, http.MethodPut: s.updateIncident},
		"playbooks": {http.MethodGet: s.listPlaybooks, http.MethodPost: s.registerPlaybook},
	}
}

func (s *Server) supportedActions() []string {
	names := make([]string, 0, len(s.actions))
	for name := range s.actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// dispatch selects the handler from the action query parameter and method
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	action := r.URL.Query().Get("action")
	route, ok := s.actions[action]
	if !ok {
		msg := "Missing action parameter"
		if action != "" {
			msg = fmt.Sprintf("Unsupported action %q", action)
		}
		s.writeError(w, r, apperr.Validation("%s", msg).With("supportedActions", s.supportedActions()))
		return
	}

	handler, ok := route[r.Method]
	if !ok {
		allowed := make([]string, 0, len(route))
		for m := range route {
			allowed = append(allowed, m)
		}
		sort.Strings(allowed)
		w.Header().Set("Allow", strings.Join(allowed, ", "))
		s.writeError(w, r, apperr.MethodNotAllowed("Method %s not allowed for action %s", r.Method, action).
			With("allowedMethods", allowed))
		return
	}
	handler(w, r)
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secret := strings.TrimSpace(s.config.Security.APIToken)
		if secret == "" || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		const bearerPrefix = "Bearer "
		authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(authHeader, bearerPrefix) {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "missing or invalid Authorization header"})
			return
		}

		token := strings.TrimSpace(strings.TrimPrefix(authHeader, bearerPrefix))
		if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid token"})
			return
		}

		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("request handled",
			"method", r.Method, "path", r.URL.Path, "action", r.URL.Query().Get("action"),
			"status", rec.status, "duration", time.Since(start))
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic while handling request",
					"method", r.Method, "path", r.URL.Path, "panic", rec, "stack", string(debug.Stack()))
				s.writeError(w, r, apperr.Internal(fmt.Errorf("panic: %v", rec), "handler panicked"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// Health check handler
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// errorResponse is the structured payload of every failed request
type errorResponse struct {
	Error     string         `json:"error"`
	Kind      apperr.Kind    `json:"kind"`
	Retryable bool           `json:"retryable"`
	Context   map[string]any `json:"context,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *apperr.Error
	if !errors.As(err, &appErr) {
		appErr = apperr.Internal(err, "unexpected error")
	}

	resp := errorResponse{
		Error:     appErr.Message,
		Kind:      appErr.Kind,
		Retryable: apperr.Retryable(appErr.Kind),
		Context:   appErr.Context,
	}
	status := apperr.HTTPStatus(appErr.Kind)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		resp.Error = "Internal server error"
		resp.Context = nil
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decode reads a JSON body into dst and validates its struct tags
func (s *Server) decode(r *http.Request, dst any) error {
	if r.Body == nil {
		return apperr.Validation("Request body is required")
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return apperr.Validation("Invalid request body: %v", err)
	}
	if err := s.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return apperr.Internal(err, "failed to validate request")
		}
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fe.Field())
		}
		sort.Strings(fields)
		return apperr.Validation("Invalid request: %s", strings.Join(fields, ", ")).With("fields", fields)
	}
	return nil
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}
