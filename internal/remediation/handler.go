package remediation

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/sentinelops/secops-engine/internal/models"
)

// Request carries everything a handler needs to act on a threat
type Request struct {
	Threat     *models.Threat
	Action     string
	Parameters map[string]any
	Actor      string
	IncidentID *uuid.UUID
	StepID     string
}

// Param returns a string parameter or fallback
func (r *Request) Param(key, fallback string) string {
	if v, ok := r.Parameters[key]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return fallback
}

// Result describes what a handler did
type Result struct {
	Summary string         `json:"summary"`
	Details map[string]any `json:"details,omitempty"`
}

// Handler executes one named response action
type Handler interface {
	Name() string
	// Containment reports whether a successful run isolates or blocks the threat.
	Containment() bool
	Execute(ctx context.Context, req *Request) (*Result, error)
}

// Rollbacker is implemented by handlers whose effect can be undone
type Rollbacker interface {
	Rollback(ctx context.Context, req *Request) error
}

// Registry maps action names to handlers
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler; names must be unique
func (r *Registry) Register(h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[h.Name()]; exists {
		return fmt.Errorf("handler %q already registered", h.Name())
	}
	r.handlers[h.Name()] = h
	return nil
}

// Get returns the handler for an action
func (r *Registry) Get(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Has reports whether an action is registered
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Names returns the registered action names in order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
