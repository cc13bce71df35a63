// Package playbook provides the versioned catalog of response playbooks.
package playbook

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sentinelops/secops-engine/internal/apperr"
	"github.com/sentinelops/secops-engine/internal/models"
)

// Catalog holds every registered version of every playbook
type Catalog struct {
	mu        sync.RWMutex
	versions  map[string][]*models.Playbook
	actionsOK func(action string) bool
	logger    *slog.Logger
}

// NewCatalog creates an empty catalog
func NewCatalog(logger *slog.Logger) *Catalog {
	return &Catalog{
		versions: make(map[string][]*models.Playbook),
		logger:   logger,
	}
}

// SetActionValidator makes Register reject automated steps whose action is unknown
func (c *Catalog) SetActionValidator(known func(action string) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.actionsOK = known
}

// Register validates a playbook and stores it as a new version. A zero
// version is assigned the next free version number.
func (c *Catalog) Register(pb *models.Playbook) (*models.Playbook, error) {
	p := clonePlaybook(pb)
	sortSteps(p.Steps)

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := Validate(p, c.actionsOK); err != nil {
		return nil, err
	}

	existing := c.versions[p.ID]
	latest := 0
	if n := len(existing); n > 0 {
		latest = existing[n-1].Version
	}
	if p.Version == 0 {
		p.Version = latest + 1
	}
	if p.Version <= latest {
		return nil, apperr.Precondition("playbook %s version %d is not newer than version %d", p.ID, p.Version, latest).
			With("playbookId", p.ID).With("latestVersion", latest)
	}

	p.AutomationLevel = automationLevel(p.Steps)
	p.EstimatedTime = estimatedTime(p.Steps)
	c.versions[p.ID] = append(existing, p)

	if c.logger != nil {
		c.logger.Info("playbook registered",
			"playbook_id", p.ID, "version", p.Version, "steps", len(p.Steps), "automation", p.AutomationLevel)
	}
	return clonePlaybook(p), nil
}

// GetByID returns the latest version of a playbook
func (c *Catalog) GetByID(id string) (*models.Playbook, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	versions := c.versions[id]
	if len(versions) == 0 {
		return nil, apperr.NotFound("Playbook not found").With("playbookId", id)
	}
	return clonePlaybook(versions[len(versions)-1]), nil
}

// GetVersion returns one specific version of a playbook
func (c *Catalog) GetVersion(id string, version int) (*models.Playbook, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, p := range c.versions[id] {
		if p.Version == version {
			return clonePlaybook(p), nil
		}
	}
	return nil, apperr.NotFound("Playbook version not found").With("playbookId", id).With("version", version)
}

// GetByThreatType returns the latest version of every applicable playbook.
// Exact threat type matches precede wildcard ones, then higher success rate, then id.
func (c *Catalog) GetByThreatType(threatType string) []*models.Playbook {
	c.mu.RLock()
	var out []*models.Playbook
	for _, versions := range c.versions {
		latest := versions[len(versions)-1]
		if latest.AppliesTo(threatType) {
			out = append(out, clonePlaybook(latest))
		}
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		ei, ej := exactMatch(out[i], threatType), exactMatch(out[j], threatType)
		if ei != ej {
			return ei
		}
		if out[i].SuccessRate != out[j].SuccessRate {
			return out[i].SuccessRate > out[j].SuccessRate
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// List returns the latest version of every playbook ordered by id
func (c *Catalog) List() []*models.Playbook {
	c.mu.RLock()
	out := make([]*models.Playbook, 0, len(c.versions))
	for _, versions := range c.versions {
		out = append(out, clonePlaybook(versions[len(versions)-1]))
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Validate checks the structure of a playbook. known, when non-nil, must
// accept the action of every automated step.
func Validate(pb *models.Playbook, known func(string) bool) error {
	p := clonePlaybook(pb)
	sortSteps(p.Steps)

	if p.ID == "" {
		return apperr.Validation("playbook id is required")
	}
	if p.Version < 0 {
		return apperr.Validation("playbook version must be positive").With("playbookId", p.ID)
	}
	if len(p.Steps) == 0 {
		return apperr.Validation("playbook %s has no steps", p.ID).With("playbookId", p.ID)
	}
	if len(p.ThreatTypes) == 0 {
		return apperr.Validation("playbook %s applies to no threat types", p.ID).With("playbookId", p.ID)
	}

	ids := make(map[string]int, len(p.Steps))
	orders := make(map[int]bool, len(p.Steps))
	for i, s := range p.Steps {
		if s.ID == "" {
			return apperr.Validation("step %d of playbook %s has no id", i, p.ID).With("playbookId", p.ID)
		}
		if _, dup := ids[s.ID]; dup {
			return apperr.Validation("duplicate step id %s", s.ID).With("playbookId", p.ID).With("stepId", s.ID)
		}
		if orders[s.Order] {
			return apperr.Validation("duplicate step order %d", s.Order).With("playbookId", p.ID).With("stepId", s.ID)
		}
		if s.Action == "" {
			return apperr.Validation("step %s has no action", s.ID).With("playbookId", p.ID).With("stepId", s.ID)
		}
		if s.Automated && known != nil && !known(s.Action) {
			return apperr.Validation("step %s uses unknown action %s", s.ID, s.Action).
				With("playbookId", p.ID).With("stepId", s.ID)
		}
		if s.EstimatedDuration < 0 || s.Timeout < 0 {
			return apperr.Validation("step %s has a negative duration", s.ID).With("playbookId", p.ID).With("stepId", s.ID)
		}
		ids[s.ID] = i
		orders[s.Order] = true
	}

	for _, s := range p.Steps {
		for _, dep := range s.Dependencies {
			if _, ok := ids[dep]; !ok {
				return apperr.Validation("step %s depends on unknown step %s", s.ID, dep).
					With("playbookId", p.ID).With("stepId", s.ID)
			}
		}
	}

	if _, ok := topoSort(p.Steps); !ok {
		return apperr.Validation("playbook %s has a dependency cycle", p.ID).With("playbookId", p.ID)
	}

	for i, s := range p.Steps {
		for _, dep := range s.Dependencies {
			if ids[dep] >= i {
				return apperr.Validation("step %s depends on later step %s", s.ID, dep).
					With("playbookId", p.ID).With("stepId", s.ID)
			}
		}
	}
	return nil
}

// topoSort runs Kahn's algorithm and reports whether every step was reached.
func topoSort(steps []models.Step) ([]string, bool) {
	indegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))
	for _, s := range steps {
		indegree[s.ID] += 0
		for _, dep := range s.Dependencies {
			indegree[s.ID]++
			dependents[dep] = append(dependents[dep], s.ID)
		}
	}

	var queue, order []string
	for _, s := range steps {
		if indegree[s.ID] == 0 {
			queue = append(queue, s.ID)
		}
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	return order, len(order) == len(steps)
}

func automationLevel(steps []models.Step) models.AutomationLevel {
	automated := 0
	for _, s := range steps {
		if s.Automated {
			automated++
		}
	}
	switch automated {
	case len(steps):
		return models.AutomationFull
	case 0:
		return models.AutomationManual
	default:
		return models.AutomationPartial
	}
}

func estimatedTime(steps []models.Step) time.Duration {
	var total time.Duration
	for _, s := range steps {
		total += s.EstimatedDuration
	}
	return total
}

func exactMatch(p *models.Playbook, threatType string) bool {
	for _, t := range p.ThreatTypes {
		if t == threatType {
			return true
		}
	}
	return false
}

func sortSteps(steps []models.Step) {
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })
}

func clonePlaybook(p *models.Playbook) *models.Playbook {
	c := *p
	c.ThreatTypes = append([]string(nil), p.ThreatTypes...)
	c.Steps = make([]models.Step, len(p.Steps))
	for i, s := range p.Steps {
		cs := s
		cs.Dependencies = append([]string(nil), s.Dependencies...)
		if s.Parameters != nil {
			cs.Parameters = make(map[string]any, len(s.Parameters))
			for k, v := range s.Parameters {
				cs.Parameters[k] = v
			}
		}
		c.Steps[i] = cs
	}
	return &c
}
