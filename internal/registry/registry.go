package registry

import (
	"fmt"
	"strings"
	"time"

	"github.com/loykin/servo/internal/logger"
)

// Criticality is a declarative importance tier. It is metadata for ordering
// and operator display; the supervisor does not enforce it behaviorally.
type Criticality string

const (
	CriticalityCritical  Criticality = "critical"
	CriticalityImportant Criticality = "important"
	CriticalityOptional  Criticality = "optional"
)

// Managed says whether the orchestrator owns the process lifecycle
// (internal) or merely monitors something it did not start (external,
// e.g. the database).
type Managed string

const (
	ManagedInternal Managed = "internal"
	ManagedExternal Managed = "external"
)

// RunSpec describes how an internal service is spawned.
type RunSpec struct {
	Command string   `json:"command" mapstructure:"command"`
	Args    []string `json:"args" mapstructure:"args"`
	WorkDir string   `json:"work_dir" mapstructure:"work_dir"`
	Env     []string `json:"env" mapstructure:"env"`
}

// Definition is one immutable service registry entry. The registry is loaded
// once at boot and read-only thereafter.
type Definition struct {
	ID           string      `json:"id" mapstructure:"id"`
	Name         string      `json:"name" mapstructure:"name"`
	Criticality  Criticality `json:"criticality" mapstructure:"criticality"`
	Managed      Managed     `json:"managed" mapstructure:"managed"`
	Run          RunSpec     `json:"run" mapstructure:"run"`
	Dependencies []string    `json:"dependencies" mapstructure:"dependencies"`

	HealthEndpoint string        `json:"healthEndpoint" mapstructure:"health_endpoint"`
	CheckInterval  time.Duration `json:"checkInterval" mapstructure:"check_interval"`
	Timeout        time.Duration `json:"timeout" mapstructure:"timeout"`

	// Retries is the consecutive health failure threshold that trips the
	// circuit breaker.
	Retries int `json:"retries" mapstructure:"retries"`
	// WarmupChecks is the number of consecutive successful probes required
	// after a start before the service counts as running.
	WarmupChecks int `json:"warmupRequiredChecks" mapstructure:"warmup_checks"`

	RequiredEnv []string      `json:"requiredEnv" mapstructure:"required_env"`
	AutoStart   bool          `json:"autoStart" mapstructure:"auto_start"`
	Log         logger.Config `json:"log" mapstructure:"log"`
}

// DefaultCheckInterval applies when check_interval is unset.
const DefaultCheckInterval = 5 * time.Second

// Registry holds the resolved, immutable definition set.
type Registry struct {
	defs []Definition
	byID map[string]int
}

// New validates and indexes a definition list.
func New(defs []Definition) (*Registry, error) {
	r := &Registry{byID: make(map[string]int, len(defs))}
	for _, d := range defs {
		d = withDefaults(d)
		if err := validate(d); err != nil {
			return nil, err
		}
		if _, dup := r.byID[d.ID]; dup {
			return nil, fmt.Errorf("duplicate service id %q", d.ID)
		}
		r.byID[d.ID] = len(r.defs)
		r.defs = append(r.defs, d)
	}
	// dependency targets must exist
	for _, d := range r.defs {
		for _, dep := range d.Dependencies {
			if dep == d.ID {
				return nil, fmt.Errorf("service %q depends on itself", d.ID)
			}
			if _, ok := r.byID[dep]; !ok {
				return nil, fmt.Errorf("service %q depends on unknown service %q", d.ID, dep)
			}
		}
	}
	return r, nil
}

func withDefaults(d Definition) Definition {
	if d.Name == "" {
		d.Name = d.ID
	}
	if d.Criticality == "" {
		d.Criticality = CriticalityImportant
	}
	if d.Managed == "" {
		d.Managed = ManagedInternal
	}
	if d.CheckInterval <= 0 {
		d.CheckInterval = DefaultCheckInterval
	}
	return d
}

func validate(d Definition) error {
	if strings.TrimSpace(d.ID) == "" {
		return fmt.Errorf("service id is required")
	}
	if !isSafeID(d.ID) {
		return fmt.Errorf("service id %q: allowed characters are [A-Za-z0-9._-]", d.ID)
	}
	switch d.Criticality {
	case CriticalityCritical, CriticalityImportant, CriticalityOptional:
	default:
		return fmt.Errorf("service %q: invalid criticality %q", d.ID, d.Criticality)
	}
	switch d.Managed {
	case ManagedInternal:
		if strings.TrimSpace(d.Run.Command) == "" {
			return fmt.Errorf("service %q: internal service requires run.command", d.ID)
		}
	case ManagedExternal:
		if d.Run.Command != "" {
			return fmt.Errorf("service %q: external service must not define run.command", d.ID)
		}
		if d.HealthEndpoint == "" {
			return fmt.Errorf("service %q: external service requires health_endpoint", d.ID)
		}
	default:
		return fmt.Errorf("service %q: invalid managed %q", d.ID, d.Managed)
	}
	if d.Retries < 0 {
		return fmt.Errorf("service %q: retries cannot be negative", d.ID)
	}
	if d.WarmupChecks < 0 {
		return fmt.Errorf("service %q: warmup_checks cannot be negative", d.ID)
	}
	return nil
}

func isSafeID(s string) bool {
	if strings.Contains(s, "..") {
		return false
	}
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}

// Get returns the definition for id.
func (r *Registry) Get(id string) (Definition, bool) {
	i, ok := r.byID[id]
	if !ok {
		return Definition{}, false
	}
	return r.defs[i], true
}

// All returns a copy of the definition list in declaration order.
func (r *Registry) All() []Definition {
	out := make([]Definition, len(r.defs))
	copy(out, r.defs)
	return out
}

// Len reports the number of registered services.
func (r *Registry) Len() int { return len(r.defs) }

// IDs returns service ids in declaration order.
func (r *Registry) IDs() []string {
	out := make([]string, len(r.defs))
	for i, d := range r.defs {
		out[i] = d.ID
	}
	return out
}
