package env

import (
	"fmt"
	"os"
	"sort"
	"strings"
)

type Var map[string]string

// Env composes the environment handed to spawned services. The base comes
// from the orchestrator's own environment (or a cached copy), overridden by
// registry-level globals and finally by the per-service env list.
type Env struct {
	Var Var // global variables (K->V)
	env Var // cached base from OS environment
}

func New() *Env {
	return &Env{
		Var: make(Var),
	}
}

// FromOS caches the current process environment as the base.
func (e *Env) FromOS() {
	base := make(Var)
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			k := kv[:i]
			v := kv[i+1:]
			if k == "" {
				continue
			}
			base[k] = v
		}
	}
	e.env = base
}

// Set sets a global variable K=V.
func (e *Env) Set(k, v string) {
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

// Unset removes a global variable.
func (e *Env) Unset(k string) {
	if e.Var != nil {
		delete(e.Var, k)
	}
}

// WithSet returns a copy of e with k=v applied.
func (e *Env) WithSet(k, v string) *Env {
	n := &Env{Var: make(Var, len(e.Var)+1), env: e.env}
	for key, val := range e.Var {
		n.Var[key] = val
	}
	n.Var[k] = v
	return n
}

// MissingVarError reports required variables absent from the composed
// environment. A start must not proceed when this is returned.
type MissingVarError struct {
	Names []string
}

func (m *MissingVarError) Error() string {
	return fmt.Sprintf("missing required environment variables: %s", strings.Join(m.Names, ", "))
}

// Resolve composes the final environment for a service and verifies every
// name in required is present and non-empty after composition.
// Composition order: cached OS env, then global overrides, then perSvc
// ("K=V" entries) last. ${VAR} references are expanded against the composed
// map (single pass, no recursion).
func (e *Env) Resolve(perSvc []string, required []string) ([]string, error) {
	m := e.compose(perSvc)
	var missing []string
	for _, name := range required {
		if name == "" {
			continue
		}
		if v, ok := m[name]; !ok || v == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, &MissingVarError{Names: missing}
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out, nil
}

// Merge composes without any required-variable enforcement.
func (e *Env) Merge(perSvc []string) []string {
	out, _ := e.Resolve(perSvc, nil)
	return out
}

func (e *Env) compose(perSvc []string) Var {
	if e.env == nil {
		e.FromOS()
	}
	m := make(Var)
	for k, v := range e.env {
		m[k] = v
	}
	for k, v := range e.Var {
		if k == "" {
			continue
		}
		m[k] = v
	}
	for _, kv := range perSvc {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			k := kv[:i]
			v := kv[i+1:]
			if k == "" { // skip malformed entries with empty key
				continue
			}
			m[k] = v
		}
	}
	expanded := make(Var, len(m))
	for k, v := range m {
		expanded[k] = expand(v, m)
	}
	return expanded
}

func expand(s string, m Var) string {
	res := s
	// simple ${VAR} expansion; iterate over keys present
	for k, v := range m {
		res = strings.ReplaceAll(res, "${"+k+"}", v)
	}
	return res
}
