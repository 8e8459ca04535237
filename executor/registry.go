package executor

import (
	"sort"
	"sync"

	"github.com/Masterminds/semver/v3"

	"github.com/r3e-network/flowengine/apperror"
)

// Registry maps (name, optional version constraint) to a registered
// Executor. Registration is process-scope: every engine process registers
// its own executors at startup, there is no cross-process discovery.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]map[string]Executor // name -> version string -> Executor
}

// NewRegistry creates an empty executor registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]map[string]Executor)}
}

// Register adds an executor under its declared name and version. Re-
// registering the same (name, version) pair replaces the prior entry,
// which lets a process reload executors without restarting.
func (r *Registry) Register(exec Executor) error {
	if exec == nil {
		return apperror.Fatal("register executor", nil).WithDetails(map[string]string{"reason": "nil executor"})
	}
	name := exec.Name()
	if name == "" {
		return apperror.Validation("name", "executor name must not be empty")
	}
	if exec.Version() == nil {
		return apperror.Validation("version", "executor version must not be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	versions, ok := r.executors[name]
	if !ok {
		versions = make(map[string]Executor)
		r.executors[name] = versions
	}
	versions[exec.Version().String()] = exec
	return nil
}

// Unregister removes every registered version of an executor name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.executors, name)
}

// Lookup resolves an executor by name and an optional semver constraint
// (e.g. "^1.2.0", "2.x", or "" for "latest registered version"). A missing
// executor is a NotFound-kind error, an unparseable constraint a
// Validation-kind error, and a constraint that matches no registered
// version a Fatal-kind error; none of them is retryable.
func (r *Registry) Lookup(name, versionConstraint string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions, ok := r.executors[name]
	if !ok || len(versions) == 0 {
		return nil, apperror.NotFound("executor", name)
	}

	if versionConstraint == "" {
		return latest(versions), nil
	}

	constraint, err := semver.NewConstraint(versionConstraint)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindValidation, "parse version constraint", err).
			WithDetails(map[string]string{"constraint": versionConstraint})
	}

	var best Executor
	var bestVersion *semver.Version
	for _, exec := range versions {
		v := exec.Version()
		if !constraint.Check(v) {
			continue
		}
		if bestVersion == nil || v.GreaterThan(bestVersion) {
			best = exec
			bestVersion = v
		}
	}

	if best == nil {
		return nil, apperror.Wrap(apperror.KindFatal,
			"no registered version of executor satisfies constraint", nil).
			WithDetails(map[string]string{"executor": name, "constraint": versionConstraint})
	}
	return best, nil
}

// Names returns every registered executor name, for diagnostics.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.executors))
	for name := range r.executors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func latest(versions map[string]Executor) Executor {
	var best Executor
	var bestVersion *semver.Version
	for _, exec := range versions {
		v := exec.Version()
		if bestVersion == nil || v.GreaterThan(bestVersion) {
			best = exec
			bestVersion = v
		}
	}
	return best
}
