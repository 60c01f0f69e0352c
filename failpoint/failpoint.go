// Package failpoint provides named, deterministic failure points that an
// operator or a test can arm to force internal operations to fail.
//
// A Registry is passed explicitly to the components that consult it. A nil
// *Registry is valid and never fires, so production code paths need no
// special casing.
package failpoint

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Names consulted by the storage engine.
const (
	// CreateDatafile makes creation of a collection datafile fail.
	CreateDatafile = "CreateDatafile1"
	// CreateLogfile makes allocation of a new WAL segment fail.
	CreateLogfile = "CreateLogfile"
	// GetWritableLogfile makes acquisition of the writable WAL segment fail.
	GetWritableLogfile = "LogfileManagerGetWriteableLogfile"
)

// Registry holds the set of armed fail points.
type Registry struct {
	mu     sync.RWMutex
	armed  map[string]struct{}
	hits   map[string]uint64
	logger *slog.Logger
}

// New creates an empty registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		armed:  make(map[string]struct{}),
		hits:   make(map[string]uint64),
		logger: logger.With("component", "FailPoints"),
	}
}

// Arm activates the named fail point.
func (r *Registry) Arm(name string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.armed[name] = struct{}{}
	r.mu.Unlock()
	r.logger.Warn("Fail point armed", "name", name)
}

// Disarm deactivates the named fail point.
func (r *Registry) Disarm(name string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	delete(r.armed, name)
	r.mu.Unlock()
	r.logger.Info("Fail point disarmed", "name", name)
}

// DisarmAll clears every fail point.
func (r *Registry) DisarmAll() {
	if r == nil {
		return
	}
	r.mu.Lock()
	n := len(r.armed)
	r.armed = make(map[string]struct{})
	r.mu.Unlock()
	if n > 0 {
		r.logger.Info("All fail points cleared", "count", n)
	}
}

// Armed reports whether the named fail point is active.
func (r *Registry) Armed(name string) bool {
	if r == nil {
		return false
	}
	r.mu.RLock()
	_, ok := r.armed[name]
	r.mu.RUnlock()
	return ok
}

// Check returns an error wrapping kind when the named fail point is armed and
// nil otherwise. Callers pass the same sentinel they return for a genuine
// failure so the two are indistinguishable through errors.Is.
func (r *Registry) Check(name string, kind error) error {
	if !r.Armed(name) {
		return nil
	}
	r.mu.Lock()
	r.hits[name]++
	r.mu.Unlock()
	r.logger.Debug("Fail point triggered", "name", name)
	return fmt.Errorf("%w (fail point %s)", kind, name)
}

// Hits returns how often the named fail point has fired.
func (r *Registry) Hits(name string) uint64 {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.hits[name]
}

// List returns the armed fail points in sorted order.
func (r *Registry) List() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	names := make([]string, 0, len(r.armed))
	for name := range r.armed {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}
