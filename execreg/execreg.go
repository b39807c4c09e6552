// Package execreg is the Execution Registry (C5): a process-wide,
// in-memory exec_id → *Execution map, grounded on the same
// sync.RWMutex-guarded map pattern used for service discovery elsewhere
// in this codebase, stripped of persistence since Execution state is
// explicitly not meant to survive a restart.
package execreg

import (
	"fmt"
	"sort"
	"sync"

	"github.com/watershed-dss/wqdss"
	"github.com/watershed-dss/wqdss/internal/wqerrors"
)

// Registry holds every live Execution for the lifetime of the process.
// There is no eviction.
type Registry struct {
	mu    sync.RWMutex
	execs map[string]*wqdss.Execution
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{execs: make(map[string]*wqdss.Execution)}
}

// Register inserts a freshly constructed Execution. Callers insert
// before starting the sweep that drives it, so a status poll can never
// observe an id that isn't yet in the registry.
func (r *Registry) Register(e *wqdss.Execution) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.execs[e.ID] = e
}

// Get returns the Execution for id, or wqerrors.ErrExecutionNotFound.
func (r *Registry) Get(id string) (*wqdss.Execution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.execs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", wqerrors.ErrExecutionNotFound, id)
	}
	return e, nil
}

// List returns every known Execution, ordered by id for stable output.
func (r *Registry) List() []*wqdss.Execution {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*wqdss.Execution, 0, len(r.execs))
	for _, e := range r.execs {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
