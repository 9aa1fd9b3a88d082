package adapter

import (
	"fmt"
	"sync"

	"github.com/reelflow/reelflow/pkg/model"
)

// Registry indexes adapters by the stage they fulfil and by vendor name.
type Registry struct {
	mu       sync.RWMutex
	byStage  map[model.Stage]Adapter
	byVendor map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{
		byStage:  make(map[model.Stage]Adapter),
		byVendor: make(map[string]Adapter),
	}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register replaces any adapter already bound to the same stage or vendor.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byStage[a.Stage()] = a
	r.byVendor[a.Vendor()] = a
}

func (r *Registry) ForStage(stage model.Stage) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byStage[stage]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for stage %q", stage)
	}
	return a, nil
}

func (r *Registry) ForVendor(vendor string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byVendor[vendor]
	return a, ok
}

func (r *Registry) Vendors() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byVendor))
	for v := range r.byVendor {
		out = append(out, v)
	}
	return out
}
