package runner

import (
	"fmt"
	"sort"
	"sync"
)

// Info pairs a registered runner key with its concrete type name.
type Info struct {
	Key string `json:"key"`
}

// Registry maps a task definition's declared runner key to a concrete
// Runner implementation. Keys are registered at startup; resolution never
// constructs type names dynamically.
type Registry struct {
	mu      sync.RWMutex
	runners map[string]Runner
}

// NewRegistry creates an empty runner registry.
func NewRegistry() *Registry {
	return &Registry{
		runners: make(map[string]Runner),
	}
}

// Register adds a runner to the registry under the given key.
func (r *Registry) Register(key string, rn Runner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runners[key] = rn
}

// Resolve returns the runner registered under key. Returns an error if no
// runner is registered.
func (r *Registry) Resolve(key string) (Runner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rn, ok := r.runners[key]
	if !ok {
		return nil, fmt.Errorf("runner %q is not registered", key)
	}
	return rn, nil
}

// List returns the registered runner keys, sorted for a stable API response.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.runners))
	for key := range r.runners {
		infos = append(infos, Info{Key: key})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Key < infos[j].Key
	})
	return infos
}
