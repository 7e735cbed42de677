package agents

import (
	"sort"
	"sync"

	"github.com/rendis/crewflow/pkg/schema"
)

// Registry is a thread-safe set of executors keyed by name.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Executor
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]Executor)}
}

// Register adds an executor. Duplicate names are a CONFLICT.
func (r *Registry) Register(e Executor) error {
	if e == nil {
		return schema.NewError(schema.ErrCodeValidation, "agent is nil")
	}
	name := e.Name()
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "agent name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "agent %q already registered", name)
	}
	r.agents[name] = e
	return nil
}

// MustRegister registers every executor and panics on error. For wiring at startup.
func (r *Registry) MustRegister(es ...Executor) {
	for _, e := range es {
		if err := r.Register(e); err != nil {
			panic(err)
		}
	}
}

// Get returns the executor registered under name.
func (r *Registry) Get(name string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.agents[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "agent %q not registered", name)
	}
	return e, nil
}

// Has reports whether an agent is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[name]
	return ok
}

// ConfigSchema returns the config schema an agent declared, if any.
func (r *Registry) ConfigSchema(name string) []byte {
	e, err := r.Get(name)
	if err != nil {
		return nil
	}
	return e.Describe().ConfigSchema
}

// List returns info for all agents, sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]Info, 0, len(r.agents))
	for _, e := range r.agents {
		infos = append(infos, e.Describe())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Count returns the number of registered agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}
