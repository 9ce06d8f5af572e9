package clients

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry holds the known client definitions. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Definition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*Definition)}
}

// Register adds or replaces a client definition.
func (r *Registry) Register(def *Definition) {
	if def == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[def.Name] = def
}

// Get resolves a client by name, case-insensitively.
func (r *Registry) Get(name string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.entries[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("unknown execution client: %s (supported: %s)",
			name, strings.Join(r.names(), ", "))
	}
	return def, nil
}

// Names returns all registered client names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.names()
}

func (r *Registry) names() []string {
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var defaultRegistry = func() *Registry {
	r := NewRegistry()
	r.Register(Geth())
	r.Register(Reth())
	r.Register(Besu())
	r.Register(Nethermind())
	r.Register(Erigon())
	return r
}()

// DefaultRegistry returns the registry with all built-in clients.
func DefaultRegistry() *Registry { return defaultRegistry }

// Get resolves a client from the default registry.
func Get(name string) (*Definition, error) { return defaultRegistry.Get(name) }
