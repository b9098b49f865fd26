// Package registry holds the production's live name -> Host lookup table,
// the shape Host.Submit and RouterHost use to resolve a target_config_name
// or routing-rule target to the host that should receive the envelope next.
package registry

import (
	"sync"

	"github.com/carepath/conduit/pkg/types"
)

// Host is the subset of host.Host the registry needs, declared locally to
// avoid an import cycle (pkg/host depends on pkg/registry, not vice versa).
type Host interface {
	Name() string
	Submit(env *types.MessageEnvelope) error
}

// Registry is a concurrency-safe name -> Host table, one per running
// production.
type Registry struct {
	mu    sync.RWMutex
	hosts map[string]Host
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{hosts: make(map[string]Host)}
}

// Register adds or replaces the host under its own Name(). Reload uses
// replacement to swap a host in place without disturbing unrelated entries.
func (r *Registry) Register(h Host) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hosts[h.Name()] = h
}

// Unregister removes a host by name. A no-op if the name is absent.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.hosts, name)
}

// Get resolves name to its Host, returning types.ErrTargetNotFound if no
// host is registered under that name.
func (r *Registry) Get(name string) (Host, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.hosts[name]
	if !ok {
		return nil, types.ErrTargetNotFound
	}
	return h, nil
}

// Names returns every currently registered host name, in no particular
// order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.hosts))
	for name := range r.hosts {
		names = append(names, name)
	}
	return names
}

// Len returns the number of registered hosts.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.hosts)
}
