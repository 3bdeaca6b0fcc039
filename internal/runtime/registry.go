package runtime

import (
	"sync"

	"github.com/dante-gpu/dante-messaging/internal/session"
)

// Registry caches one session client per tenant. It is owned by the provisioner and
// invalidated whenever the tenant's runtime is destroyed or restarted.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]session.Client
}

// NewRegistry creates an empty client registry.
func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]session.Client)}
}

func (r *Registry) Get(tenantID string) (session.Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[tenantID]
	return c, ok
}

func (r *Registry) Put(tenantID string, c session.Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[tenantID] = c
}

func (r *Registry) Invalidate(tenantID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, tenantID)
}

// Close drops every cached client.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients = make(map[string]session.Client)
}

// Len reports the number of cached clients.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}
