package relay

import (
	"sync"
)

// Registry is the exclusive-ownership routing table from agent Address to
// the single Tunnel currently permitted to serve it. An address already
// bound to a different tunnel refuses a second claim; the caller reports
// that address as rejected rather than displacing the incumbent.
type Registry struct {
	mu      sync.RWMutex
	tunnels map[Address]*Tunnel

	totalConnections uint64
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tunnels: make(map[Address]*Tunnel)}
}

// Register binds address to t if it is unowned or already owned by t, and
// reports true. If address is owned by a different tunnel it refuses the
// claim and reports false, leaving the incumbent binding untouched.
func (r *Registry) Register(address Address, t *Tunnel) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if owner, ok := r.tunnels[address]; ok && owner != t {
		return false
	}
	r.tunnels[address] = t
	r.totalConnections++
	return true
}

// Unregister removes address from the table only if it is still owned by t.
// This is the conditional-removal invariant that prevents a slow teardown of
// a displaced tunnel from clobbering the newer tunnel that replaced it: a
// tunnel may only ever remove its own entry, never one it no longer owns.
func (r *Registry) Unregister(address Address, t *Tunnel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tunnels[address] == t {
		delete(r.tunnels, address)
	}
}

// Lookup returns the tunnel currently owning address, if any.
func (r *Registry) Lookup(address Address) (*Tunnel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tunnels[address]
	return t, ok
}

// ActiveAddresses reports the number of addresses currently bound. A tunnel
// serving multiple addresses is counted once per address it owns, matching
// the /stats "active agents" meaning.
func (r *Registry) ActiveAddresses() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tunnels)
}

// ActiveTunnels reports the number of distinct *Tunnel values currently
// owning at least one address, deduplicating tunnels that serve more than
// one agent address over the same connection.
func (r *Registry) ActiveTunnels() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[*Tunnel]struct{}, len(r.tunnels))
	for _, t := range r.tunnels {
		seen[t] = struct{}{}
	}
	return len(seen)
}

// TotalConnections reports the lifetime count of successful Register calls,
// for the /stats "total tunnel connections" counter.
func (r *Registry) TotalConnections() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.totalConnections
}

// AllTunnels returns every distinct tunnel currently owning at least one
// address, for process shutdown.
func (r *Registry) AllTunnels() []*Tunnel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[*Tunnel]struct{}, len(r.tunnels))
	out := make([]*Tunnel, 0, len(r.tunnels))
	for _, t := range r.tunnels {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
