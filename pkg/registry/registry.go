// Package registry tracks the live relay connections and the remote
// addresses they are bound to.
package registry

import (
	"errors"
	"net/netip"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/emirpasic/gods/sets/linkedhashset"
)

// ErrDuplicateAddress is returned by Add when another live handle is
// already bound to the same remote address.
var ErrDuplicateAddress = errors.New("registry: address already has a live connection")

// Handle is anything bound to a single remote address.
type Handle interface {
	comparable
	RemoteAddr() netip.Addr
}

// Registry holds two sets: the live handles in insertion order and the
// addresses they are bound to. Both are guarded by one lock so nobody can
// observe them disagreeing.
type Registry[H Handle] struct {
	mu      sync.RWMutex
	handles *linkedhashset.Set
	addrs   mapset.Set[netip.Addr]
}

// New returns an empty registry.
func New[H Handle]() *Registry[H] {
	return &Registry[H]{
		handles: linkedhashset.New(),
		addrs:   mapset.NewThreadUnsafeSet[netip.Addr](),
	}
}

// Contains reports whether addr currently holds a live connection.
func (r *Registry[H]) Contains(addr netip.Addr) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.addrs.Contains(addr)
}

// Add registers h and its address. Adding a handle twice is a no-op.
func (r *Registry[H]) Add(h H) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handles.Contains(h) {
		return nil
	}
	if r.addrs.Contains(h.RemoteAddr()) {
		return ErrDuplicateAddress
	}
	r.handles.Add(h)
	r.addrs.Add(h.RemoteAddr())
	return nil
}

// Remove unregisters h and its address. It reports false when h was not
// registered, in which case the address set is left alone: it may belong
// to another handle.
func (r *Registry[H]) Remove(h H) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.handles.Contains(h) {
		return false
	}
	r.handles.Remove(h)
	r.addrs.Remove(h.RemoteAddr())
	return true
}

// Each calls fn for every live handle in registration order while holding
// the read lock. fn must not block and must not call back into the
// registry's write path.
func (r *Registry[H]) Each(fn func(H)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	it := r.handles.Iterator()
	for it.Next() {
		fn(it.Value().(H))
	}
}

// Handles returns a snapshot of the live handles in registration order.
func (r *Registry[H]) Handles() []H {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]H, 0, r.handles.Size())
	for _, v := range r.handles.Values() {
		out = append(out, v.(H))
	}
	return out
}

// Addresses returns a copy of the live address set. The copy is not kept
// in sync with the registry.
func (r *Registry[H]) Addresses() mapset.Set[netip.Addr] {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.addrs.Clone()
}

// Len returns the number of live handles.
func (r *Registry[H]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handles.Size()
}
