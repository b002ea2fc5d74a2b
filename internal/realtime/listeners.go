package realtime

import (
	"slices"
	"sync"

	"github.com/fairyhunter13/storefront-core/internal/model"
)

// Listener receives one decoded server event.
type Listener func(model.Event)

// ListenerID identifies a registration for removal.
type ListenerID uint64

type listenerEntry struct {
	id ListenerID
	fn Listener
}

// registry keeps listeners per kind in insertion order. It outlives transports.
type registry struct {
	mu   sync.Mutex
	next ListenerID
	m    map[model.Kind][]listenerEntry
}

func newRegistry() *registry {
	return &registry{m: make(map[model.Kind][]listenerEntry)}
}

func (r *registry) add(kind model.Kind, fn Listener) ListenerID {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	r.m[kind] = append(r.m[kind], listenerEntry{id: r.next, fn: fn})
	return r.next
}

func (r *registry) remove(kind model.Kind, id ListenerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := r.m[kind]
	i := slices.IndexFunc(entries, func(e listenerEntry) bool { return e.id == id })
	if i < 0 {
		return false
	}
	r.m[kind] = slices.Delete(slices.Clone(entries), i, i+1)
	return true
}

// snapshot returns the current listeners for kind; later changes do not affect it.
func (r *registry) snapshot(kind model.Kind) []listenerEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.m[kind])
}

func (r *registry) count(kind model.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.m[kind])
}
