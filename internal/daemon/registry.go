package daemon

import (
	"sync"

	"github.com/peerdaemon/peerd/internal/core"
)

// registry is a generic InfoHash-keyed map guarded by a single
// reader-writer lock: many concurrent readers or one writer, never mixed,
// per §5. Values are returned by copy (Get/Snapshot) so a caller never
// holds a reference into the map across a suspension point.
type registry[V any] struct {
	mu sync.RWMutex
	m  map[core.InfoHash]V
}

func newRegistry[V any]() *registry[V] {
	return &registry[V]{m: make(map[core.InfoHash]V)}
}

// Get returns a copy of the value for h, and whether it was present.
func (r *registry[V]) Get(h core.InfoHash) (V, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.m[h]
	return v, ok
}

// Has reports whether h is present.
func (r *registry[V]) Has(h core.InfoHash) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.m[h]
	return ok
}

// Set inserts or overwrites the value for h. Only the Supervisor task may
// call this, per §5's single-writer discipline.
func (r *registry[V]) Set(h core.InfoHash, v V) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[h] = v
}

// Delete removes h, if present.
func (r *registry[V]) Delete(h core.InfoHash) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.m, h)
}

// Len returns the number of entries.
func (r *registry[V]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.m)
}

// Snapshot returns a copy of every value currently in the registry. The
// returned slice is safe to range over after the lock is released, which
// is exactly what every caller (broadcast ticker, PrintTorrentStatus,
// auto-quit check) needs: a consistent point-in-time view cloned out
// before doing anything that might suspend.
func (r *registry[V]) Snapshot() []V {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]V, 0, len(r.m))
	for _, v := range r.m {
		out = append(out, v)
	}
	return out
}

// Keys returns a copy of the current key set.
func (r *registry[V]) Keys() []core.InfoHash {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]core.InfoHash, 0, len(r.m))
	for k := range r.m {
		out = append(out, k)
	}
	return out
}
