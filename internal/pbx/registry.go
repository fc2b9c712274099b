package pbx

import (
	"sync"
	"sync/atomic"
)

// Registry is the PBX's extension table: an unordered collection of TUs
// keyed by extension number, readable by many concurrent dialers and
// writable by register/unregister/shutdown. It uses a standard
// sync.RWMutex rather than a hand-rolled readers-preference scheme, and
// it never holds a TU's own mutex while scanning — it compares TUs by
// identity only.
type Registry struct {
	mu      sync.RWMutex
	byExt   map[int]*TU
	nextExt int64

	shuttingDown atomic.Bool
}

// NewRegistry returns an empty registry. Extensions are assigned starting
// at extBase (the spec's original fd-reuse scheme is replaced by a
// monotonic counter — see the Open Question resolution in SPEC_FULL.md).
func NewRegistry(extBase int) *Registry {
	return &Registry{
		byExt:   make(map[int]*TU),
		nextExt: int64(extBase),
	}
}

// assign hands out the next free extension number and records t under it.
// It does not ref or notify t — callers (Engine.Register) do that outside
// of the registry's own lock.
func (r *Registry) assign(t *TU) int {
	ext := int(atomic.AddInt64(&r.nextExt, 1)) - 1
	r.mu.Lock()
	r.byExt[ext] = t
	r.mu.Unlock()
	return ext
}

// remove drops ext from the lookup table, if present.
func (r *Registry) remove(ext int) {
	r.mu.Lock()
	delete(r.byExt, ext)
	r.mu.Unlock()
}

// Lookup returns the TU currently registered at ext, or nil.
func (r *Registry) Lookup(ext int) *TU {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byExt[ext]
}

// Count returns the number of currently registered TUs.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byExt)
}

// snapshot returns a copy of all currently registered TUs, safe to range
// over without holding the registry lock.
func (r *Registry) snapshot() []*TU {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tus := make([]*TU, 0, len(r.byExt))
	for _, t := range r.byExt {
		tus = append(tus, t)
	}
	return tus
}

// StateHistogram returns the number of registered TUs in each state, for
// the admin /status endpoint and the pbx_tu_state metric.
func (r *Registry) StateHistogram() map[State]int {
	tus := r.snapshot()
	hist := make(map[State]int, 7)
	for _, t := range tus {
		hist[t.State()]++
	}
	return hist
}
