package queue

import "sync"

// Handle identifies a queue pair in the completion context the device echoes
// back in every completion. The low 32 bits are the registry slot plus one,
// the high 32 bits the generation of the slot. The zero handle is never
// issued.
type Handle uint64

func makeHandle(gen, idx uint32) Handle {
	return Handle(uint64(gen)<<32 | uint64(idx+1))
}

func (h Handle) split() (gen, idx uint32, ok bool) {
	lo := uint32(h)
	if lo == 0 {
		return 0, 0, false
	}
	return uint32(h >> 32), lo - 1, true
}

type registryEntry struct {
	qp  *QP
	gen uint32
}

// Registry resolves completion contexts to queue pairs. A handle of a
// removed queue pair resolves to nil even after its slot was reused.
type Registry struct {
	mu      sync.RWMutex
	entries []registryEntry
	free    []uint32
}

func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) add(qp *QP) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n := len(r.free); n > 0 {
		idx := r.free[n-1]
		r.free = r.free[:n-1]
		r.entries[idx].qp = qp
		return makeHandle(r.entries[idx].gen, idx)
	}

	r.entries = append(r.entries, registryEntry{qp: qp, gen: 1})
	return makeHandle(1, uint32(len(r.entries)-1))
}

// Get returns the queue pair for h or nil.
func (r *Registry) Get(h Handle) *QP {
	gen, idx, ok := h.split()
	if !ok {
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if int(idx) >= len(r.entries) {
		return nil
	}
	e := r.entries[idx]
	if e.gen != gen {
		return nil
	}
	return e.qp
}

func (r *Registry) remove(h Handle) bool {
	gen, idx, ok := h.split()
	if !ok {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if int(idx) >= len(r.entries) || r.entries[idx].gen != gen || r.entries[idx].qp == nil {
		return false
	}
	r.entries[idx].qp = nil
	r.entries[idx].gen++
	r.free = append(r.free, idx)
	return true
}

// Len returns the number of live queue pairs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries) - len(r.free)
}
