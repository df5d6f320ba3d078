package core

import "container/heap"

// DirtyHeap is a de-duplicating priority queue of creator identities,
// ordered lexicographically by (producer_index, match_key). Pushing an
// identity already present is a no-op rather than a priority bump, so
// producers listed earlier in the registry get natural, reproducible
// scheduling priority.
type DirtyHeap struct {
	inner   identityHeap
	present map[Identity]struct{}
}

// NewDirtyHeap builds an empty heap.
func NewDirtyHeap() *DirtyHeap {
	h := &DirtyHeap{present: make(map[Identity]struct{})}
	heap.Init(&h.inner)
	return h
}

// Push enqueues id if it is not already pending.
func (h *DirtyHeap) Push(id Identity) {
	if _, ok := h.present[id]; ok {
		return
	}
	h.present[id] = struct{}{}
	heap.Push(&h.inner, id)
}

// Pop removes and returns the lowest-ordered pending identity. Pending
// presence is cleared on pop, allowing the same identity to be re-pushed
// and re-drained later in the same process_files invocation.
func (h *DirtyHeap) Pop() (Identity, bool) {
	if h.inner.Len() == 0 {
		return Identity{}, false
	}
	id := heap.Pop(&h.inner).(Identity)
	delete(h.present, id)
	return id, true
}

// Len reports the number of pending identities.
func (h *DirtyHeap) Len() int {
	return h.inner.Len()
}

type identityHeap []Identity

func (h identityHeap) Len() int            { return len(h) }
func (h identityHeap) Less(i, j int) bool  { return h[i].Less(h[j]) }
func (h identityHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }

func (h *identityHeap) Push(x interface{}) {
	*h = append(*h, x.(Identity))
}

func (h *identityHeap) Pop() interface{} {
	old := *h
	n := len(old)
	id := old[n-1]
	*h = old[:n-1]
	return id
}
