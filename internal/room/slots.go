package room

import "sort"

// SlotPool hands out small integer indices in [0, size) with deterministic,
// lowest-first reuse. Index values are user-visible labels (scrN / prN), so
// reuse order must be reproducible: the free list is kept sorted ascending.
//
// SlotPool is not safe for concurrent use; callers serialize access behind
// the owning State's mutex.
type SlotPool struct {
	size int
	free []int
}

func NewSlotPool(size int) *SlotPool {
	if size < 0 {
		size = 0
	}
	free := make([]int, size)
	for i := range free {
		free[i] = i
	}
	return &SlotPool{size: size, free: free}
}

// Acquire removes and returns the lowest free index. The second return value
// is false when the pool is exhausted.
func (p *SlotPool) Acquire() (int, bool) {
	if len(p.free) == 0 {
		return 0, false
	}
	ix := p.free[0]
	p.free = p.free[1:]
	return ix, true
}

// Release returns ix to the pool. Out-of-range values and indices that are
// already free are ignored, so release is idempotent.
func (p *SlotPool) Release(ix int) {
	if ix < 0 || ix >= p.size {
		return
	}
	pos := sort.SearchInts(p.free, ix)
	if pos < len(p.free) && p.free[pos] == ix {
		return
	}
	p.free = append(p.free, 0)
	copy(p.free[pos+1:], p.free[pos:])
	p.free[pos] = ix
}

// Free returns the number of unassigned indices.
func (p *SlotPool) Free() int { return len(p.free) }

// Size returns the pool capacity.
func (p *SlotPool) Size() int { return p.size }

// FreeList returns a copy of the free indices in ascending order.
func (p *SlotPool) FreeList() []int {
	out := make([]int, len(p.free))
	copy(out, p.free)
	return out
}
