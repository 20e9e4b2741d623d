package cyclic

import (
	"fmt"
	"time"

	"github.com/joeycumines/go-cyclic/internal/softring"
)

// slot is an entry's storage in its CPU's arena.
type slot struct {
	handler  Handler
	expire   HRTime
	interval time.Duration
	handle   Handle
	pend     uint32 // soft executions owed, see cpu.post
	flags    EntryFlags
}

func (x *slot) info(cpu CPUID) EntryInfo {
	return EntryInfo{
		Handle:     x.handle,
		CPU:        cpu,
		Expiration: x.expire,
		Interval:   x.interval,
		Level:      x.handler.Level,
		Flags:      x.flags,
		Pending:    x.pend,
	}
}

// arena is the storage for one CPU's entries, sized once. Larger arenas
// are allocated in thread context and installed on the CPU by copying.
type arena struct {
	slots []slot
	heap  []int32 // heap order, holding slot indices; len is the heap size
	pos   []int32 // slot index to heap position, -1 if not in the heap
	free  []int32 // stack of unused slot indices
	soft  [LevelHigh][]int32
}

func newArena(capacity int) *arena {
	a := &arena{
		slots: make([]slot, capacity),
		heap:  make([]int32, 0, capacity),
		pos:   make([]int32, capacity),
		free:  make([]int32, 0, capacity),
	}
	for i := range a.soft {
		a.soft[i] = make([]int32, capacity)
	}
	return a
}

// cpuHeap is a binary min-heap of slot indices, ordered by expiration then
// handle. It is only ever touched on its CPU.
type cpuHeap struct {
	slots []slot
	heap  []int32
	pos   []int32
	free  []int32
}

func (h *cpuHeap) init(a *arena) {
	h.slots, h.heap, h.pos, h.free = a.slots, a.heap, a.pos, a.free
	for i := len(h.slots) - 1; i >= 0; i-- {
		h.pos[i] = -1
		h.free = append(h.free, int32(i))
	}
}

// install moves the contents of h into the (larger) arena a.
func (h *cpuHeap) install(a *arena) {
	n := copy(a.slots, h.slots)
	copy(a.pos, h.pos)
	a.heap = append(a.heap, h.heap...)
	a.free = append(a.free, h.free...)
	for i := len(a.slots) - 1; i >= n; i-- {
		a.pos[i] = -1
		a.free = append(a.free, int32(i))
	}
	h.slots, h.heap, h.pos, h.free = a.slots, a.heap, a.pos, a.free
}

func (h *cpuHeap) capacity() int { return len(h.slots) }

func (h *cpuHeap) used() int { return len(h.slots) - len(h.free) }

func (h *cpuHeap) size() int { return len(h.heap) }

// alloc takes a slot from the free stack. It never allocates memory.
func (h *cpuHeap) alloc() (int32, bool) {
	n := len(h.free)
	if n == 0 {
		return -1, false
	}
	i := h.free[n-1]
	h.free = h.free[:n-1]
	return i, true
}

// release returns a slot, which must not be in the heap, to the free stack.
func (h *cpuHeap) release(i int32) {
	h.slots[i] = slot{}
	h.pos[i] = -1
	h.free = append(h.free, i)
}

func (h *cpuHeap) less(a, b int32) bool {
	x, y := &h.slots[a], &h.slots[b]
	if x.expire != y.expire {
		return x.expire < y.expire
	}
	return x.handle < y.handle
}

func (h *cpuHeap) swap(i, j int) {
	h.heap[i], h.heap[j] = h.heap[j], h.heap[i]
	h.pos[h.heap[i]] = int32(i)
	h.pos[h.heap[j]] = int32(j)
}

func (h *cpuHeap) up(j int) {
	for j > 0 {
		i := (j - 1) / 2
		if !h.less(h.heap[j], h.heap[i]) {
			break
		}
		h.swap(i, j)
		j = i
	}
}

func (h *cpuHeap) down(i int) bool {
	i0 := i
	n := len(h.heap)
	for {
		j := 2*i + 1
		if j >= n {
			break
		}
		if r := j + 1; r < n && h.less(h.heap[r], h.heap[j]) {
			j = r
		}
		if !h.less(h.heap[j], h.heap[i]) {
			break
		}
		h.swap(i, j)
		i = j
	}
	return i > i0
}

// insert adds slot i to the heap. The heap's backing array is pre-sized to
// the arena capacity, so this never allocates.
func (h *cpuHeap) insert(i int32) {
	n := len(h.heap)
	h.heap = append(h.heap, i)
	h.pos[i] = int32(n)
	h.up(n)
}

// remove takes slot i out of the heap, reporting false if it was not in it.
func (h *cpuHeap) remove(i int32) bool {
	p := h.pos[i]
	if p < 0 {
		return false
	}
	h.removeAt(int(p))
	return true
}

func (h *cpuHeap) removeAt(p int) int32 {
	n := len(h.heap) - 1
	i := h.heap[p]
	if p != n {
		h.swap(p, n)
	}
	h.heap = h.heap[:n]
	h.pos[i] = -1
	if p != n && !h.down(p) {
		h.up(p)
	}
	return i
}

// fix restores order after slot i's expiration changed.
func (h *cpuHeap) fix(i int32) {
	if p := int(h.pos[i]); p >= 0 && !h.down(p) {
		h.up(p)
	}
}

// root returns the slot with the earliest expiration.
func (h *cpuHeap) root() (int32, bool) {
	if len(h.heap) == 0 {
		return -1, false
	}
	return h.heap[0], true
}

func (h *cpuHeap) contains(i int32) bool { return h.pos[i] >= 0 }

// verify checks heap order and the consistency of the position table.
func (h *cpuHeap) verify() error {
	for p, i := range h.heap {
		if i < 0 || int(i) >= len(h.slots) {
			return fmt.Errorf("%w: heap position %d holds slot %d", ErrHeapCorrupt, p, i)
		}
		if int(h.pos[i]) != p {
			return fmt.Errorf("%w: slot %d at heap position %d indexed as %d", ErrHeapCorrupt, i, p, h.pos[i])
		}
		if p > 0 && h.less(i, h.heap[(p-1)/2]) {
			return fmt.Errorf("%w: slot %d precedes its parent", ErrHeapCorrupt, i)
		}
	}
	inHeap := 0
	for i := range h.pos {
		if h.pos[i] >= 0 {
			inHeap++
		}
	}
	if inHeap != len(h.heap) {
		return fmt.Errorf("%w: %d slots indexed, heap holds %d", ErrHeapCorrupt, inHeap, len(h.heap))
	}
	return nil
}

// newSoftRings builds the per-level soft buffers over an arena's storage.
func newSoftRings(a *arena) (r [LevelHigh]*softring.Ring[int32]) {
	for i := range r {
		r[i] = softring.New[int32](0)
		r[i].Resize(a.soft[i])
	}
	return r
}
