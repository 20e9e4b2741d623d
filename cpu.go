package cyclic

import (
	"math"
	"sync/atomic"

	"github.com/joeycumines/go-cyclic/internal/softring"
)

// cpu is one CPU's share of the subsystem. Everything below the marked
// line is owned by the CPU: it is only touched from the CPU's Dispatcher
// calls and from functions the backend runs on the CPU via CrossCall.
type cpu struct {
	s         *Subsystem
	id        CPUID
	partition int
	state     cpuStateBox

	// dispatching is set while a handler runs, so thread-context entry
	// points can refuse calls made from handlers.
	dispatching atomic.Bool

	// owned is the set of records placed on this CPU, guarded by the
	// subsystem lock.
	owned map[Handle]*record

	// --- CPU owned ---

	heap       cpuHeap
	soft       [LevelHigh]*softring.Ring[int32]
	softPosted [LevelHigh]bool
	armed      HRTime
	metrics    cpuMetrics
}

func newCPU(s *Subsystem, id CPUID, partition int) *cpu {
	a := newArena(s.opts.initialCapacity)
	c := &cpu{
		s:         s,
		id:        id,
		partition: partition,
		owned:     make(map[Handle]*record),
		soft:      newSoftRings(a),
		armed:     Infinity,
		metrics:   newCPUMetrics(s.opts.latencyQuantiles),
	}
	c.heap.init(a)
	c.state.Store(CPUOffline)
	return c
}

// Fire implements Dispatcher.
func (c *cpu) Fire() {
	if c.state.Load() != CPUOnline {
		return
	}
	// the backend's deadline is spent
	c.armed = Infinity
	c.fire(c.s.backend.Now())
}

func (c *cpu) fire(now HRTime) {
	h := &c.heap
	for {
		i, ok := h.root()
		if !ok {
			break
		}
		x := &h.slots[i]
		if x.expire > now {
			break
		}
		h.removeAt(0)

		exp := x.expire
		c.metrics.expired(now.Sub(exp))

		if x.handler.Level == LevelHigh {
			if !c.invoke(i, LevelHigh) {
				return
			}
		} else if !c.post(i) {
			return
		}

		if x.interval > 0 {
			iv := HRTime(x.interval)
			missed := (now - exp) / iv
			x.expire = advance(exp, iv, missed+1)
			if missed > 0 {
				c.metrics.Overruns += uint64(missed)
				c.s.log.overrun(c.id, x.handle, int64(missed), now.Sub(exp))
			}
			h.insert(i)
		} else {
			x.flags |= FlagConsumed
		}

		if !c.check() {
			return
		}
	}
	c.rearm()
}

// advance returns exp + n*iv, saturating at Infinity.
func advance(exp, iv, n HRTime) HRTime {
	if n > (Infinity-exp)/iv {
		return Infinity
	}
	return exp + n*iv
}

// post defers slot i to its level's soft buffer. An entry already queued
// owes another execution instead of being queued twice, so each buffer
// holds a slot at most once and never needs more room than the arena.
func (c *cpu) post(i int32) bool {
	x := &c.heap.slots[i]
	lvl := x.handler.Level
	if x.pend != 0 {
		if x.pend != math.MaxUint32 {
			x.pend++
		}
		c.metrics.Coalesced++
		return true
	}
	if !c.soft[lvl].Push(i) {
		c.halt(&FatalDispatchFault{Value: ErrSoftOverflow, CPU: c.id, Handle: x.handle, Level: lvl})
		return false
	}
	x.pend = 1
	c.metrics.Posted++
	c.trigger(lvl)
	return true
}

// trigger raises the soft interrupt for lvl, unless it is already raised.
func (c *cpu) trigger(lvl Level) {
	if !c.softPosted[lvl] {
		c.softPosted[lvl] = true
		c.s.backend.TriggerSoft(c.id, lvl)
	}
}

// SoftInterrupt implements Dispatcher. It drains the level's buffer in
// FIFO order without consulting the heap.
func (c *cpu) SoftInterrupt(level Level) {
	if level >= LevelHigh {
		return
	}
	// acknowledged in any state, or the next post would never be raised
	c.s.backend.ClearSoft(c.id, level)
	c.softPosted[level] = false
	if c.state.Load() != CPUOnline {
		return
	}
	r := c.soft[level]
	for {
		i, ok := r.Pop()
		if !ok {
			return
		}
		x := &c.heap.slots[i]
		for x.pend != 0 {
			x.pend--
			if !c.invoke(i, level) {
				return
			}
		}
	}
}

// invoke runs slot i's handler, reporting false if it faulted and the CPU
// is now halted.
func (c *cpu) invoke(i int32, level Level) (ok bool) {
	x := &c.heap.slots[i]
	fn, arg, handle := x.handler.Func, x.handler.Arg, x.handle
	c.metrics.Fired[level]++
	c.dispatching.Store(true)
	defer c.dispatching.Store(false)
	defer func() {
		if r := recover(); r != nil {
			c.halt(&FatalDispatchFault{Value: r, CPU: c.id, Handle: handle, Level: level})
		}
	}()
	fn(arg)
	return true
}

// check runs the optional invariant checks, halting on failure.
func (c *cpu) check() bool {
	if !c.s.opts.invariantChecks {
		return true
	}
	if err := c.heap.verify(); err != nil {
		c.halt(&FatalDispatchFault{Value: err, CPU: c.id, Level: LevelHigh})
		return false
	}
	return true
}

// rearm points the backend's deadline at the heap root.
func (c *cpu) rearm() {
	next := Infinity
	if i, ok := c.heap.root(); ok {
		next = c.heap.slots[i].expire
	}
	if next != c.armed {
		c.armed = next
		c.s.backend.Reprogram(c.id, next)
	}
}

// halt stops dispatch on the CPU for good, then reports the fault. Unless
// a fault handler is configured, it panics with f. The handler runs in
// dispatch context, whichever path faulted.
func (c *cpu) halt(f *FatalDispatchFault) {
	from := c.state.Load()
	if !c.state.TryTransition(CPUOnline, CPUHalted) && !c.state.TryTransition(CPUOffline, CPUHalted) {
		return
	}
	prev := c.dispatching.Swap(true)
	defer c.dispatching.Store(prev)
	c.armed = Infinity
	c.s.backend.Reprogram(c.id, Infinity)
	for lvl := range c.softPosted {
		if c.softPosted[lvl] {
			c.softPosted[lvl] = false
			c.s.backend.ClearSoft(c.id, Level(lvl))
		}
	}
	c.s.log.cpuState(c.id, from, CPUHalted)
	c.s.log.fault(f)
	if fn := c.s.opts.faultHandler; fn != nil {
		fn(f)
		return
	}
	panic(f)
}

// scrub removes slot i from every soft buffer, returning the executions it
// was owed.
func (c *cpu) scrub(i int32) uint32 {
	x := &c.heap.slots[i]
	pend := x.pend
	if pend != 0 {
		c.soft[x.handler.Level].Remove(func(v int32) bool { return v == i })
		x.pend = 0
	}
	return pend
}
