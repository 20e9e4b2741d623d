package cyclic

// xcallOp names a mutation run on the CPU that owns the state it touches.
type xcallOp uint8

const (
	xcallAdd xcallOp = iota
	xcallRemove
	xcallExtract
	xcallInsert
	xcallReprogram
	xcallSetFlags
	xcallExpand
	xcallInfo
	xcallSnapshot
	xcallMetrics
	xcallClear
)

// xcall is a command for one CPU, executed with [Subsystem.run]. Inputs and
// results share the struct; the caller reads results once run returns.
type xcall struct {
	entry    slot      // xcallAdd, xcallInsert: in; xcallExtract, xcallInfo: out
	arena    *arena    // xcallExpand
	snap     *CPUSnapshot
	metrics  CPUMetrics
	err      error
	expire   HRTime // xcallReprogram
	idx      int32  // slot index, in or out
	flags    EntryFlags
	op       xcallOp
	setFlags bool // xcallSetFlags: set (true) or clear flags
}

// run executes cmd on c, directly if the caller is already on c.
func (s *Subsystem) run(c *cpu, cmd *xcall) error {
	if s.backend.CurrentCPU() == c.id {
		c.exec(cmd)
	} else {
		s.backend.CrossCall(c.id, func() { c.exec(cmd) })
	}
	return cmd.err
}

func (c *cpu) exec(cmd *xcall) {
	switch cmd.op {
	case xcallInfo:
		cmd.entry = c.heap.slots[cmd.idx]
		return
	case xcallSnapshot:
		c.snapshot(cmd.snap)
		return
	case xcallMetrics:
		cmd.metrics = c.metrics.snapshot()
		return
	}

	if c.state.Load() == CPUHalted {
		cmd.err = ErrCPUHalted
		return
	}

	h := &c.heap
	switch cmd.op {
	case xcallAdd:
		i, ok := h.alloc()
		if !ok {
			cmd.err = ErrCapacityExhausted
			return
		}
		x := &h.slots[i]
		*x = cmd.entry
		if x.expire == StartNow {
			x.expire = c.s.backend.Now()
		}
		h.insert(i)
		cmd.idx = i

	case xcallRemove:
		h.remove(cmd.idx)
		c.scrub(cmd.idx)
		h.release(cmd.idx)

	case xcallExtract:
		// a pending execution travels with the entry
		h.remove(cmd.idx)
		x := &h.slots[cmd.idx]
		pend := x.pend
		c.scrub(cmd.idx)
		cmd.entry = *x
		cmd.entry.pend = pend
		h.release(cmd.idx)
		c.metrics.JuggledOut++

	case xcallInsert:
		i, ok := h.alloc()
		if !ok {
			cmd.err = ErrCapacityExhausted
			return
		}
		x := &h.slots[i]
		*x = cmd.entry
		x.pend = 0
		if x.flags&FlagConsumed == 0 {
			h.insert(i)
		}
		if pend := cmd.entry.pend; pend != 0 {
			if !c.soft[x.handler.Level].Push(i) {
				c.halt(&FatalDispatchFault{Value: ErrSoftOverflow, CPU: c.id, Handle: x.handle, Level: x.handler.Level})
				cmd.err = ErrCPUHalted
				return
			}
			x.pend = pend
			c.trigger(x.handler.Level)
		}
		cmd.idx = i
		c.metrics.JuggledIn++

	case xcallReprogram:
		x := &h.slots[cmd.idx]
		x.expire = cmd.expire
		if x.expire == StartNow {
			x.expire = c.s.backend.Now()
		}
		x.flags &^= FlagConsumed
		if h.contains(cmd.idx) {
			h.fix(cmd.idx)
		} else {
			h.insert(cmd.idx)
		}

	case xcallSetFlags:
		x := &h.slots[cmd.idx]
		if cmd.setFlags {
			x.flags |= cmd.flags
		} else {
			x.flags &^= cmd.flags
		}
		return

	case xcallExpand:
		from := h.capacity()
		if cmd.arena == nil || len(cmd.arena.slots) <= from {
			return
		}
		for lvl, r := range c.soft {
			r.Resize(cmd.arena.soft[lvl])
		}
		h.install(cmd.arena)
		c.metrics.Grows++
		return

	case xcallClear:
		for h.size() != 0 {
			h.removeAt(h.size() - 1)
		}
		for lvl, r := range c.soft {
			r.Remove(func(int32) bool { return true })
			if c.softPosted[lvl] {
				c.softPosted[lvl] = false
				c.s.backend.ClearSoft(c.id, Level(lvl))
			}
		}
		for i := range h.slots {
			if h.slots[i].handle != 0 {
				h.release(int32(i))
			}
		}
	}

	if !c.check() {
		cmd.err = ErrCPUHalted
		return
	}
	c.rearm()
}
