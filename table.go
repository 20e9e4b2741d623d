package cyclic

import (
	"fmt"
	"slices"
)

// record is the table's view of an entry: which CPU owns it and where. It
// is only touched with the subsystem lock held.
type record struct {
	cpu       *cpu
	omni      *omniSet
	memberArg any
	handle    Handle
	idx       int32
	bound     bool
}

func (s *Subsystem) validate(h Handler, w When) error {
	switch {
	case h.Func == nil:
		return fmt.Errorf("%w: nil handler func", ErrInvalidSpec)
	case !h.Level.Valid():
		return fmt.Errorf("%w: level %s out of range", ErrInvalidSpec, h.Level)
	case w.Interval < 0:
		return fmt.Errorf("%w: negative interval %s", ErrInvalidSpec, w.Interval)
	case w.Start != StartNow:
		if now := s.backend.Now(); w.Start < now {
			return fmt.Errorf("%w: start %s is before now %s", ErrInvalidSpec, w.Start, now)
		}
	}
	return nil
}

// Create places a new entry on the calling CPU, if it is online, or else
// on the least loaded online CPU.
func (s *Subsystem) Create(spec Spec) (Handle, error) {
	if err := s.lock(); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()
	if err := s.validate(spec.Handler, spec.When); err != nil {
		return 0, err
	}
	c, err := s.pickCPU()
	if err != nil {
		return 0, err
	}
	return s.create(c, spec)
}

// CreateOn places a new entry on the given CPU, which must be online.
func (s *Subsystem) CreateOn(id CPUID, spec Spec) (Handle, error) {
	if err := s.lock(); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()
	if err := s.validate(spec.Handler, spec.When); err != nil {
		return 0, err
	}
	c, err := s.onlineCPU(id)
	if err != nil {
		return 0, err
	}
	return s.create(c, spec)
}

func (s *Subsystem) create(c *cpu, spec Spec) (Handle, error) {
	if c.heap.capacity()-c.heap.used() == 0 {
		if !s.opts.autoReserve {
			return 0, ErrCapacityExhausted
		}
		if err := s.grow(c, c.heap.capacity()+1); err != nil {
			return 0, err
		}
	}
	var flags EntryFlags
	if spec.Bound {
		flags |= FlagBound
	}
	r, err := s.place(c, spec.Handler, spec.When, flags)
	if err != nil {
		return 0, err
	}
	return r.handle, nil
}

// place allocates a handle and adds the entry to c, which has a free slot.
func (s *Subsystem) place(c *cpu, h Handler, w When, flags EntryFlags) (*record, error) {
	if w.Interval == 0 {
		flags |= FlagOneShot
	}
	handle := s.nextHandle
	cmd := &xcall{op: xcallAdd, entry: slot{
		handler:  h,
		expire:   w.Start,
		interval: w.Interval,
		handle:   handle,
		flags:    flags,
	}}
	if err := s.run(c, cmd); err != nil {
		return nil, err
	}
	s.nextHandle++
	r := &record{
		cpu:    c,
		handle: handle,
		idx:    cmd.idx,
		bound:  flags&FlagBound != 0,
	}
	s.records[handle] = r
	c.owned[handle] = r
	return r, nil
}

// pickCPU chooses where Create places an entry.
func (s *Subsystem) pickCPU() (*cpu, error) {
	if id := s.backend.CurrentCPU(); id != NoCPU {
		if c := s.cpus[id]; c != nil && c.state.Load() == CPUOnline {
			return c, nil
		}
	}
	if c := s.leastLoaded(nil, func(*cpu) bool { return true }); c != nil {
		return c, nil
	}
	return nil, ErrNoOnlineTarget
}

// leastLoaded returns the online CPU, other than exclude, matching ok and
// owning the fewest entries, preferring lower ids.
func (s *Subsystem) leastLoaded(exclude *cpu, ok func(*cpu) bool) *cpu {
	var best *cpu
	for _, c := range s.order {
		if c == exclude || c.state.Load() != CPUOnline || !ok(c) {
			continue
		}
		if best == nil || len(c.owned) < len(best.owned) {
			best = c
		}
	}
	return best
}

// Destroy removes an entry. Once it returns, the entry's handler will not
// be invoked again, including executions already queued at a soft level.
// Members of omnipresent sets are removed with UnregisterOmnipresent.
func (s *Subsystem) Destroy(h Handle) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	r := s.records[h]
	if r == nil {
		return ErrUnknownHandle
	}
	if r.omni != nil {
		return ErrOmnipresent
	}
	s.remove(r)
	return nil
}

// remove deletes r from its CPU and the table. A halted CPU's heap is not
// touched: it will never dispatch again.
func (s *Subsystem) remove(r *record) {
	if r.cpu.state.Load() != CPUHalted {
		_ = s.run(r.cpu, &xcall{op: xcallRemove, idx: r.idx})
	}
	delete(s.records, r.handle)
	delete(r.cpu.owned, r.handle)
}

// Reprogram sets an entry's next expiration, which is validated like a
// start time. A consumed one-shot entry is re-armed. Reprogramming to
// Infinity suspends an entry without destroying it.
func (s *Subsystem) Reprogram(h Handle, expiration HRTime) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	r := s.records[h]
	if r == nil {
		return ErrUnknownHandle
	}
	if expiration != StartNow && expiration < s.backend.Now() {
		return fmt.Errorf("%w: expiration %s is before now", ErrInvalidSpec, expiration)
	}
	return s.run(r.cpu, &xcall{op: xcallReprogram, idx: r.idx, expire: expiration})
}

// Lookup describes an entry.
func (s *Subsystem) Lookup(h Handle) (EntryInfo, error) {
	if err := s.lock(); err != nil {
		return EntryInfo{}, err
	}
	defer s.mu.Unlock()
	r := s.records[h]
	if r == nil {
		return EntryInfo{}, ErrUnknownHandle
	}
	cmd := &xcall{op: xcallInfo, idx: r.idx}
	_ = s.run(r.cpu, cmd)
	return cmd.entry.info(r.cpu.id), nil
}

// Handles lists the live handles in ascending order.
func (s *Subsystem) Handles() ([]Handle, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	return sortedKeys(s.records), nil
}

// Reserve ensures the CPU has at least n unused entry slots, growing its
// storage if needed. Storage is allocated by the caller and installed on
// the CPU by a cross-call.
func (s *Subsystem) Reserve(id CPUID, n int) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	c, err := s.cpu(id)
	if err != nil {
		return err
	}
	return s.grow(c, c.heap.used()+n)
}

// grow doubles c's capacity until it holds at least want slots.
func (s *Subsystem) grow(c *cpu, want int) error {
	from := c.heap.capacity()
	if want <= from {
		return nil
	}
	if c.state.Load() == CPUHalted {
		return ErrCPUHalted
	}
	to := max(from, 1)
	for to < want {
		to *= 2
	}
	if err := s.run(c, &xcall{op: xcallExpand, arena: newArena(to)}); err != nil {
		return err
	}
	s.log.grew(c.id, from, to)
	return nil
}

// ownedBy lists a CPU's records by handle.
func ownedBy(c *cpu) []*record {
	out := make([]*record, 0, len(c.owned))
	for _, r := range c.owned {
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b *record) int {
		switch {
		case a.handle < b.handle:
			return -1
		case a.handle > b.handle:
			return 1
		}
		return 0
	})
	return out
}
