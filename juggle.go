package cyclic

import (
	"errors"
	"fmt"
)

// Juggle moves an entry to another CPU, keeping its expiration. Moving an
// entry to the CPU that owns it does nothing. An execution already queued
// on the old CPU's soft buffers is queued again on the new CPU, so a
// one-shot that fired during the move still runs, exactly once.
func (s *Subsystem) Juggle(h Handle, target CPUID) error {
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
	dst, err := s.onlineCPU(target)
	if err != nil {
		return err
	}
	if dst == r.cpu {
		return nil
	}
	if r.bound {
		return ErrCPUBound
	}
	return s.move(r, dst)
}

// JuggleCPU moves every entry on one CPU, except omnipresent members, to
// another CPU. Bound entries are moved too, and stay bound to their new
// CPU.
func (s *Subsystem) JuggleCPU(source, target CPUID) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	src, err := s.cpu(source)
	if err != nil {
		return err
	}
	dst, err := s.onlineCPU(target)
	if err != nil {
		return err
	}
	if src == dst {
		return nil
	}
	for _, r := range ownedBy(src) {
		if r.omni != nil {
			continue
		}
		if err := s.move(r, dst); err != nil {
			return err
		}
	}
	return nil
}

// Bind pins an entry to a CPU, moving it there first. Binding to NoCPU
// unpins the entry where it is.
func (s *Subsystem) Bind(h Handle, target CPUID) error {
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
	if target == NoCPU {
		if err := s.run(r.cpu, &xcall{op: xcallSetFlags, idx: r.idx, flags: FlagBound}); err != nil && !errors.Is(err, ErrCPUHalted) {
			return err
		}
		r.bound = false
		return nil
	}
	dst, err := s.onlineCPU(target)
	if err != nil {
		return err
	}
	if dst != r.cpu {
		if err := s.move(r, dst); err != nil {
			return err
		}
	}
	if err := s.run(r.cpu, &xcall{op: xcallSetFlags, idx: r.idx, flags: FlagBound, setFlags: true}); err != nil {
		return err
	}
	r.bound = true
	return nil
}

// move relocates r to dst. Both halves run as cross-calls with the lock
// held, so every other operation sees r on exactly one CPU.
func (s *Subsystem) move(r *record, dst *cpu) error {
	src := r.cpu
	if src.state.Load() == CPUHalted {
		return ErrCPUHalted
	}
	// reserve first, so the insert cannot fail for lack of room
	if err := s.grow(dst, dst.heap.used()+1); err != nil {
		return err
	}
	out := &xcall{op: xcallExtract, idx: r.idx}
	if err := s.run(src, out); err != nil {
		return err
	}
	delete(src.owned, r.handle)

	in := &xcall{op: xcallInsert, entry: out.entry}
	if err := s.run(dst, in); err != nil {
		// put it back where it was
		back := &xcall{op: xcallInsert, entry: out.entry}
		if err2 := s.run(src, back); err2 != nil {
			delete(s.records, r.handle)
			return fmt.Errorf("cyclic: entry %d lost moving from cpu %d to cpu %d: %w", r.handle, src.id, dst.id, errors.Join(err, err2))
		}
		r.idx = back.idx
		src.owned[r.handle] = r
		return err
	}
	r.cpu, r.idx = dst, in.idx
	dst.owned[r.handle] = r
	s.log.juggled(r.handle, src.id, dst.id)
	return nil
}

// replacement picks the CPU that takes an entry leaving c: the least
// loaded online CPU in c's partition, else the least loaded online CPU.
func (s *Subsystem) replacement(c *cpu) *cpu {
	if dst := s.leastLoaded(c, func(v *cpu) bool { return v.partition == c.partition }); dst != nil {
		return dst
	}
	return s.leastLoaded(c, func(*cpu) bool { return true })
}

// OnCPUOnline brings a CPU online and gives it a member of every
// omnipresent set.
func (s *Subsystem) OnCPUOnline(id CPUID) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	c, err := s.cpu(id)
	if err != nil {
		return err
	}
	switch c.state.Load() {
	case CPUOnline:
		return ErrCPUOnline
	case CPUHalted:
		return ErrCPUHalted
	}
	c.state.Store(CPUOnline)
	var added []*omniSet
	for _, oid := range sortedKeys(s.omnis) {
		set := s.omnis[oid]
		if err := s.addMember(set, c); err != nil {
			for _, set := range added {
				s.removeMember(set, c)
			}
			c.state.Store(CPUOffline)
			return err
		}
		added = append(added, set)
	}
	s.log.cpuState(id, CPUOffline, CPUOnline)
	return nil
}

// OnCPUOffline takes a CPU offline. Its entries are juggled to other
// online CPUs, preferring its own partition, and its omnipresent members
// are destroyed. It fails with ErrCPUBound if entries are bound to the CPU,
// and with ErrNoOnlineTarget if it is the only online CPU but owns
// entries; in both cases the CPU stays online and nothing is moved.
func (s *Subsystem) OnCPUOffline(id CPUID) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	c, err := s.cpu(id)
	if err != nil {
		return err
	}
	switch c.state.Load() {
	case CPUOffline:
		return ErrCPUOffline
	case CPUHalted:
		return ErrCPUHalted
	}

	entries := ownedBy(c)
	movable := entries[:0:0]
	for _, r := range entries {
		if r.omni != nil {
			continue
		}
		if r.bound {
			return fmt.Errorf("%w: entry %d", ErrCPUBound, r.handle)
		}
		movable = append(movable, r)
	}
	if len(movable) != 0 && s.replacement(c) == nil {
		s.log.noTarget(c.id, movable[0].handle)
		return ErrNoOnlineTarget
	}

	for _, r := range movable {
		if err := s.move(r, s.replacement(c)); err != nil {
			return err
		}
	}
	for _, oid := range sortedKeys(s.omnis) {
		s.removeMember(s.omnis[oid], c)
	}
	if !c.state.TryTransition(CPUOnline, CPUOffline) {
		return ErrCPUHalted
	}
	s.log.cpuState(id, CPUOnline, CPUOffline)
	return nil
}
