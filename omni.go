package cyclic

import (
	"fmt"
)

// omniSet keeps one member entry on each online CPU.
type omniSet struct {
	handler OmniHandler
	members map[CPUID]*record
	id      OmniHandle
}

// RegisterOmnipresent creates a set with a member on every online CPU,
// and on every CPU that comes online later. If any member cannot be
// created, the members already created are destroyed and the error is
// returned.
func (s *Subsystem) RegisterOmnipresent(h OmniHandler) (OmniHandle, error) {
	if err := s.lock(); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()
	if h.Online == nil {
		return 0, fmt.Errorf("%w: nil omnipresent online func", ErrInvalidSpec)
	}
	set := &omniSet{
		handler: h,
		members: make(map[CPUID]*record),
		id:      s.nextOmni,
	}
	for _, c := range s.order {
		if c.state.Load() != CPUOnline {
			continue
		}
		if err := s.addMember(set, c); err != nil {
			s.dropOmni(set)
			return 0, err
		}
	}
	s.nextOmni++
	s.omnis[set.id] = set
	return set.id, nil
}

// UnregisterOmnipresent destroys every member of the set, calling its
// Offline func for each, then the set itself.
func (s *Subsystem) UnregisterOmnipresent(h OmniHandle) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	set := s.omnis[h]
	if set == nil {
		return ErrUnknownOmni
	}
	s.dropOmni(set)
	return nil
}

// OmnipresentMembers returns the handle of each member of a set, by CPU.
func (s *Subsystem) OmnipresentMembers(h OmniHandle) (map[CPUID]Handle, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	set := s.omnis[h]
	if set == nil {
		return nil, ErrUnknownOmni
	}
	out := make(map[CPUID]Handle, len(set.members))
	for id, r := range set.members {
		out[id] = r.handle
	}
	return out, nil
}

func (s *Subsystem) addMember(set *omniSet, c *cpu) error {
	handler, when := set.handler.Online(set.handler.Arg, c.id)
	if err := s.validate(handler, when); err != nil {
		return fmt.Errorf("omnipresent set %d on cpu %d: %w", set.id, c.id, err)
	}
	if err := s.grow(c, c.heap.used()+1); err != nil {
		return err
	}
	r, err := s.place(c, handler, when, FlagOmni|FlagBound)
	if err != nil {
		return err
	}
	r.omni = set
	r.memberArg = handler.Arg
	set.members[c.id] = r
	return nil
}

func (s *Subsystem) removeMember(set *omniSet, c *cpu) {
	r := set.members[c.id]
	if r == nil {
		return
	}
	s.remove(r)
	delete(set.members, c.id)
	if fn := set.handler.Offline; fn != nil {
		fn(set.handler.Arg, c.id, r.memberArg)
	}
}

func (s *Subsystem) dropOmni(set *omniSet) {
	for _, c := range s.order {
		s.removeMember(set, c)
	}
	delete(s.omnis, set.id)
}
