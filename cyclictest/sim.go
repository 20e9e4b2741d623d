// Package cyclictest provides Sim, a deterministic cyclic.Backend for
// tests. Time only moves when the test moves it, and every interrupt and
// cross-call runs synchronously on the calling goroutine.
//
// A Sim is not safe for concurrent use.
package cyclictest

import (
	"fmt"
	"slices"
	"time"

	"github.com/joeycumines/go-cyclic"
)

// Sim simulates a set of CPUs against a manual clock.
type Sim struct {
	cpus    map[cyclic.CPUID]*simCPU
	now     cyclic.HRTime
	current cyclic.CPUID
	stats   Stats
	held    bool
}

type simCPU struct {
	d        cyclic.Dispatcher
	deadline cyclic.HRTime
	soft     [cyclic.NumLevels]bool
}

// Stats counts the calls the subsystem made into a Sim, and the
// interrupts the Sim delivered.
type Stats struct {
	Reprograms   int
	CrossCalls   int
	SoftTriggers int
	SoftClears   int
	Fires        int
	SoftFires    int
}

var _ cyclic.Backend = (*Sim)(nil)

// Option configures a Sim.
type Option func(*Sim)

// WithStart sets the initial clock reading. Defaults to 0.
func WithStart(t cyclic.HRTime) Option {
	return func(s *Sim) { s.now = t }
}

// New returns a Sim with no CPUs.
func New(opts ...Option) *Sim {
	s := &Sim{
		cpus:    make(map[cyclic.CPUID]*simCPU),
		current: cyclic.NoCPU,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Now implements cyclic.Backend.
func (s *Sim) Now() cyclic.HRTime { return s.now }

// CurrentCPU implements cyclic.Backend. It is NoCPU except within Fire,
// SoftInterrupt, CrossCall and OnCPU.
func (s *Sim) CurrentCPU() cyclic.CPUID { return s.current }

// Configure implements cyclic.Backend.
func (s *Sim) Configure(cpu cyclic.CPUID, d cyclic.Dispatcher) error {
	if s.cpus[cpu] != nil {
		return fmt.Errorf("cyclictest: cpu %d already configured", cpu)
	}
	s.cpus[cpu] = &simCPU{d: d, deadline: cyclic.Infinity}
	return nil
}

// Unconfigure implements cyclic.Backend.
func (s *Sim) Unconfigure(cpu cyclic.CPUID) { delete(s.cpus, cpu) }

// Reprogram implements cyclic.Backend.
func (s *Sim) Reprogram(cpu cyclic.CPUID, deadline cyclic.HRTime) {
	s.stats.Reprograms++
	if c := s.cpus[cpu]; c != nil {
		c.deadline = deadline
	}
}

// TriggerSoft implements cyclic.Backend.
func (s *Sim) TriggerSoft(cpu cyclic.CPUID, level cyclic.Level) {
	s.stats.SoftTriggers++
	if c := s.cpus[cpu]; c != nil {
		c.soft[level] = true
	}
}

// ClearSoft implements cyclic.Backend.
func (s *Sim) ClearSoft(cpu cyclic.CPUID, level cyclic.Level) {
	s.stats.SoftClears++
	if c := s.cpus[cpu]; c != nil {
		c.soft[level] = false
	}
}

// CrossCall implements cyclic.Backend, running fn inline as the target
// CPU, then delivering the target's pending soft interrupts.
func (s *Sim) CrossCall(cpu cyclic.CPUID, fn func()) {
	s.stats.CrossCalls++
	if s.cpus[cpu] == nil {
		panic(fmt.Sprintf("cyclictest: cross-call to unconfigured cpu %d", cpu))
	}
	s.as(cpu, fn)
}

// OnCPU runs fn in thread context on cpu: the subsystem sees cpu as the
// current CPU, so operations on entries it owns run without a cross-call.
func (s *Sim) OnCPU(cpu cyclic.CPUID, fn func()) {
	s.as(cpu, fn)
}

func (s *Sim) as(cpu cyclic.CPUID, fn func()) {
	prev := s.current
	s.current = cpu
	defer func() { s.current = prev }()
	fn()
	s.serviceSoft(cpu)
}

// Advance moves the clock forward by d, delivering each clock interrupt
// at its deadline, in time order (ties by CPU id). Advance(0) delivers
// interrupts that are already due.
func (s *Sim) Advance(d time.Duration) {
	if d < 0 {
		panic("cyclictest: negative advance")
	}
	s.AdvanceTo(s.now.Add(d))
}

// AdvanceTo is Advance to an absolute time.
func (s *Sim) AdvanceTo(t cyclic.HRTime) {
	for {
		cpu, deadline, ok := s.next()
		if !ok || deadline > t {
			break
		}
		s.now = max(s.now, deadline)
		s.fire(cpu)
	}
	s.now = max(s.now, t)
}

// Jump moves the clock forward by d before delivering any interrupt, as if
// every CPU was starved for d. Each CPU with a due deadline then takes one
// clock interrupt, late.
func (s *Sim) Jump(d time.Duration) {
	if d < 0 {
		panic("cyclictest: negative jump")
	}
	s.now = s.now.Add(d)
	s.AdvanceTo(s.now)
}

// next returns the CPU with the earliest deadline.
func (s *Sim) next() (cyclic.CPUID, cyclic.HRTime, bool) {
	var (
		best     = cyclic.NoCPU
		deadline = cyclic.Infinity
	)
	for _, id := range s.ids() {
		if c := s.cpus[id]; c.deadline < deadline {
			best, deadline = id, c.deadline
		}
	}
	return best, deadline, best != cyclic.NoCPU
}

func (s *Sim) fire(cpu cyclic.CPUID) {
	c := s.cpus[cpu]
	c.deadline = cyclic.Infinity
	s.stats.Fires++
	s.as(cpu, c.d.Fire)
}

// serviceSoft delivers cpu's pending soft interrupts, highest level first,
// unless soft interrupts are held.
func (s *Sim) serviceSoft(cpu cyclic.CPUID) {
	if s.held {
		return
	}
	c := s.cpus[cpu]
	if c == nil {
		return
	}
	prev := s.current
	s.current = cpu
	defer func() { s.current = prev }()
	for {
		lvl := -1
		for i := len(c.soft) - 1; i >= 0; i-- {
			if c.soft[i] {
				lvl = i
				break
			}
		}
		if lvl < 0 {
			return
		}
		c.soft[lvl] = false
		s.stats.SoftFires++
		c.d.SoftInterrupt(cyclic.Level(lvl))
	}
}

// HoldSoft suspends (true) or resumes (false) soft interrupt delivery.
// Resuming does not deliver what is pending; use RunSoft.
func (s *Sim) HoldSoft(hold bool) { s.held = hold }

// RunSoft delivers every pending soft interrupt, unless held.
func (s *Sim) RunSoft() {
	for _, id := range s.ids() {
		s.serviceSoft(id)
	}
}

// Deadline returns cpu's programmed deadline, Infinity if disarmed.
func (s *Sim) Deadline(cpu cyclic.CPUID) cyclic.HRTime {
	if c := s.cpus[cpu]; c != nil {
		return c.deadline
	}
	return cyclic.Infinity
}

// SoftPending reports whether a soft interrupt is pending.
func (s *Sim) SoftPending(cpu cyclic.CPUID, level cyclic.Level) bool {
	c := s.cpus[cpu]
	return c != nil && c.soft[level]
}

// Configured reports whether cpu is configured.
func (s *Sim) Configured(cpu cyclic.CPUID) bool { return s.cpus[cpu] != nil }

// Stats returns the counters.
func (s *Sim) Stats() Stats { return s.stats }

func (s *Sim) ids() []cyclic.CPUID {
	ids := make([]cyclic.CPUID, 0, len(s.cpus))
	for id := range s.cpus {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
