package cyclic

import (
	"slices"
	"sync"
	"sync/atomic"
)

// Subsystem is a set of CPUs, each dispatching the entries placed on it.
//
// Initialization: attach CPUs with AttachCPU and bring them online with
// OnCPUOnline before creating entries. Teardown: Close destroys every entry
// and detaches every CPU.
//
// All methods are thread-context operations. They may block, and they
// return ErrDispatchContext when called from a handler.
type Subsystem struct {
	backend Backend
	opts    *subsystemOptions
	log     eventLog

	// view is a copy-on-write snapshot of cpus, for the lock-free
	// dispatch context check.
	view atomic.Pointer[map[CPUID]*cpu]

	mu         sync.Mutex
	cpus       map[CPUID]*cpu
	order      []*cpu // cpus, by id
	records    map[Handle]*record
	omnis      map[OmniHandle]*omniSet
	nextHandle Handle
	nextOmni   OmniHandle
	closed     bool
}

// New returns a Subsystem driven by backend. No CPUs are attached.
func New(backend Backend, opts ...Option) (*Subsystem, error) {
	if backend == nil {
		panic(`cyclic: nil backend`)
	}
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	s := &Subsystem{
		backend:    backend,
		opts:       cfg,
		log:        newEventLog(cfg.logger, cfg.overrunLogRates),
		cpus:       make(map[CPUID]*cpu),
		records:    make(map[Handle]*record),
		omnis:      make(map[OmniHandle]*omniSet),
		nextHandle: 1,
		nextOmni:   1,
	}
	s.publish()
	return s, nil
}

// lock acquires the subsystem lock for a thread-context operation.
func (s *Subsystem) lock() error {
	if id := s.backend.CurrentCPU(); id != NoCPU {
		if c := (*s.view.Load())[id]; c != nil && c.dispatching.Load() {
			return ErrDispatchContext
		}
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	return nil
}

// publish refreshes view, with the lock held.
func (s *Subsystem) publish() {
	m := make(map[CPUID]*cpu, len(s.cpus))
	for id, c := range s.cpus {
		m[id] = c
	}
	s.view.Store(&m)
}

func (s *Subsystem) cpu(id CPUID) (*cpu, error) {
	c := s.cpus[id]
	if c == nil {
		return nil, ErrUnknownCPU
	}
	return c, nil
}

func (s *Subsystem) onlineCPU(id CPUID) (*cpu, error) {
	c, err := s.cpu(id)
	if err != nil {
		return nil, err
	}
	switch c.state.Load() {
	case CPUOnline:
		return c, nil
	case CPUHalted:
		return nil, ErrCPUHalted
	default:
		return nil, ErrCPUOffline
	}
}

// AttachCPU adds a CPU in the offline state, configures the backend to
// deliver its interrupts, and reserves its initial capacity. CPUs in the
// same partition are preferred when entries must leave a CPU.
func (s *Subsystem) AttachCPU(id CPUID, partition int) error {
	if id < 0 {
		return ErrUnknownCPU
	}
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	if s.cpus[id] != nil {
		return ErrCPUExists
	}
	c := newCPU(s, id, partition)
	if err := s.backend.Configure(id, c); err != nil {
		return err
	}
	s.cpus[id] = c
	i, _ := slices.BinarySearchFunc(s.order, id, func(v *cpu, id CPUID) int { return int(v.id - id) })
	s.order = slices.Insert(s.order, i, c)
	s.publish()
	s.log.cpuState(id, CPUDetached, CPUOffline)
	return nil
}

// DetachCPU removes an offline (or halted) CPU that owns no entries.
func (s *Subsystem) DetachCPU(id CPUID) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	c, err := s.cpu(id)
	if err != nil {
		return err
	}
	from := c.state.Load()
	if from == CPUOnline {
		return ErrCPUOnline
	}
	if len(c.owned) != 0 {
		return ErrCPUNotEmpty
	}
	s.detach(c)
	s.log.cpuState(id, from, CPUDetached)
	return nil
}

func (s *Subsystem) detach(c *cpu) {
	s.backend.Unconfigure(c.id)
	c.state.Store(CPUDetached)
	delete(s.cpus, c.id)
	s.order = slices.DeleteFunc(s.order, func(v *cpu) bool { return v == c })
	s.publish()
}

// CPUs returns the attached CPUs and their states, by id.
func (s *Subsystem) CPUs() (map[CPUID]CPUState, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	out := make(map[CPUID]CPUState, len(s.cpus))
	for id, c := range s.cpus {
		out[id] = c.state.Load()
	}
	return out, nil
}

// Metrics returns a copy of a CPU's counters.
func (s *Subsystem) Metrics(id CPUID) (CPUMetrics, error) {
	if err := s.lock(); err != nil {
		return CPUMetrics{}, err
	}
	defer s.mu.Unlock()
	c, err := s.cpu(id)
	if err != nil {
		return CPUMetrics{}, err
	}
	cmd := &xcall{op: xcallMetrics}
	_ = s.run(c, cmd)
	return cmd.metrics, nil
}

// Close destroys every entry and omnipresent set, then detaches every
// CPU. Omnipresent Offline callbacks are called. Further calls fail with
// ErrClosed.
func (s *Subsystem) Close() error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	for _, id := range sortedKeys(s.omnis) {
		s.dropOmni(s.omnis[id])
	}
	for _, c := range slices.Clone(s.order) {
		if c.state.Load() != CPUHalted {
			_ = s.run(c, &xcall{op: xcallClear})
		}
		for h := range c.owned {
			delete(s.records, h)
		}
		clear(c.owned)
		from := c.state.Load()
		s.detach(c)
		s.log.cpuState(c.id, from, CPUDetached)
	}
	s.closed = true
	return nil
}

func sortedKeys[K ~uint64, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
