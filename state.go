package cyclic

import (
	"sync/atomic"
)

// CPUState is the lifecycle state of a CPU attached to a Subsystem.
//
// State machine:
//
//	CPUOffline → CPUOnline   [OnCPUOnline]
//	CPUOnline → CPUOffline   [OnCPUOffline]
//	CPUOnline → CPUHalted    [fatal dispatch fault, via CAS on the CPU]
//	CPUOffline → CPUDetached [DetachCPU, Close]
//	CPUHalted → CPUDetached  [DetachCPU, Close]
//	CPUOnline → CPUDetached  [Close]
//	CPUDetached → (terminal)
//
// A CPU is CPUOffline when first attached. Only CPUHalted is entered from
// dispatch context; every other transition happens in thread context with
// the subsystem lock held.
type CPUState uint32

const (
	CPUOffline CPUState = iota
	CPUOnline
	CPUHalted
	CPUDetached
)

func (s CPUState) String() string {
	switch s {
	case CPUOffline:
		return "Offline"
	case CPUOnline:
		return "Online"
	case CPUHalted:
		return "Halted"
	case CPUDetached:
		return "Detached"
	default:
		return "Unknown"
	}
}

// cpuStateBox is read from any goroutine and written under the subsystem
// lock, except for the Online to Halted transition.
type cpuStateBox struct {
	v atomic.Uint32
}

func (s *cpuStateBox) Load() CPUState { return CPUState(s.v.Load()) }

// Store is for transitions made with the subsystem lock held.
func (s *cpuStateBox) Store(state CPUState) { s.v.Store(uint32(state)) }

// TryTransition performs a CAS from one state to another.
func (s *cpuStateBox) TryTransition(from, to CPUState) bool {
	return s.v.CompareAndSwap(uint32(from), uint32(to))
}
