package cyclic

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidSpec is returned for a malformed entry specification.
	ErrInvalidSpec = errors.New("cyclic: invalid spec")

	// ErrUnknownHandle is returned for a handle that does not exist.
	ErrUnknownHandle = errors.New("cyclic: unknown handle")

	// ErrCapacityExhausted is returned by Create when the target CPU has no
	// reserved slot and automatic reservation is disabled.
	ErrCapacityExhausted = errors.New("cyclic: capacity exhausted")

	// ErrNoOnlineTarget is returned when entries must leave a CPU but no
	// other CPU is online.
	ErrNoOnlineTarget = errors.New("cyclic: no online target CPU")

	// ErrFatalDispatch is matched by every *FatalDispatchFault.
	ErrFatalDispatch = errors.New("cyclic: fatal dispatch fault")

	ErrUnknownCPU      = errors.New("cyclic: unknown CPU")
	ErrCPUExists       = errors.New("cyclic: CPU already attached")
	ErrCPUOffline      = errors.New("cyclic: CPU offline")
	ErrCPUOnline       = errors.New("cyclic: CPU online")
	ErrCPUNotEmpty     = errors.New("cyclic: CPU still owns entries")
	ErrCPUBound        = errors.New("cyclic: CPU has bound entries")
	ErrCPUHalted       = errors.New("cyclic: CPU dispatch halted")
	ErrDispatchContext = errors.New("cyclic: operation not permitted in dispatch context")
	ErrOmnipresent     = errors.New("cyclic: entry belongs to an omnipresent set")
	ErrUnknownOmni     = errors.New("cyclic: unknown omnipresent handle")
	ErrHeapCorrupt     = errors.New("cyclic: heap invariant violated")
	ErrSoftOverflow    = errors.New("cyclic: soft buffer overflow")
	ErrClosed          = errors.New("cyclic: subsystem closed")
)

// FatalDispatchFault reports a handler panic, or a broken internal
// invariant, detected while dispatching. The CPU's dispatch is halted.
type FatalDispatchFault struct {
	// Value is the recovered panic value, or the violated invariant.
	Value  any
	CPU    CPUID
	Handle Handle
	Level  Level
}

func (e *FatalDispatchFault) Error() string {
	if e.Handle == 0 {
		return fmt.Sprintf("cyclic: fatal dispatch fault on cpu %d: %v", e.CPU, e.Value)
	}
	return fmt.Sprintf("cyclic: fatal dispatch fault on cpu %d: handle %d at level %s: %v", e.CPU, e.Handle, e.Level, e.Value)
}

// Unwrap returns ErrFatalDispatch, plus the panic value if it is an error.
func (e *FatalDispatchFault) Unwrap() []error {
	if err, ok := e.Value.(error); ok {
		return []error{ErrFatalDispatch, err}
	}
	return []error{ErrFatalDispatch}
}
