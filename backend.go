package cyclic

// Backend is the platform the subsystem runs on. It owns the clock, the
// per-CPU deadline timer, soft interrupt delivery and cross-calls.
//
// For each configured CPU, the backend must serialize every call it makes
// into that CPU's [Dispatcher] with every function it runs for that CPU via
// CrossCall: together they model the CPU's interrupt priority discipline.
type Backend interface {
	// Now returns the current monotonic time.
	Now() HRTime

	// CurrentCPU returns the CPU the caller is executing on, or NoCPU.
	CurrentCPU() CPUID

	// Configure readies cpu to deliver interrupts to d.
	Configure(cpu CPUID, d Dispatcher) error

	// Unconfigure stops all delivery to cpu.
	Unconfigure(cpu CPUID)

	// Reprogram arranges for Dispatcher.Fire at or before deadline,
	// replacing any previous deadline. An early Fire finds nothing due
	// and reprograms the same deadline. Infinity disarms the timer. A
	// deadline in the past fires as soon as possible.
	Reprogram(cpu CPUID, deadline HRTime)

	// TriggerSoft posts a soft interrupt at level. Delivery happens once
	// the CPU is no longer executing at a higher level.
	TriggerSoft(cpu CPUID, level Level)

	// ClearSoft acknowledges a pending soft interrupt at level.
	ClearSoft(cpu CPUID, level Level)

	// CrossCall runs fn on cpu and returns once fn has returned.
	CrossCall(cpu CPUID, fn func())
}

// Dispatcher receives a CPU's interrupts. It is implemented by the
// subsystem and handed to [Backend.Configure].
type Dispatcher interface {
	// Fire is the clock interrupt, delivered at LevelHigh.
	Fire()

	// SoftInterrupt is a soft interrupt previously posted at level.
	SoftInterrupt(level Level)
}
