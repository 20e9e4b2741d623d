// Package cyclic implements per-CPU cyclic dispatch: time-driven callbacks
// ("entries") fired at a chosen interrupt level, on a chosen CPU.
//
// Each CPU keeps its entries in an array-backed min-heap ordered by
// expiration, with ties broken by handle. The platform, described by
// [Backend], delivers a clock interrupt when the earliest entry is due.
// Entries at [LevelHigh] run straight from the clock interrupt; entries at
// lower levels are queued on that level's soft buffer, and run when the
// backend delivers the corresponding soft interrupt. Periodic entries are
// rescheduled by whole multiples of their interval, so late dispatch never
// causes drift, and an entry runs once per dispatch however many intervals
// it missed.
//
// A CPU's heap and soft buffers are only touched on that CPU: thread-context
// operations such as [Subsystem.Create], [Subsystem.Destroy] and
// [Subsystem.Juggle] send typed commands to the owning CPU with
// [Backend.CrossCall], and wait for them to complete. Only the table of
// handles is shared, under a mutex.
//
// Omnipresent sets ([Subsystem.RegisterOmnipresent]) keep one member entry
// on every online CPU, adding and removing members as CPUs come and go.
//
// Storage is reserved ahead of time, in thread context: dispatch never
// allocates. See [Subsystem.Reserve] and [Reserver].
//
// Two backends are provided: package gocpu runs each CPU as a goroutine,
// and package cyclictest simulates CPUs against a manual clock.
package cyclic
