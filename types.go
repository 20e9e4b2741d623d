package cyclic

import (
	"math"
	"strconv"
	"time"
)

// HRTime is a point on the backend's monotonic clock, in nanoseconds.
type HRTime int64

const (
	// Infinity is later than every deadline. Reprogramming a CPU to
	// Infinity disarms it.
	Infinity HRTime = math.MaxInt64

	// StartNow requests that an entry first fires at the time it is placed.
	StartNow HRTime = -1
)

// Add returns t+d, saturating at Infinity.
func (t HRTime) Add(d time.Duration) HRTime {
	if d > 0 && t > Infinity-HRTime(d) {
		return Infinity
	}
	return t + HRTime(d)
}

// Sub returns the duration t-u.
func (t HRTime) Sub(u HRTime) time.Duration { return time.Duration(t - u) }

func (t HRTime) String() string {
	switch t {
	case Infinity:
		return "inf"
	case StartNow:
		return "now"
	}
	return time.Duration(t).String()
}

// CPUID identifies a CPU known to the subsystem.
type CPUID int

// NoCPU is returned by [Backend.CurrentCPU] outside of any CPU, and
// unbinds an entry in [Subsystem.Bind].
const NoCPU CPUID = -1

func (c CPUID) String() string {
	if c == NoCPU {
		return "none"
	}
	return strconv.Itoa(int(c))
}

// Level is the interrupt priority at which a handler runs. The backend
// delivers the clock interrupt at LevelHigh; LevelLow and LevelLock are
// soft interrupt levels.
type Level uint8

const (
	LevelLow Level = iota
	LevelLock
	LevelHigh

	// NumLevels is the number of supported levels.
	NumLevels = 3
)

func (l Level) String() string {
	switch l {
	case LevelLow:
		return "low"
	case LevelLock:
		return "lock"
	case LevelHigh:
		return "high"
	default:
		return "level(" + strconv.Itoa(int(l)) + ")"
	}
}

// Valid reports whether l is a supported level.
func (l Level) Valid() bool { return l < NumLevels }

// Handle identifies an entry. The zero value is never issued.
type Handle uint64

// OmniHandle identifies an omnipresent registration.
type OmniHandle uint64

// Handler is the callback fired by an entry.
type Handler struct {
	Func  func(arg any)
	Arg   any
	Level Level
}

// When describes when an entry fires. An Interval of zero makes the entry
// one-shot.
type When struct {
	Start    HRTime
	Interval time.Duration
}

// Spec is the input to [Subsystem.Create] and [Subsystem.CreateOn].
type Spec struct {
	Handler Handler
	When    When

	// Bound pins the entry to its CPU. A CPU with bound entries refuses to
	// go offline.
	Bound bool
}

// OmniHandler describes an omnipresent registration. Online is called
// once per online CPU to produce that CPU's member; Offline, if non-nil, is
// called after a member has been destroyed, with the Arg of the handler
// Online returned for it.
//
// Neither callback may call back into the subsystem.
type OmniHandler struct {
	Online  func(arg any, cpu CPUID) (Handler, When)
	Offline func(arg any, cpu CPUID, memberArg any)
	Arg     any
}

// EntryFlags describe an entry's state.
type EntryFlags uint8

const (
	// FlagOneShot marks an entry with a zero interval.
	FlagOneShot EntryFlags = 1 << iota
	// FlagConsumed marks a one-shot entry that has fired.
	FlagConsumed
	// FlagOmni marks a member of an omnipresent set.
	FlagOmni
	// FlagBound marks an entry pinned to its CPU.
	FlagBound
)

func (f EntryFlags) String() string {
	var b []byte
	for _, v := range [...]struct {
		f    EntryFlags
		name string
	}{
		{FlagOneShot, "oneshot"},
		{FlagConsumed, "consumed"},
		{FlagOmni, "omni"},
		{FlagBound, "bound"},
	} {
		if f&v.f != 0 {
			if len(b) != 0 {
				b = append(b, '|')
			}
			b = append(b, v.name...)
		}
	}
	if len(b) == 0 {
		return "-"
	}
	return string(b)
}

// EntryInfo describes an entry, as returned by [Subsystem.Lookup].
type EntryInfo struct {
	Handle     Handle
	CPU        CPUID
	Expiration HRTime
	Interval   time.Duration
	Level      Level
	Flags      EntryFlags
	Pending    uint32
}
