package cyclic

import (
	"io"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// NewJSONLogger returns a logger writing one JSON object per line to w, for
// use with [WithLogger].
func NewJSONLogger(w io.Writer, level logiface.Level) *logiface.Logger[logiface.Event] {
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(w)),
		stumpy.L.WithLevel(level),
	).Logger()
}

// eventLog wraps the configured logger with the subsystem's conventions.
// A nil logger is valid, and logs nothing.
type eventLog struct {
	l            *logiface.Logger[logiface.Event]
	overrunLimit *catrate.Limiter
}

func newEventLog(l *logiface.Logger[logiface.Event], overrunRates map[time.Duration]int) eventLog {
	e := eventLog{l: l}
	if l != nil && len(overrunRates) != 0 {
		e.overrunLimit = catrate.NewLimiter(overrunRates)
	}
	return e
}

func (e eventLog) cpuState(cpu CPUID, from, to CPUState) {
	e.l.Info().
		Int(`cpu`, int(cpu)).
		Stringer(`from`, from).
		Stringer(`to`, to).
		Log(`cyclic: cpu state changed`)
}

func (e eventLog) juggled(h Handle, from, to CPUID) {
	e.l.Debug().
		Uint64(`handle`, uint64(h)).
		Int(`from`, int(from)).
		Int(`to`, int(to)).
		Log(`cyclic: entry juggled`)
}

func (e eventLog) grew(cpu CPUID, from, to int) {
	e.l.Debug().
		Int(`cpu`, int(cpu)).
		Int(`from`, from).
		Int(`to`, to).
		Log(`cyclic: reserve grown`)
}

// overrun is called in dispatch context, when an entry missed at least one
// whole interval. Warnings are rate limited per CPU.
func (e eventLog) overrun(cpu CPUID, h Handle, missed int64, late time.Duration) {
	if e.l == nil {
		return
	}
	if _, ok := e.overrunLimit.Allow(cpu); !ok {
		return
	}
	e.l.Warning().
		Int(`cpu`, int(cpu)).
		Uint64(`handle`, uint64(h)).
		Int64(`missed`, missed).
		Dur(`late`, late).
		Log(`cyclic: periodic entry overran`)
}

func (e eventLog) fault(f *FatalDispatchFault) {
	e.l.Crit().
		Int(`cpu`, int(f.CPU)).
		Uint64(`handle`, uint64(f.Handle)).
		Stringer(`level`, f.Level).
		Err(f).
		Log(`cyclic: dispatch halted`)
}

func (e eventLog) noTarget(cpu CPUID, h Handle) {
	e.l.Crit().
		Int(`cpu`, int(cpu)).
		Uint64(`handle`, uint64(h)).
		Log(`cyclic: no online cpu to take entry`)
}
