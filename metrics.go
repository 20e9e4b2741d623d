package cyclic

import (
	"time"

	"github.com/joeycumines/go-cyclic/internal/quantile"
)

// CPUMetrics is a copy of one CPU's dispatch counters.
type CPUMetrics struct {
	// Fired counts handler invocations per level.
	Fired [NumLevels]uint64

	// Expired counts entries taken off the heap because they were due.
	Expired uint64

	// Posted counts entries queued on a soft buffer. Expirations of an
	// entry that was already queued are counted by Coalesced instead.
	Posted    uint64
	Coalesced uint64

	// Overruns counts whole intervals skipped by periodic entries that were
	// dispatched late.
	Overruns uint64

	JuggledIn  uint64
	JuggledOut uint64
	Grows      uint64

	// Lateness is only populated if WithMetrics(true) was set.
	Lateness LatenessMetrics
}

// LatenessMetrics summarizes how long after their expiration entries were
// taken off the heap.
type LatenessMetrics struct {
	P50   time.Duration
	P90   time.Duration
	P99   time.Duration
	Max   time.Duration
	Mean  time.Duration
	Count int
}

// cpuMetrics is owned by its CPU; it is read through a cross-call.
type cpuMetrics struct {
	CPUMetrics
	lateness *quantile.Set
}

func newCPUMetrics(quantiles bool) cpuMetrics {
	var m cpuMetrics
	if quantiles {
		m.lateness = quantile.NewSet(0.5, 0.9, 0.99)
	}
	return m
}

func (m *cpuMetrics) expired(late time.Duration) {
	m.Expired++
	if m.lateness != nil {
		m.lateness.Add(float64(late))
	}
}

func (m *cpuMetrics) snapshot() CPUMetrics {
	out := m.CPUMetrics
	if l := m.lateness; l != nil && l.Count() != 0 {
		out.Lateness = LatenessMetrics{
			P50:   time.Duration(l.Value(0)),
			P90:   time.Duration(l.Value(1)),
			P99:   time.Duration(l.Value(2)),
			Max:   time.Duration(l.Max()),
			Mean:  time.Duration(l.Mean()),
			Count: l.Count(),
		}
	}
	return out
}
