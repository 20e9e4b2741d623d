package cyclic

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// inlineBackend is a single CPU that every caller is already running on,
// so each cross-call runs inline with the subsystem lock held.
type inlineBackend struct {
	now       HRTime
	triggered []Level
}

func (b *inlineBackend) Now() HRTime                       { return b.now }
func (b *inlineBackend) CurrentCPU() CPUID                 { return 0 }
func (b *inlineBackend) Configure(CPUID, Dispatcher) error { return nil }
func (b *inlineBackend) Unconfigure(CPUID)                 {}
func (b *inlineBackend) Reprogram(CPUID, HRTime)           {}
func (b *inlineBackend) ClearSoft(CPUID, Level)            {}
func (b *inlineBackend) CrossCall(_ CPUID, fn func())      { fn() }

func (b *inlineBackend) TriggerSoft(_ CPUID, level Level) {
	b.triggered = append(b.triggered, level)
}

func TestHalt_faultHandlerInDispatchContext(t *testing.T) {
	var (
		faults     []*FatalDispatchFault
		handlesErr error
		s          *Subsystem
	)
	s, err := New(&inlineBackend{},
		WithInvariantChecks(true),
		WithFaultHandler(func(f *FatalDispatchFault) {
			faults = append(faults, f)
			// the CPU faulted inside a thread-context call holding the lock
			_, handlesErr = s.Handles()
		}),
	)
	require.NoError(t, err)
	require.NoError(t, s.AttachCPU(0, 0))
	require.NoError(t, s.OnCPUOnline(0))

	spec := func(start time.Duration) Spec {
		return Spec{
			Handler: Handler{Func: func(any) {}, Level: LevelHigh},
			When:    When{Start: HRTime(start)},
		}
	}
	_, err = s.CreateOn(0, spec(10*time.Millisecond))
	require.NoError(t, err)
	_, err = s.CreateOn(0, spec(20*time.Millisecond))
	require.NoError(t, err)

	c := s.cpus[0]
	root, _ := c.heap.root()
	c.heap.slots[root].expire = HRTime(100 * time.Millisecond)

	_, err = s.CreateOn(0, spec(time.Second))
	assert.ErrorIs(t, err, ErrCPUHalted)
	require.Len(t, faults, 1)
	assert.ErrorIs(t, faults[0], ErrHeapCorrupt)
	assert.ErrorIs(t, handlesErr, ErrDispatchContext)
	assert.False(t, c.dispatching.Load())
	assert.Equal(t, CPUHalted, c.state.Load())
}

// A soft interrupt delivered while the CPU is offline still resets the
// level, so the next post raises it again.
func TestCPU_softInterruptWhileOffline(t *testing.T) {
	b := &inlineBackend{}
	s, err := New(b)
	require.NoError(t, err)
	require.NoError(t, s.AttachCPU(0, 0))
	c := s.cpus[0]

	c.trigger(LevelLow)
	c.trigger(LevelLow)
	assert.Equal(t, []Level{LevelLow}, b.triggered)

	c.SoftInterrupt(LevelLow)
	c.trigger(LevelLow)
	assert.Equal(t, []Level{LevelLow, LevelLow}, b.triggered)
}
