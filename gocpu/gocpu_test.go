package gocpu

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joeycumines/go-cyclic"
)

func newSubsystem(t *testing.T, n int, opts ...Option) (*Backend, *cyclic.Subsystem) {
	t.Helper()
	b, err := New(opts...)
	require.NoError(t, err)
	s, err := cyclic.New(b)
	require.NoError(t, err)
	for id := range cyclic.CPUID(n) {
		require.NoError(t, s.AttachCPU(id, 0))
		require.NoError(t, s.OnCPUOnline(id))
	}
	t.Cleanup(func() {
		_ = s.Close()
		_ = b.Close()
	})
	return b, s
}

func TestBackend_periodicAndDestroy(t *testing.T) {
	_, s := newSubsystem(t, 2)
	var n atomic.Int64
	h, err := s.Create(cyclic.Spec{
		Handler: cyclic.Handler{Func: func(any) { n.Add(1) }, Level: cyclic.LevelHigh},
		When:    cyclic.When{Start: cyclic.StartNow, Interval: time.Millisecond},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return n.Load() >= 5 }, 5*time.Second, time.Millisecond)

	require.NoError(t, s.Destroy(h))
	after := n.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, n.Load())
}

func TestBackend_handlersRunOnOwningCPU(t *testing.T) {
	b, s := newSubsystem(t, 3)
	type hit struct {
		level cyclic.Level
		cpu   cyclic.CPUID
	}
	var (
		mu   sync.Mutex
		hits []hit
	)
	for id := range cyclic.CPUID(3) {
		// created on the CPU itself, so all three are due by its next
		// clock interrupt
		b.CrossCall(id, func() {
			for _, level := range []cyclic.Level{cyclic.LevelLow, cyclic.LevelLock, cyclic.LevelHigh} {
				_, err := s.CreateOn(id, cyclic.Spec{
					Handler: cyclic.Handler{
						Level: level,
						Arg:   id,
						Func: func(arg any) {
							mu.Lock()
							defer mu.Unlock()
							assert.Equal(t, arg, b.CurrentCPU())
							hits = append(hits, hit{level, b.CurrentCPU()})
						},
					},
					When: cyclic.When{Start: cyclic.StartNow},
				})
				assert.NoError(t, err)
			}
		})
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(hits) == 9
	}, 5*time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	perCPU := map[cyclic.CPUID][]cyclic.Level{}
	for _, h := range hits {
		perCPU[h.cpu] = append(perCPU[h.cpu], h.level)
	}
	for id := range cyclic.CPUID(3) {
		// one clock interrupt, then soft interrupts highest first
		assert.Equal(t, []cyclic.Level{cyclic.LevelHigh, cyclic.LevelLock, cyclic.LevelLow}, perCPU[id], `cpu %d`, id)
	}
	assert.Equal(t, cyclic.NoCPU, b.CurrentCPU())
}

// Concurrent Juggle and Destroy of the same entry resolve to one order:
// the entry is destroyed either before or after it moved, and runs at
// most once.
func TestBackend_juggleDestroyRace(t *testing.T) {
	b, s := newSubsystem(t, 2)
	for range 100 {
		var n atomic.Int32
		h, err := s.CreateOn(0, cyclic.Spec{
			Handler: cyclic.Handler{Func: func(any) { n.Add(1) }, Level: cyclic.LevelLow},
			When:    cyclic.When{Start: b.Now().Add(50 * time.Microsecond)},
		})
		require.NoError(t, err)

		var (
			wg         sync.WaitGroup
			juggleErr  error
			destroyErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			juggleErr = s.Juggle(h, 1)
		}()
		go func() {
			defer wg.Done()
			destroyErr = s.Destroy(h)
		}()
		wg.Wait()

		require.NoError(t, destroyErr)
		if juggleErr != nil {
			require.ErrorIs(t, juggleErr, cyclic.ErrUnknownHandle)
		}
		_, err = s.Lookup(h)
		require.ErrorIs(t, err, cyclic.ErrUnknownHandle)

		time.Sleep(200 * time.Microsecond)
		require.LessOrEqual(t, n.Load(), int32(1))
	}

	handles, err := s.Handles()
	require.NoError(t, err)
	assert.Empty(t, handles)
	for id := range cyclic.CPUID(2) {
		snap, err := s.Snapshot(id)
		require.NoError(t, err)
		assert.Zero(t, snap.Used)
	}
}

// Thread-context calls from many goroutines, while entries fire.
func TestBackend_concurrentThreadOps(t *testing.T) {
	_, s := newSubsystem(t, 4)
	var fired atomic.Int64
	spec := cyclic.Spec{
		Handler: cyclic.Handler{Func: func(any) { fired.Add(1) }, Level: cyclic.LevelLock},
		When:    cyclic.When{Start: cyclic.StartNow, Interval: 100 * time.Microsecond},
	}

	var wg sync.WaitGroup
	for g := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 50 {
				h, err := s.Create(spec)
				if !assert.NoError(t, err) {
					return
				}
				assert.NoError(t, s.Juggle(h, cyclic.CPUID((g+i)%4)))
				assert.NoError(t, s.Destroy(h))
			}
		}()
	}
	wg.Wait()

	handles, err := s.Handles()
	require.NoError(t, err)
	assert.Empty(t, handles)
}

func TestBackend_handlerCannotReenter(t *testing.T) {
	_, s := newSubsystem(t, 1)
	errs := make(chan error, 1)
	_, err := s.Create(cyclic.Spec{
		Handler: cyclic.Handler{
			Level: cyclic.LevelHigh,
			Func: func(any) {
				_, err := s.Handles()
				errs <- err
			},
		},
		When: cyclic.When{Start: cyclic.StartNow},
	})
	require.NoError(t, err)
	select {
	case err := <-errs:
		assert.ErrorIs(t, err, cyclic.ErrDispatchContext)
	case <-time.After(5 * time.Second):
		t.Fatal(`handler did not run`)
	}
}

func TestBackend_offlineMovesEntries(t *testing.T) {
	_, s := newSubsystem(t, 2)
	var n atomic.Int64
	h, err := s.CreateOn(1, cyclic.Spec{
		Handler: cyclic.Handler{Func: func(any) { n.Add(1) }, Level: cyclic.LevelLow},
		When:    cyclic.When{Start: cyclic.StartNow, Interval: time.Millisecond},
	})
	require.NoError(t, err)
	require.NoError(t, s.OnCPUOffline(1))

	info, err := s.Lookup(h)
	require.NoError(t, err)
	assert.Equal(t, cyclic.CPUID(0), info.CPU)

	before := n.Load()
	require.Eventually(t, func() bool { return n.Load() > before+3 }, 5*time.Second, time.Millisecond)
	require.NoError(t, s.DetachCPU(1))
}

// dispatcher is a Dispatcher for driving a Backend directly.
type dispatcher struct {
	fires atomic.Int64
	soft  chan cyclic.Level
}

func (x *dispatcher) Fire() { x.fires.Add(1) }

func (x *dispatcher) SoftInterrupt(level cyclic.Level) {
	if x.soft != nil {
		x.soft <- level
	}
}

func TestBackend_crossCallBetweenCPUs(t *testing.T) {
	b, err := New(WithMailbox(0, 1))
	require.NoError(t, err)
	defer b.Close()
	require.NoError(t, b.Configure(0, &dispatcher{}))
	require.NoError(t, b.Configure(1, &dispatcher{}))
	assert.ErrorIs(t, b.Configure(1, &dispatcher{}), ErrCPUExists)

	// CPUs cross-calling each other at the same time must not deadlock
	var wg sync.WaitGroup
	var ran atomic.Int64
	for range 100 {
		wg.Add(2)
		go b.CrossCall(0, func() {
			defer wg.Done()
			b.CrossCall(1, func() { ran.Add(1) })
		})
		go b.CrossCall(1, func() {
			defer wg.Done()
			b.CrossCall(0, func() { ran.Add(1) })
		})
	}
	wg.Wait()
	assert.Equal(t, int64(200), ran.Load())

	self := cyclic.NoCPU
	b.CrossCall(1, func() {
		// a cross-call to the current CPU runs inline
		b.CrossCall(1, func() { self = b.CurrentCPU() })
	})
	assert.Equal(t, cyclic.CPUID(1), self)
}

func TestBackend_timerAndSoft(t *testing.T) {
	b, err := New()
	require.NoError(t, err)
	defer b.Close()
	d := &dispatcher{soft: make(chan cyclic.Level, 4)}
	require.NoError(t, b.Configure(0, d))

	b.Reprogram(0, b.Now().Add(time.Millisecond))
	require.Eventually(t, func() bool { return d.fires.Load() == 1 }, 5*time.Second, time.Millisecond)

	b.Reprogram(0, b.Now().Add(time.Hour))
	b.Reprogram(0, cyclic.Infinity)
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, int64(1), d.fires.Load())

	// both raised before the CPU looks: delivered highest first
	b.CrossCall(0, func() {
		b.TriggerSoft(0, cyclic.LevelLow)
		b.TriggerSoft(0, cyclic.LevelLock)
	})
	assert.Equal(t, cyclic.LevelLock, <-d.soft)
	assert.Equal(t, cyclic.LevelLow, <-d.soft)

	// cleared before delivery
	b.CrossCall(0, func() {
		b.TriggerSoft(0, cyclic.LevelLow)
		b.ClearSoft(0, cyclic.LevelLow)
	})
	b.CrossCall(0, func() {})
	select {
	case lvl := <-d.soft:
		t.Fatalf(`unexpected soft interrupt %s`, lvl)
	default:
	}
}

func TestBackend_unconfigure(t *testing.T) {
	b, err := New()
	require.NoError(t, err)
	require.NoError(t, b.Configure(0, &dispatcher{}))
	b.Unconfigure(0)
	b.Unconfigure(0)
	assert.Panics(t, func() { b.CrossCall(0, func() {}) })

	// calls for unknown CPUs are ignored
	b.Reprogram(0, 0)
	b.TriggerSoft(0, cyclic.LevelLow)
	b.ClearSoft(0, cyclic.LevelLow)

	require.NoError(t, b.Configure(0, &dispatcher{}))
	require.NoError(t, b.Close())
	assert.ErrorIs(t, b.Close(), ErrClosed)
	assert.ErrorIs(t, b.Configure(1, &dispatcher{}), ErrClosed)
}

func TestBackend_affinity(t *testing.T) {
	var asked []int
	var mu sync.Mutex
	b, err := New(WithAffinity(func(cpu int) int {
		mu.Lock()
		defer mu.Unlock()
		asked = append(asked, cpu)
		return 0
	}))
	require.NoError(t, err)
	defer b.Close()
	require.NoError(t, b.Configure(3, &dispatcher{}))

	ran := false
	b.CrossCall(3, func() { ran = true })
	assert.True(t, ran)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{3}, asked)
}

func TestWithMailbox_invalid(t *testing.T) {
	_, err := New(WithMailbox(-1, 1))
	assert.Error(t, err)
	_, err = New(WithMailbox(1, 0))
	assert.Error(t, err)
}

func TestGetGoroutineID(t *testing.T) {
	id := getGoroutineID()
	assert.NotZero(t, id)
	assert.Equal(t, id, getGoroutineID())
	ch := make(chan uint64)
	go func() { ch <- getGoroutineID() }()
	assert.NotEqual(t, id, <-ch)
}

func TestParseGoroutineID(t *testing.T) {
	for stack, want := range map[string]uint64{
		"goroutine 1 [running]:\nmain.main()": 1,
		"goroutine 18446744073709551615 [":    18446744073709551615,
		"goroutine 42":                        42,
		"goroutine x [running]:":              0,
		"goroutine  7 [running]:":             0,
		"thread 7 [running]:":                 0,
		"":                                    0,
	} {
		assert.Equal(t, want, parseGoroutineID([]byte(stack)), stack)
	}
}
