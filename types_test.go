package cyclic

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHRTime(t *testing.T) {
	assert.Equal(t, HRTime(15), HRTime(10).Add(5))
	assert.Equal(t, Infinity, (Infinity - 1).Add(time.Hour))
	assert.Equal(t, HRTime(5), HRTime(10).Add(-5))
	assert.Equal(t, 3*time.Second, HRTime(5*time.Second).Sub(HRTime(2*time.Second)))

	assert.Equal(t, `inf`, Infinity.String())
	assert.Equal(t, `now`, StartNow.String())
	assert.Equal(t, `1.5s`, HRTime(1500*time.Millisecond).String())
}

func TestStrings(t *testing.T) {
	assert.Equal(t, `none`, NoCPU.String())
	assert.Equal(t, `4`, CPUID(4).String())

	assert.Equal(t, `low`, LevelLow.String())
	assert.Equal(t, `level(7)`, Level(7).String())
	assert.True(t, LevelHigh.Valid())
	assert.False(t, Level(NumLevels).Valid())

	assert.Equal(t, `-`, EntryFlags(0).String())
	assert.Equal(t, `oneshot|consumed`, (FlagOneShot | FlagConsumed).String())
	assert.Equal(t, `omni|bound`, (FlagOmni | FlagBound).String())

	for _, state := range []CPUState{CPUOffline, CPUOnline, CPUHalted, CPUDetached} {
		assert.NotEmpty(t, state.String())
	}
}

func TestCPUStateBox(t *testing.T) {
	var b cpuStateBox
	b.Store(CPUOnline)
	assert.False(t, b.TryTransition(CPUOffline, CPUHalted))
	assert.True(t, b.TryTransition(CPUOnline, CPUHalted))
	assert.Equal(t, CPUHalted, b.Load())
}

func TestResolveOptions(t *testing.T) {
	cfg, err := resolveOptions(nil)
	assert.NoError(t, err)
	assert.Equal(t, 8, cfg.initialCapacity)
	assert.True(t, cfg.autoReserve)
	assert.False(t, cfg.invariantChecks)
	assert.Nil(t, cfg.logger)
	assert.NotEmpty(t, cfg.overrunLogRates)

	cfg, err = resolveOptions([]Option{
		WithInitialCapacity(2),
		WithAutoReserve(false),
		WithInvariantChecks(true),
		WithMetrics(true),
		WithOverrunLogRates(map[time.Duration]int{time.Second: 5}),
	})
	assert.NoError(t, err)
	assert.Equal(t, 2, cfg.initialCapacity)
	assert.False(t, cfg.autoReserve)
	assert.True(t, cfg.invariantChecks)
	assert.True(t, cfg.latencyQuantiles)
	assert.Equal(t, map[time.Duration]int{time.Second: 5}, cfg.overrunLogRates)
}
