package cyclic_test

import (
	"sync"
	"testing"
	"time"

	"github.com/joeycumines/go-microbatch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joeycumines/go-cyclic"
)

func TestReserve_capacityExhausted(t *testing.T) {
	sim, s := newSim(t, 1, cyclic.WithInitialCapacity(2), cyclic.WithAutoReserve(false))
	var r recorder
	spec := cyclic.Spec{Handler: r.handler(cyclic.LevelLow, nil), When: periodic(cyclic.StartNow, time.Millisecond)}

	for range 2 {
		_, err := s.Create(spec)
		require.NoError(t, err)
	}
	_, err := s.Create(spec)
	assert.ErrorIs(t, err, cyclic.ErrCapacityExhausted)

	// growth keeps queued soft work
	sim.HoldSoft(true)
	sim.Advance(0)
	require.NoError(t, s.Reserve(0, 1))

	snap, err := s.Snapshot(0)
	require.NoError(t, err)
	assert.Equal(t, 4, snap.Capacity)
	assert.Equal(t, 2, snap.Used)
	assert.Len(t, snap.Soft[cyclic.LevelLow], 2)

	for range 2 {
		_, err := s.Create(spec)
		require.NoError(t, err)
	}
	_, err = s.Create(spec)
	assert.ErrorIs(t, err, cyclic.ErrCapacityExhausted)

	sim.HoldSoft(false)
	sim.RunSoft()
	assert.Equal(t, 2, r.count())

	m, err := s.Metrics(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), m.Grows)

	// already satisfied
	require.NoError(t, s.Reserve(0, 0))
	assert.ErrorIs(t, s.Reserve(5, 1), cyclic.ErrUnknownCPU)
}

func TestReserve_auto(t *testing.T) {
	_, s := newSim(t, 1, cyclic.WithInitialCapacity(1))
	var r recorder
	for range 5 {
		_, err := s.Create(cyclic.Spec{Handler: r.handler(cyclic.LevelHigh, nil), When: oneShot(cyclic.HRTime(time.Second))})
		require.NoError(t, err)
	}
	snap, err := s.Snapshot(0)
	require.NoError(t, err)
	assert.Equal(t, 8, snap.Capacity)
	assert.Equal(t, 5, snap.Used)
	m, err := s.Metrics(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), m.Grows)
}

func TestReserver_batchesGrowth(t *testing.T) {
	_, s := newSim(t, 2)
	x := cyclic.NewReserver(s, &microbatch.BatcherConfig{
		MaxSize:       4,
		FlushInterval: time.Hour,
	})
	defer x.Close()

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = x.Reserve(t.Context(), 0, 3)
		}()
	}
	wg.Wait()
	for _, err := range errs {
		assert.NoError(t, err)
	}

	snap, err := s.Snapshot(0)
	require.NoError(t, err)
	assert.Equal(t, 16, snap.Capacity)
	m, err := s.Metrics(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), m.Grows)
}

func TestReserver_perRequestErrors(t *testing.T) {
	_, s := newSim(t, 1)
	x := cyclic.NewReserver(s, &microbatch.BatcherConfig{MaxSize: 1})
	defer x.Close()

	assert.ErrorIs(t, x.Reserve(t.Context(), 9, 1), cyclic.ErrUnknownCPU)
	assert.NoError(t, x.Reserve(t.Context(), 0, 20))

	snap, err := s.Snapshot(0)
	require.NoError(t, err)
	assert.Equal(t, 32, snap.Capacity)
}
