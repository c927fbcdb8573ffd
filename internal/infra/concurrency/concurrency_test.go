package concurrency_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kingtg-userbot/internal/infra/concurrency"
)

func TestKeyedMutexSerializesSameKey(t *testing.T) {
	t.Parallel()

	km := concurrency.NewKeyedMutex[int64]()
	var (
		inside  atomic.Int32
		maxSeen atomic.Int32
		wg      sync.WaitGroup
	)
	for range 20 {
		wg.Go(func() {
			unlock := km.Lock(42)
			defer unlock()
			n := inside.Add(1)
			if n > maxSeen.Load() {
				maxSeen.Store(n)
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
		})
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxSeen.Load())
	assert.Equal(t, 1, km.Len())
}

func TestKeyedMutexTryLock(t *testing.T) {
	t.Parallel()

	km := concurrency.NewKeyedMutex[int64]()
	unlock := km.Lock(1)

	_, ok := km.TryLock(1)
	assert.False(t, ok, "held key must not be acquired")

	unlock2, ok := km.TryLock(2)
	require.True(t, ok, "other keys are independent")
	unlock2()

	unlock()
	unlock3, ok := km.TryLock(1)
	require.True(t, ok)
	unlock3()
}

func TestLoopTicksAndStops(t *testing.T) {
	t.Parallel()

	var ticks atomic.Int32
	loop := concurrency.NewLoop("test", 5*time.Millisecond, func(context.Context) {
		if ticks.Add(1) == 2 {
			panic("boom")
		}
	})
	loop.Start(context.Background())
	loop.Start(context.Background())

	require.Eventually(t, func() bool { return ticks.Load() >= 4 }, time.Second, time.Millisecond,
		"loop keeps ticking after a panic")

	loop.Stop()
	stopped := ticks.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, stopped, ticks.Load())
	loop.Stop()
}

func TestDebouncerCoalescesByKey(t *testing.T) {
	t.Parallel()

	d := concurrency.NewDebouncer[string](20 * time.Millisecond)
	d.Start(context.Background())
	defer d.Stop()

	var calls atomic.Int32
	var last atomic.Value
	for i := range 5 {
		d.Do("a.go", func() {
			calls.Add(1)
			last.Store(i)
		})
	}
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 4, last.Load())
	assert.Equal(t, 0, d.Pending())
}

func TestDebouncerStopFlushes(t *testing.T) {
	t.Parallel()

	d := concurrency.NewDebouncer[string](time.Hour)
	d.Start(context.Background())

	var ran atomic.Bool
	d.Do("b.go", func() { ran.Store(true) })
	assert.Equal(t, 1, d.Pending())
	d.Stop()
	assert.True(t, ran.Load())

	// Остановленный дебаунсер выполняет сразу.
	var direct atomic.Bool
	d.Do("c.go", func() { direct.Store(true) })
	assert.True(t, direct.Load())
}
