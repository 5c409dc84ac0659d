package debounce

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const delay = 30 * time.Millisecond

func TestTimer_FiresOnce(t *testing.T) {
	var calls atomic.Int32
	tm := New(delay, func() { calls.Add(1) })

	require.Equal(t, Idle, tm.State())
	tm.Arm()
	require.Equal(t, Armed, tm.State())

	require.Eventually(t, func() bool { return tm.State() == Fired }, time.Second, 5*time.Millisecond)
	time.Sleep(2 * delay)
	require.Equal(t, int32(1), calls.Load())
}

func TestTimer_RearmCoalesces(t *testing.T) {
	var calls atomic.Int32
	tm := New(delay, func() { calls.Add(1) })

	for i := 0; i < 5; i++ {
		tm.Arm()
		time.Sleep(delay / 3)
	}

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(2 * delay)
	require.Equal(t, int32(1), calls.Load())
}

func TestTimer_Cancel(t *testing.T) {
	var calls atomic.Int32
	tm := New(delay, func() { calls.Add(1) })

	tm.Arm()
	require.True(t, tm.Cancel())
	require.False(t, tm.Cancel())
	require.Equal(t, Idle, tm.State())

	time.Sleep(3 * delay)
	require.Zero(t, calls.Load())

	tm.Arm()
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.False(t, tm.Cancel())
}

func TestRegistry_PerKey(t *testing.T) {
	var mu sync.Mutex
	fired := map[string]int{}
	reg := NewRegistry(delay, func(key string) {
		mu.Lock()
		fired[key]++
		mu.Unlock()
	})

	reg.Arm("a")
	reg.Arm("b")
	reg.Arm("a")
	require.True(t, reg.Pending("a"))
	require.True(t, reg.Cancel("b"))
	require.False(t, reg.Cancel("b"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return fired["a"] == 1
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool { return reg.Len() == 0 }, time.Second, 5*time.Millisecond)
	mu.Lock()
	require.Zero(t, fired["b"])
	mu.Unlock()
	require.False(t, reg.Pending("a"))
}

func TestRegistry_Stop(t *testing.T) {
	var calls atomic.Int32
	reg := NewRegistry(delay, func(string) { calls.Add(1) })

	reg.Arm("a")
	reg.Arm("b")
	reg.Stop()

	time.Sleep(3 * delay)
	require.Zero(t, calls.Load())
	require.Zero(t, reg.Len())
}
