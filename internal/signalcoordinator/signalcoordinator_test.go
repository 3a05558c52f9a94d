package signalcoordinator

import (
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func selfSignal(t *testing.T, sig syscall.Signal) {
	t.Helper()
	require.NoError(t, syscall.Kill(os.Getpid(), sig))
}

func TestDispatchOrder_LIFO(t *testing.T) {
	c := Global()

	var mu sync.Mutex
	var order []string

	hA := c.Push(func(os.Signal) {
		mu.Lock()
		order = append(order, "A")
		mu.Unlock()
	})
	defer hA.Release()

	hB := c.Push(func(os.Signal) {
		mu.Lock()
		order = append(order, "B")
		mu.Unlock()
	})
	defer hB.Release()

	selfSignal(t, syscall.SIGTERM)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) >= 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	// Most-recently pushed handler (B) fires before the earlier one (A).
	assert.Equal(t, []string{"B", "A"}, order)
}

func TestRelease_StopsFurtherDispatch(t *testing.T) {
	c := Global()

	calls := 0
	var mu sync.Mutex
	h := c.Push(func(os.Signal) {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	h.Release()
	h.Release() // idempotent

	selfSignal(t, syscall.SIGTERM)
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, calls)
}

func TestWait_WakesOnRelease(t *testing.T) {
	// A fresh coordinator: earlier tests in this file have already set
	// Global()'s sticky interrupted flag, which would let Wait return
	// without Release.
	c := newCoordinator()
	h := c.Push(func(os.Signal) {})

	done := make(chan struct{})
	go func() {
		h.Wait()
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	h.Release()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after Release")
	}
}

// Interrupted is sticky for the remainder of the process. The SIGTERM
// delivered by TestDispatchOrder_LIFO has already set Global()'s flag by
// the time this runs, so tests that need it unset use a fresh coordinator
// (see TestWait_WakesOnRelease).
func TestZZ_Interrupted_StickyAfterSignal(t *testing.T) {
	c := Global()
	h := c.Push(func(os.Signal) {})
	defer h.Release()

	selfSignal(t, syscall.SIGTERM)

	require.Eventually(t, func() bool {
		return c.Interrupted()
	}, time.Second, 5*time.Millisecond)

	assert.True(t, c.Interrupted())
}
