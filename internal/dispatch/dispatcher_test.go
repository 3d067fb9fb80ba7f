package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestSemaphore_AcquireRelease(t *testing.T) {
	sem := NewSemaphore(2)
	ctx := context.Background()

	require.NoError(t, sem.Acquire(ctx))
	require.NoError(t, sem.Acquire(ctx))

	// Third acquire must block until a release
	acquired := make(chan struct{})
	go func() {
		if err := sem.Acquire(ctx); err == nil {
			close(acquired)
		}
	}()

	select {
	case <-acquired:
		t.Fatal("acquire succeeded beyond the permit count")
	case <-time.After(50 * time.Millisecond):
	}

	sem.Release()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("acquire did not unblock after release")
	}
}

func TestSemaphore_TryAcquire(t *testing.T) {
	sem := NewSemaphore(1)

	assert.True(t, sem.TryAcquire())
	assert.False(t, sem.TryAcquire())

	sem.Release()
	assert.True(t, sem.TryAcquire())
}

func TestSemaphore_TryAcquireDoesNotOvertakeWaiters(t *testing.T) {
	sem := NewSemaphore(1)
	ctx := context.Background()

	require.NoError(t, sem.Acquire(ctx))

	waiterGot := make(chan struct{})
	go func() {
		if err := sem.Acquire(ctx); err == nil {
			close(waiterGot)
		}
	}()

	// Let the waiter queue up
	time.Sleep(50 * time.Millisecond)

	assert.False(t, sem.TryAcquire(), "TryAcquire must not jump the queue")

	sem.Release()
	select {
	case <-waiterGot:
	case <-time.After(time.Second):
		t.Fatal("queued waiter never received the permit")
	}
}

func TestSemaphore_AcquireCancelled(t *testing.T) {
	sem := NewSemaphore(1)
	require.NoError(t, sem.Acquire(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- sem.Acquire(ctx)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled acquire did not return")
	}

	// The permit must still be usable after the cancelled wait
	sem.Release()
	assert.True(t, sem.TryAcquire())
}

func TestSemaphore_FIFOOrder(t *testing.T) {
	sem := NewSemaphore(1)
	ctx := context.Background()
	require.NoError(t, sem.Acquire(ctx))

	const waiters = 5
	var (
		mu    sync.Mutex
		order []int
	)
	ready := make(chan struct{}, waiters)
	done := make(chan struct{}, waiters)

	for i := 0; i < waiters; i++ {
		i := i
		go func() {
			ready <- struct{}{}
			if err := sem.Acquire(ctx); err != nil {
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			sem.Release()
			done <- struct{}{}
		}()
		// Serialize goroutine start so arrival order is deterministic
		<-ready
		time.Sleep(20 * time.Millisecond)
	}

	sem.Release()
	for i := 0; i < waiters; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("waiters did not all complete")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order, "waiters must be admitted in arrival order")
}

func TestDispatcher_ConcurrencyBound(t *testing.T) {
	const (
		limit = 3
		items = 20
	)

	d := NewDispatcher(limit, zaptest.NewLogger(t))
	ctx := context.Background()

	var (
		current atomic.Int32
		peak    atomic.Int32
	)

	for i := 0; i < items; i++ {
		err := d.Go(ctx, func() {
			n := current.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			current.Add(-1)
		})
		require.NoError(t, err)
	}
	d.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(limit), "in-flight items exceeded the limit")
	assert.Equal(t, int32(0), current.Load())
}

func TestDispatcher_GoCancelledBeforeStart(t *testing.T) {
	d := NewDispatcher(1, zaptest.NewLogger(t))

	block := make(chan struct{})
	require.NoError(t, d.Go(context.Background(), func() {
		<-block
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var ran atomic.Bool
	err := d.Go(ctx, func() { ran.Store(true) })
	assert.ErrorIs(t, err, context.Canceled)

	close(block)
	d.Wait()
	assert.False(t, ran.Load(), "cancelled item must not run")
}

func TestDispatcher_WaitWithNoItems(t *testing.T) {
	d := NewDispatcher(2, zaptest.NewLogger(t))
	d.Wait() // must not block
}
