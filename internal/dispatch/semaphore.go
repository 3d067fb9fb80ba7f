package dispatch

import (
	"container/list"
	"context"
	"sync"
)

// Semaphore is a counting semaphore with an explicit FIFO wait queue.
// Release hands the permit directly to the longest-waiting caller instead
// of broadcasting, so waiters are admitted strictly in arrival order and
// there is no re-acquisition stampede.
type Semaphore struct {
	mu      sync.Mutex
	permits int
	waiters *list.List // of chan struct{}
}

// NewSemaphore creates a semaphore with the given number of permits
func NewSemaphore(permits int) *Semaphore {
	if permits < 1 {
		permits = 1
	}
	return &Semaphore{
		permits: permits,
		waiters: list.New(),
	}
}

// Acquire obtains a permit, suspending the caller until one is available
// or the context is cancelled. Arrival order is preserved: a caller never
// overtakes an earlier waiter even if a permit frees up at the same moment.
func (s *Semaphore) Acquire(ctx context.Context) error {
	s.mu.Lock()
	if s.waiters.Len() == 0 && s.permits > 0 {
		s.permits--
		s.mu.Unlock()
		return nil
	}

	ready := make(chan struct{})
	elem := s.waiters.PushBack(ready)
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		s.mu.Lock()
		select {
		case <-ready:
			// A permit was handed to us during the cancellation race.
			// We are not going to use it, so pass it on.
			s.mu.Unlock()
			s.Release()
		default:
			s.waiters.Remove(elem)
			s.mu.Unlock()
		}
		return ctx.Err()
	case <-ready:
		return nil
	}
}

// TryAcquire obtains a permit without blocking and reports whether it
// succeeded. Never overtakes queued waiters.
func (s *Semaphore) TryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.waiters.Len() == 0 && s.permits > 0 {
		s.permits--
		return true
	}
	return false
}

// Release returns a permit, waking the head waiter if one is queued
func (s *Semaphore) Release() {
	s.mu.Lock()
	if front := s.waiters.Front(); front != nil {
		s.waiters.Remove(front)
		close(front.Value.(chan struct{}))
		s.mu.Unlock()
		return
	}
	s.permits++
	s.mu.Unlock()
}
