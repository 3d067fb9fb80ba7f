package dispatch

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Dispatcher executes work items with no more than maxConcurrent in
// flight at once. It does not interpret results and makes no guarantee
// about completion order; it only guarantees the concurrency bound and
// that every submitted item starts exactly once (absent cancellation
// before start).
type Dispatcher struct {
	sem    *Semaphore
	wg     sync.WaitGroup
	logger *zap.Logger
}

// NewDispatcher creates a dispatcher bounded at maxConcurrent items
func NewDispatcher(maxConcurrent int, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		sem:    NewSemaphore(maxConcurrent),
		logger: logger,
	}
}

// Go schedules fn for execution, suspending the caller while the
// concurrency limit is saturated. Returns the context error if ctx is
// cancelled before the item starts; once Go returns nil the item will run.
func (d *Dispatcher) Go(ctx context.Context, fn func()) error {
	if err := d.sem.Acquire(ctx); err != nil {
		d.logger.Debug("dispatch aborted before start", zap.Error(err))
		return err
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.sem.Release()
		fn()
	}()

	return nil
}

// Wait blocks until every item started via Go has finished
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
