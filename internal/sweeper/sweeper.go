package sweeper

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/A3S-Lab/DocuemntParser/internal/domain"
	"github.com/A3S-Lab/DocuemntParser/internal/metrics"
)

const sweepTimeout = 2 * time.Minute

// Sweeper periodically deletes terminal tasks whose end time has fallen
// past the retention threshold. The store's TTL already bounds storage
// growth from abandoned tasks; the sweeper reclaims finished ones earlier
// and keeps the key space scannable.
type Sweeper struct {
	store     domain.ProgressStore
	pool      *ants.Pool
	collector *metrics.Collector // may be nil
	logger    *zap.Logger

	interval  time.Duration
	olderThan time.Duration

	running bool
	mu      sync.Mutex
	stop    chan struct{}
	wg      sync.WaitGroup
}

// New creates a sweeper that deletes tasks older than olderThan every
// interval, using workers concurrent deletions per sweep
func New(
	store domain.ProgressStore,
	collector *metrics.Collector,
	logger *zap.Logger,
	interval, olderThan time.Duration,
	workers int,
) (*Sweeper, error) {
	if workers < 1 {
		workers = 1
	}

	pool, err := ants.NewPool(workers, ants.WithOptions(ants.Options{
		// One bad deletion must not take down the whole sweep
		PanicHandler: func(err any) {
			logger.Error("sweeper task panicked", zap.Any("error", err))
		},
		ExpiryDuration: 30 * time.Second,
	}))
	if err != nil {
		return nil, err
	}

	return &Sweeper{
		store:     store,
		pool:      pool,
		collector: collector,
		logger:    logger,
		interval:  interval,
		olderThan: olderThan,
		stop:      make(chan struct{}),
	}, nil
}

// Start launches the background sweep loop
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return // Already running
	}

	s.running = true
	s.stop = make(chan struct{})

	s.wg.Add(1)
	go s.loop()
}

// Stop shuts the sweep loop down gracefully and releases the worker pool
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return // Not running
	}

	close(s.stop)
	s.wg.Wait()
	s.pool.Release()
	s.running = false
}

func (s *Sweeper) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
			if _, err := s.SweepOnce(ctx); err != nil {
				s.logger.Warn("retention sweep failed", zap.Error(err))
			}
			cancel()
		}
	}
}

// SweepOnce performs a single sweep and returns the number of tasks
// deleted. Deletions run concurrently on the worker pool; a failed
// deletion is logged and retried by the next sweep.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	stale, err := s.store.ListStale(ctx, s.olderThan)
	if err != nil {
		return 0, err
	}
	if len(stale) == 0 {
		return 0, nil
	}

	var (
		wg      sync.WaitGroup
		deleted atomic.Int64
	)
	for _, taskID := range stale {
		id := taskID
		wg.Add(1)

		if err := s.pool.Submit(func() {
			defer wg.Done()
			if err := s.store.Delete(ctx, id); err != nil {
				s.logger.Warn("failed to delete stale task",
					zap.String("task_id", id),
					zap.Error(err),
				)
				return
			}
			deleted.Add(1)
		}); err != nil {
			wg.Done()
			s.logger.Warn("failed to submit deletion to pool",
				zap.String("task_id", id),
				zap.Error(err),
			)
		}
	}
	wg.Wait()

	count := int(deleted.Load())
	if count > 0 {
		if s.collector != nil {
			s.collector.RecordSwept(count)
		}
		s.logger.Info("retention sweep finished",
			zap.Int("deleted", count),
			zap.Int("stale", len(stale)),
		)
	}
	return count, nil
}
