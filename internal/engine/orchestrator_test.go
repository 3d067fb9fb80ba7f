package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/A3S-Lab/DocuemntParser/internal/domain"
	"github.com/A3S-Lab/DocuemntParser/internal/store"
)

func newTestOrchestrator(t *testing.T, maxConcurrent int) (*Orchestrator, domain.ProgressStore) {
	t.Helper()

	mr := miniredis.RunT(t)
	s, err := store.NewRedisProgressStore(store.Options{
		Addr:      mr.Addr(),
		KeyPrefix: "enginetest",
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return NewOrchestrator(s, nil, zaptest.NewLogger(t), maxConcurrent), s
}

func successProcessor(calls *atomic.Int32) domain.UnitProcessor {
	return func(ctx context.Context, unitIndex int) (string, error) {
		calls.Add(1)
		return fmt.Sprintf("unit %d done", unitIndex), nil
	}
}

func TestProcessPaginated_AllSuccess(t *testing.T) {
	o, _ := newTestOrchestrator(t, 3)
	ctx := context.Background()

	var calls atomic.Int32
	res, err := o.ProcessPaginated(ctx, "task-1", 5, successProcessor(&calls), nil)
	require.NoError(t, err)

	assert.Equal(t, int32(5), calls.Load())
	assert.Equal(t, domain.TaskStatusCompleted, res.Status)
	assert.Equal(t, 5, res.Completed)
	assert.Equal(t, 0, res.Failed)
	assert.Equal(t, 100, res.Percentage)
	require.Len(t, res.Results, 5)
	for i, r := range res.Results {
		assert.Equal(t, i+1, r.UnitIndex)
		assert.Equal(t, domain.UnitStatusSuccess, r.Status)
	}
}

func TestProcessPaginated_ResumeSkipsProcessed(t *testing.T) {
	o, _ := newTestOrchestrator(t, 2)
	ctx := context.Background()

	// First invocation handles a subset, leaving the task unfinished
	var firstCalls atomic.Int32
	_, err := o.ProcessPaginated(ctx, "task-1", 5, successProcessor(&firstCalls), &ProcessOptions{
		Config: domain.TaskConfig{OnlyUnits: []int{1, 2, 3}},
	})
	require.NoError(t, err)
	require.Equal(t, int32(3), firstCalls.Load())

	// The second invocation must process exactly the remaining units
	var (
		mu     sync.Mutex
		seen   []int
		second atomic.Int32
	)
	res, err := o.ProcessPaginated(ctx, "task-1", 5, func(ctx context.Context, unitIndex int) (string, error) {
		second.Add(1)
		mu.Lock()
		seen = append(seen, unitIndex)
		mu.Unlock()
		return "", nil
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, int32(2), second.Load())
	assert.ElementsMatch(t, []int{4, 5}, seen)
	assert.Equal(t, domain.TaskStatusCompleted, res.Status)
	assert.Equal(t, 5, res.Completed)
}

func TestProcessPaginated_CompletedTaskIsNoOp(t *testing.T) {
	o, _ := newTestOrchestrator(t, 2)
	ctx := context.Background()

	var calls atomic.Int32
	first, err := o.ProcessPaginated(ctx, "task-1", 3, successProcessor(&calls), nil)
	require.NoError(t, err)
	require.Equal(t, domain.TaskStatusCompleted, first.Status)

	again, err := o.ProcessPaginated(ctx, "task-1", 3, successProcessor(&calls), nil)
	require.NoError(t, err)

	assert.Equal(t, int32(3), calls.Load(), "processor must not run again")
	assert.Equal(t, domain.TaskStatusCompleted, again.Status)
	assert.Equal(t, first.Completed, again.Completed)
	assert.Equal(t, first.Failed, again.Failed)
	assert.Empty(t, again.Results)
}

func TestProcessPaginated_ConcurrencyBound(t *testing.T) {
	const limit = 3

	o, _ := newTestOrchestrator(t, limit)
	ctx := context.Background()

	var current, peak atomic.Int32
	res, err := o.ProcessPaginated(ctx, "task-1", 12, func(ctx context.Context, unitIndex int) (string, error) {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		current.Add(-1)
		return "", nil
	}, nil)
	require.NoError(t, err)

	assert.LessOrEqual(t, peak.Load(), int32(limit))
	assert.Equal(t, domain.TaskStatusCompleted, res.Status)
}

func TestProcessPaginated_PartialFailureCompletes(t *testing.T) {
	o, s := newTestOrchestrator(t, 2)
	ctx := context.Background()

	unitErr := errors.New("page 2 is corrupt")
	res, err := o.ProcessPaginated(ctx, "task-1", 3, func(ctx context.Context, unitIndex int) (string, error) {
		if unitIndex == 2 {
			return "", unitErr
		}
		return "ok", nil
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, domain.TaskStatusCompleted, res.Status)
	assert.Equal(t, 2, res.Completed)
	assert.Equal(t, 1, res.Failed)

	// The failure detail is stored verbatim
	stored, err := s.GetResult(ctx, "task-1", 2)
	require.NoError(t, err)
	assert.Equal(t, domain.UnitStatusFailed, stored.Status)
	assert.Equal(t, unitErr.Error(), stored.Error)
}

func TestProcessPaginated_AllFailureFails(t *testing.T) {
	o, _ := newTestOrchestrator(t, 2)
	ctx := context.Background()

	res, err := o.ProcessPaginated(ctx, "task-1", 2, func(ctx context.Context, unitIndex int) (string, error) {
		return "", errors.New("boom")
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, domain.TaskStatusFailed, res.Status)
	assert.Equal(t, 0, res.Completed)
	assert.Equal(t, 2, res.Failed)
}

func TestProcessPaginated_SkipUnits(t *testing.T) {
	o, _ := newTestOrchestrator(t, 2)
	ctx := context.Background()

	var (
		mu   sync.Mutex
		seen []int
	)
	_, err := o.ProcessPaginated(ctx, "task-1", 5, func(ctx context.Context, unitIndex int) (string, error) {
		mu.Lock()
		seen = append(seen, unitIndex)
		mu.Unlock()
		return "", nil
	}, &ProcessOptions{
		Config: domain.TaskConfig{SkipUnits: []int{2, 4}},
	})
	require.NoError(t, err)

	assert.ElementsMatch(t, []int{1, 3, 5}, seen)
}

func TestProcessPaginated_CancelledBeforeStart(t *testing.T) {
	o, s := newTestOrchestrator(t, 2)
	ctx := context.Background()

	_, err := s.GetOrCreate(ctx, "task-1", 5)
	require.NoError(t, err)
	cancelled, err := s.Cancel(ctx, "task-1")
	require.NoError(t, err)
	require.True(t, cancelled)

	var calls atomic.Int32
	res, err := o.ProcessPaginated(ctx, "task-1", 5, successProcessor(&calls), nil)
	require.NoError(t, err)

	assert.Equal(t, int32(0), calls.Load(), "cancelled task must not dispatch units")
	assert.Equal(t, domain.TaskStatusCancelled, res.Status)
}

func TestProcessPaginated_CancellationBoundary(t *testing.T) {
	o, _ := newTestOrchestrator(t, 2)
	ctx := context.Background()

	var calls atomic.Int32
	cancelOnce := sync.Once{}

	res, err := o.ProcessPaginated(ctx, "task-1", 10, func(pctx context.Context, unitIndex int) (string, error) {
		if calls.Add(1) >= 3 {
			cancelOnce.Do(func() {
				_, err := o.Cancel(ctx, "task-1")
				require.NoError(t, err)
			})
		}
		time.Sleep(50 * time.Millisecond)
		return "", nil
	}, nil)
	require.NoError(t, err)

	// Units already dispatched when cancel landed still finish, but no
	// new units start afterwards
	assert.Less(t, calls.Load(), int32(10))
	assert.Equal(t, domain.TaskStatusCancelled, res.Status)
}

func TestProcessPaginated_EarlyStopCallback(t *testing.T) {
	o, _ := newTestOrchestrator(t, 1)
	ctx := context.Background()

	var calls atomic.Int32
	res, err := o.ProcessPaginated(ctx, "task-1", 10, successProcessor(&calls), &ProcessOptions{
		Callbacks: domain.ProcessCallbacks{
			OnSuccess: func(r *domain.UnitResult) bool {
				return false // stop after the first unit
			},
		},
	})
	require.NoError(t, err)

	// With K=1 at most one extra unit can already be past the stop check
	assert.LessOrEqual(t, calls.Load(), int32(2))
	assert.NotEqual(t, domain.TaskStatusCompleted, res.Status)
}

func TestProcessPaginated_InvalidTotal(t *testing.T) {
	o, _ := newTestOrchestrator(t, 2)

	var calls atomic.Int32
	_, err := o.ProcessPaginated(context.Background(), "task-1", 0, successProcessor(&calls), nil)
	assert.ErrorIs(t, err, domain.ErrInvalidTotal)
	assert.Equal(t, int32(0), calls.Load())
}

func TestProcessPaginated_ContextCancelled(t *testing.T) {
	o, _ := newTestOrchestrator(t, 1)

	ctx, cancel := context.WithCancel(context.Background())

	var calls atomic.Int32
	_, err := o.ProcessPaginated(ctx, "task-1", 10, func(pctx context.Context, unitIndex int) (string, error) {
		if calls.Add(1) == 1 {
			cancel()
		}
		time.Sleep(20 * time.Millisecond)
		return "", nil
	}, nil)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, calls.Load(), int32(10))
}

func TestProcessWhole_Success(t *testing.T) {
	o, s := newTestOrchestrator(t, 2)
	ctx := context.Background()

	res, err := o.ProcessWhole(ctx, "whole-1", func(ctx context.Context) (string, error) {
		return "entire document text", nil
	})
	require.NoError(t, err)

	assert.Equal(t, domain.TaskStatusCompleted, res.Status)
	assert.Equal(t, "entire document text", res.Result)

	// Same state machine as the paginated mode
	task, err := s.GetStatus(ctx, "whole-1")
	require.NoError(t, err)
	assert.Equal(t, 1, task.Total)
	assert.Equal(t, domain.TaskStatusCompleted, task.Status)
}

func TestProcessWhole_Failure(t *testing.T) {
	o, _ := newTestOrchestrator(t, 2)

	res, err := o.ProcessWhole(context.Background(), "whole-1", func(ctx context.Context) (string, error) {
		return "", errors.New("extraction blew up")
	})
	require.NoError(t, err)

	assert.Equal(t, domain.TaskStatusFailed, res.Status)
	assert.Equal(t, "extraction blew up", res.Error)
}

func TestProcessWhole_Idempotent(t *testing.T) {
	o, _ := newTestOrchestrator(t, 2)
	ctx := context.Background()

	var calls atomic.Int32
	fn := func(ctx context.Context) (string, error) {
		calls.Add(1)
		return "payload", nil
	}

	_, err := o.ProcessWhole(ctx, "whole-1", fn)
	require.NoError(t, err)

	res, err := o.ProcessWhole(ctx, "whole-1", fn)
	require.NoError(t, err)

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, domain.TaskStatusCompleted, res.Status)
	assert.Equal(t, "payload", res.Result)
}

func TestDelete_Completeness(t *testing.T) {
	o, s := newTestOrchestrator(t, 2)
	ctx := context.Background()

	var calls atomic.Int32
	_, err := o.ProcessPaginated(ctx, "task-1", 3, successProcessor(&calls), nil)
	require.NoError(t, err)

	require.NoError(t, o.Delete(ctx, "task-1"))

	_, err = s.GetStatus(ctx, "task-1")
	assert.ErrorIs(t, err, domain.ErrTaskNotFound)
	for i := 1; i <= 3; i++ {
		_, err = s.GetResult(ctx, "task-1", i)
		assert.ErrorIs(t, err, domain.ErrUnitNotFound)
	}
}

func TestListStaleTasks_InvalidThreshold(t *testing.T) {
	o, _ := newTestOrchestrator(t, 2)

	_, err := o.ListStaleTasks(context.Background(), 0)
	assert.Error(t, err)
}

/* ------------------- store failure propagation ------------------- */

type mockProgressStore struct {
	mock.Mock
}

func (m *mockProgressStore) GetOrCreate(ctx context.Context, taskID string, total int) (*domain.Task, error) {
	args := m.Called(ctx, taskID, total)
	if t, ok := args.Get(0).(*domain.Task); ok {
		return t, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockProgressStore) MarkProcessing(ctx context.Context, taskID string) error {
	return m.Called(ctx, taskID).Error(0)
}

func (m *mockProgressStore) RecordUnitResult(ctx context.Context, taskID string, result *domain.UnitResult) error {
	return m.Called(ctx, taskID, result).Error(0)
}

func (m *mockProgressStore) MarkProcessed(ctx context.Context, taskID string, unitIndex int) error {
	return m.Called(ctx, taskID, unitIndex).Error(0)
}

func (m *mockProgressStore) MarkFailed(ctx context.Context, taskID string, unitIndex int) error {
	return m.Called(ctx, taskID, unitIndex).Error(0)
}

func (m *mockProgressStore) AggregateAndMaybeFinalize(ctx context.Context, taskID string) (*domain.Aggregate, error) {
	args := m.Called(ctx, taskID)
	if a, ok := args.Get(0).(*domain.Aggregate); ok {
		return a, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockProgressStore) GetStatus(ctx context.Context, taskID string) (*domain.Task, error) {
	args := m.Called(ctx, taskID)
	if t, ok := args.Get(0).(*domain.Task); ok {
		return t, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockProgressStore) GetProcessedIndices(ctx context.Context, taskID string) ([]int, error) {
	args := m.Called(ctx, taskID)
	if v, ok := args.Get(0).([]int); ok {
		return v, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockProgressStore) GetFailedIndices(ctx context.Context, taskID string) ([]int, error) {
	args := m.Called(ctx, taskID)
	if v, ok := args.Get(0).([]int); ok {
		return v, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockProgressStore) GetResult(ctx context.Context, taskID string, unitIndex int) (*domain.UnitResult, error) {
	args := m.Called(ctx, taskID, unitIndex)
	if r, ok := args.Get(0).(*domain.UnitResult); ok {
		return r, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockProgressStore) GetAllResults(ctx context.Context, taskID string) ([]*domain.UnitResult, error) {
	args := m.Called(ctx, taskID)
	if r, ok := args.Get(0).([]*domain.UnitResult); ok {
		return r, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockProgressStore) Cancel(ctx context.Context, taskID string) (bool, error) {
	args := m.Called(ctx, taskID)
	return args.Bool(0), args.Error(1)
}

func (m *mockProgressStore) Delete(ctx context.Context, taskID string) error {
	return m.Called(ctx, taskID).Error(0)
}

func (m *mockProgressStore) ListStale(ctx context.Context, olderThan time.Duration) ([]string, error) {
	args := m.Called(ctx, olderThan)
	if v, ok := args.Get(0).([]string); ok {
		return v, args.Error(1)
	}
	return nil, args.Error(1)
}

var _ domain.ProgressStore = (*mockProgressStore)(nil)

func TestProcessPaginated_StoreWriteFailureIsFatal(t *testing.T) {
	ms := new(mockProgressStore)
	o := NewOrchestrator(ms, nil, zaptest.NewLogger(t), 2)

	storeErr := errors.New("redis connection reset")
	task := &domain.Task{TaskID: "task-1", Total: 2, Status: domain.TaskStatusPending}

	ms.On("GetOrCreate", mock.Anything, "task-1", 2).Return(task, nil)
	ms.On("MarkProcessing", mock.Anything, "task-1").Return(nil)
	ms.On("GetProcessedIndices", mock.Anything, "task-1").Return([]int{}, nil)
	ms.On("GetStatus", mock.Anything, "task-1").Return(task, nil)
	ms.On("RecordUnitResult", mock.Anything, "task-1", mock.Anything).Return(storeErr)

	var calls atomic.Int32
	_, err := o.ProcessPaginated(context.Background(), "task-1", 2, successProcessor(&calls), nil)

	assert.ErrorIs(t, err, storeErr)
	ms.AssertNotCalled(t, "AggregateAndMaybeFinalize", mock.Anything, mock.Anything)
}

func TestProcessPaginated_GetOrCreateFailure(t *testing.T) {
	ms := new(mockProgressStore)
	o := NewOrchestrator(ms, nil, zaptest.NewLogger(t), 2)

	storeErr := errors.New("store is down")
	ms.On("GetOrCreate", mock.Anything, "task-1", 3).Return(nil, storeErr)

	var calls atomic.Int32
	_, err := o.ProcessPaginated(context.Background(), "task-1", 3, successProcessor(&calls), nil)

	assert.ErrorIs(t, err, storeErr)
	assert.Equal(t, int32(0), calls.Load())
}
