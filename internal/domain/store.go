package domain

import (
	"context"
	"time"
)

// ProgressStore defines the interface for durable task progress persistence.
// All operations are idempotent or safe to retry; a failed write must be
// treated as not yet durable.
type ProgressStore interface {
	// GetOrCreate atomically creates the task record if absent, otherwise
	// returns the existing record unchanged
	GetOrCreate(ctx context.Context, taskID string, total int) (*Task, error)

	// MarkProcessing transitions a non-terminal task to processing
	MarkProcessing(ctx context.Context, taskID string) error

	// RecordUnitResult durably stores one unit result, overwriting any
	// prior result for that index
	RecordUnitResult(ctx context.Context, taskID string, result *UnitResult) error

	// MarkProcessed adds the index to the processed set and removes it
	// from the failed set
	MarkProcessed(ctx context.Context, taskID string, unitIndex int) error

	// MarkFailed adds the index to the failed set
	MarkFailed(ctx context.Context, taskID string, unitIndex int) error

	// AggregateAndMaybeFinalize atomically recomputes the aggregate
	// counters from set cardinalities and transitions the task to a
	// terminal state once every unit is accounted for
	AggregateAndMaybeFinalize(ctx context.Context, taskID string) (*Aggregate, error)

	// GetStatus retrieves the current task record
	GetStatus(ctx context.Context, taskID string) (*Task, error)

	// GetProcessedIndices returns all unit indices that have ever succeeded
	GetProcessedIndices(ctx context.Context, taskID string) ([]int, error)

	// GetFailedIndices returns all unit indices currently marked failed
	GetFailedIndices(ctx context.Context, taskID string) ([]int, error)

	// GetResult retrieves the stored result for one unit
	GetResult(ctx context.Context, taskID string, unitIndex int) (*UnitResult, error)

	// GetAllResults retrieves every stored unit result, sorted by index
	GetAllResults(ctx context.Context, taskID string) ([]*UnitResult, error)

	// Cancel sets status to cancelled and stamps the end time if the task
	// is not already terminal; reports whether a transition happened
	Cancel(ctx context.Context, taskID string) (bool, error)

	// Delete removes every key associated with the task
	Delete(ctx context.Context, taskID string) error

	// ListStale returns IDs of terminal tasks whose end time is older
	// than the given duration
	ListStale(ctx context.Context, olderThan time.Duration) ([]string, error)
}

// HealthChecker defines the interface for store health checks
type HealthChecker interface {
	// CheckConnection checks if the store connection is healthy
	CheckConnection(ctx context.Context) error
}
