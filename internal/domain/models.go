package domain

// TaskStatus represents the lifecycle status of a task
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// IsTerminal reports whether no further status transitions are possible
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// UnitStatus represents the outcome of processing one unit
type UnitStatus string

const (
	UnitStatusSuccess UnitStatus = "success"
	UnitStatusFailed  UnitStatus = "failed"
	UnitStatusSkipped UnitStatus = "skipped"
)

// Task represents one logical job over a fixed set of units (pages).
// Counters are derived from the processed/failed sets in the store,
// never decremented except by deletion.
type Task struct {
	TaskID     string     `json:"task_id"`
	Total      int        `json:"total"`
	Completed  int        `json:"completed"`
	Failed     int        `json:"failed"`
	Percentage int        `json:"percentage"`
	Status     TaskStatus `json:"status"`
	StartTime  int64      `json:"start_time"`         // Unix milliseconds
	EndTime    int64      `json:"end_time,omitempty"` // Unix milliseconds, set once on finalize
	DurationMs int64      `json:"duration_ms,omitempty"`
}

// UnitResult represents the outcome of processing one unit of a task.
// Payload carries the success output (e.g. extracted page text); Error
// carries the verbatim failure message.
type UnitResult struct {
	UnitIndex  int        `json:"unit_index"` // 1-based
	Status     UnitStatus `json:"status"`
	Payload    string     `json:"payload,omitempty"`
	Error      string     `json:"error,omitempty"`
	DurationMs int64      `json:"duration_ms"`
	Timestamp  int64      `json:"timestamp"` // Unix milliseconds
}

// Aggregate is the snapshot returned by an atomic aggregate update
type Aggregate struct {
	Completed  int
	Failed     int
	Percentage int
	Status     TaskStatus
	IsTerminal bool
}

// TaskConfig narrows which unit indices are eligible for (re)processing
// on a given invocation. Zero value means the full range.
type TaskConfig struct {
	OnlyUnits []int // if set, process only these indices
	SkipUnits []int // always excluded
}

// TaskResult is returned by a paginated processing call. Results holds
// only this invocation's outcomes, sorted by unit index, not the full
// historical result set.
type TaskResult struct {
	TaskID     string        `json:"task_id"`
	Total      int           `json:"total"`
	Completed  int           `json:"completed"`
	Failed     int           `json:"failed"`
	Percentage int           `json:"percentage"`
	Status     TaskStatus    `json:"status"`
	Results    []*UnitResult `json:"results"`
}

// WholeResult is returned by a whole-unit processing call
type WholeResult struct {
	TaskID string     `json:"task_id"`
	Status TaskStatus `json:"status"`
	Result string     `json:"result,omitempty"`
	Error  string     `json:"error,omitempty"`
}
