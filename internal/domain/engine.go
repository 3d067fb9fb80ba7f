package domain

import "context"

// UnitProcessor produces the result payload for one unit index (e.g. the
// OCR text of one page). Any returned error marks the unit failed without
// aborting the batch. The engine never retries within an invocation;
// timeout enforcement is the processor's own responsibility.
type UnitProcessor func(ctx context.Context, unitIndex int) (string, error)

// WorkFunc is the single work function of a whole-unit task
type WorkFunc func(ctx context.Context) (string, error)

// UnitCallback is invoked after a unit's outcome has been persisted.
// Returning false stops the engine from scheduling further units; units
// already dispatched are allowed to finish.
type UnitCallback func(result *UnitResult) bool

// ProcessCallbacks carries the optional per-unit notification hooks
type ProcessCallbacks struct {
	OnSuccess UnitCallback
	OnFailure UnitCallback
}
