package domain

import "errors"

var (
	// ErrTaskNotFound is returned for queries against a non-existent task
	ErrTaskNotFound = errors.New("task not found")

	// ErrInvalidTotal is returned when a task is created with a non-positive
	// unit count
	ErrInvalidTotal = errors.New("total units must be positive")

	// ErrUnitNotFound is returned when no result is stored for a unit index
	ErrUnitNotFound = errors.New("unit result not found")
)
