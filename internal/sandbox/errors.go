package sandbox

import "errors"

// Domain errors for the sandbox package.
var (
	// ErrNotATable is returned when a unit chunk does not return a table.
	ErrNotATable = errors.New("sandbox: unit must return a table")

	// ErrNotAFunction is returned when invoking an export that is not a function.
	ErrNotAFunction = errors.New("sandbox: export is not a function")

	// ErrInvalidConfig is returned when a unit's config export is not a table.
	ErrInvalidConfig = errors.New("sandbox: config must be a table")

	// ErrClosed is returned when invoking a module after Close.
	ErrClosed = errors.New("sandbox: module closed")

	// ErrTimeout is returned when an invocation exceeds its time quota.
	ErrTimeout = errors.New("sandbox: execution quota exceeded")
)
