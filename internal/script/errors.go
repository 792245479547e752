package script

import "errors"

// Domain errors for the script package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, script.ErrMissingExport) {
//	    // unit file does not export gate/action
//	}
var (
	// ErrInvalidUnit is returned when a unit file cannot be loaded or its
	// declared config is malformed.
	ErrInvalidUnit = errors.New("script: invalid unit")

	// ErrMissingExport is returned when a unit does not export both a gate
	// and an action function.
	ErrMissingExport = errors.New("script: missing export")

	// ErrInvalidFilter is returned when an entity or state filter has an
	// unsupported shape or an invalid pattern.
	ErrInvalidFilter = errors.New("script: invalid filter")

	// ErrUnitEnded is returned when operating on a container that has ended.
	ErrUnitEnded = errors.New("script: unit ended")

	// ErrUnitNotFound is returned when a unit name is not in the registry.
	ErrUnitNotFound = errors.New("script: unit not found")
)
