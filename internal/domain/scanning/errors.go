package scanning

import "errors"

var (
	// ErrNotFound is returned when a referenced task, sub-task, plan or
	// projection row does not exist.
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidParameter is returned when a request is malformed, e.g. it names
	// neither a plan nor a scanner and rule, or its rule spans several projects.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrPermissionDenied is returned by the permission checker at intake.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrScannerNotFound is returned by the scanner registry for unknown names.
	ErrScannerNotFound = errors.New("scanner not found")
)
