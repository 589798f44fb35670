package validate

import "errors"

var (
	// ErrInvalidHandle is returned when a user handle does not match
	// the allowed format (1-32 lowercase alphanumeric + hyphens).
	ErrInvalidHandle = errors.New("invalid handle")

	// ErrInvalidProjectName is returned when a project name does not match
	// the allowed format (1-64 alphanumeric, hyphens, underscores, dots).
	ErrInvalidProjectName = errors.New("invalid project name")

	// ErrInvalidNetworkName is returned when a network namespace does not match
	// the DNS-label format (1-63 lowercase alphanumeric + hyphens).
	ErrInvalidNetworkName = errors.New("invalid network name")

	// ErrInvalidRefName is returned when a git ref name contains
	// forbidden characters or sequences.
	ErrInvalidRefName = errors.New("invalid ref name")
)
