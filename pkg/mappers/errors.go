package mappers

import "errors"

var (
	// ErrConfig indicates a missing or invalid configuration entry, including
	// required files that do not exist.
	ErrConfig = errors.New("invalid mapper configuration")

	// ErrNotImplemented indicates a capability the mapper does not provide,
	// such as a redshift distribution without a reference sample.
	ErrNotImplemented = errors.New("not implemented")
)
