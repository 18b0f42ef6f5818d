package store

import "errors"

var (
	// ErrAlreadyExists is returned when a create would violate a
	// uniqueness index.
	ErrAlreadyExists = errors.New("store: already exists")
	// ErrContention is returned when a short-lived lock could not be
	// acquired. Callers may retry.
	ErrContention = errors.New("store: lock contention")
	// ErrInvalidQuery indicates a filter shape no index can serve.
	ErrInvalidQuery = errors.New("store: unsupported query")
)
