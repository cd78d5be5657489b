package storage

import "errors"

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned when a record with the same key is already stored
	// and the store enforces uniqueness for it.
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidFilter is returned when a grant or session filter has no criteria.
	// An empty filter would match every record, so it is treated as a programming error.
	ErrInvalidFilter = errors.New("filter must specify at least one criterion")
)
