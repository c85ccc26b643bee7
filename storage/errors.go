package storage

import "errors"

// Common storage errors.
var (
	// ErrNotFound is returned when a record is not found.
	ErrNotFound = errors.New("record not found")

	// ErrInvalidRecord is returned when a record lacks its collection or ID.
	ErrInvalidRecord = errors.New("record requires collection and id")
)
