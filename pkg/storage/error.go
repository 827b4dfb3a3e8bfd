package storage

import "errors"

var (
	// ErrNotFound is returned when a row doesn't exist in the store.
	ErrNotFound = errors.New("record not found")

	// ErrQuotaExceeded is returned when a quota counter is exhausted.
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrConflict is returned when an insert violates a uniqueness
	// constraint (e.g. a duplicate version row).
	ErrConflict = errors.New("conflicting write")
)
