package vector

import "errors"

var (
	// ErrNotFound is returned when a point is not found in the index.
	ErrNotFound = errors.New("point not found")

	// ErrConnection is returned when the vector index connection fails.
	ErrConnection = errors.New("vector index connection failed")

	// ErrDimensions is returned when a vector's dimensionality does not
	// match the index configuration.
	ErrDimensions = errors.New("vector dimensionality mismatch")
)
