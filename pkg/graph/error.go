package graph

import "errors"

var (
	// ErrNotFound is returned when an entity is not found in the graph.
	ErrNotFound = errors.New("entity not found")

	// ErrConnection is returned when the graph store connection fails.
	ErrConnection = errors.New("graph store connection failed")
)
