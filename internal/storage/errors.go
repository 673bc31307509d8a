package storage

import "errors"

// ErrCycleNotFound is returned when updating a cycle the store has no active record of.
var ErrCycleNotFound = errors.New("active cycle not found")
