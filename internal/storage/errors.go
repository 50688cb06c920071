package storage

import "errors"

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrConflict is returned when a write collides with existing state: an
// optimistic update whose row version changed between read and write, or an
// insert that violates a uniqueness constraint.
var ErrConflict = errors.New("storage: conflict")
