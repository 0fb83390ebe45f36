package repository

import "errors"

// ErrNotFound is returned when the requested record does not exist. Callers
// check with errors.Is to distinguish missing records from storage failures.
var ErrNotFound = errors.New("record not found")

// ErrConflict is returned when an insert or update violates a unique
// constraint, for example a username collision on profile update.
var ErrConflict = errors.New("record already exists")
