package repository

import "fmt"

// PersistenceError reports a failed warehouse write. Nothing of the failed
// transaction is visible afterwards.
type PersistenceError struct {
	Table string
	Err   error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("failed to persist %s: %v", e.Table, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// IsTransient returns true; write failures are usually lock or connection
// problems.
func (e *PersistenceError) IsTransient() bool {
	return true
}
