package firestore

import "fmt"

// stateError reports a repository-level rule violation detected inside a transaction, such as a
// provider order id that is already owned by another record.
type stateError struct {
	op       string
	msg      string
	conflict bool
}

func (e *stateError) Error() string       { return fmt.Sprintf("%s: %s", e.op, e.msg) }
func (e *stateError) IsNotFound() bool    { return false }
func (e *stateError) IsConflict() bool    { return e.conflict }
func (e *stateError) IsUnavailable() bool { return false }

func conflictError(op, msg string) error {
	return &stateError{op: op, msg: msg, conflict: true}
}

type notFoundError struct {
	op string
}

func (e *notFoundError) Error() string       { return e.op + ": not found" }
func (e *notFoundError) IsNotFound() bool    { return true }
func (e *notFoundError) IsConflict() bool    { return false }
func (e *notFoundError) IsUnavailable() bool { return false }
