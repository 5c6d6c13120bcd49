package memory

import "fmt"

// Error implements repositories.RepositoryError for the in-memory stores.
type Error struct {
	op       string
	msg      string
	notFound bool
	conflict bool
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.op, e.msg)
}

// IsNotFound reports whether the record was missing.
func (e *Error) IsNotFound() bool { return e != nil && e.notFound }

// IsConflict reports whether the write collided with existing state.
func (e *Error) IsConflict() bool { return e != nil && e.conflict }

// IsUnavailable is always false for in-memory stores.
func (e *Error) IsUnavailable() bool { return false }

func notFound(op, msg string) error {
	return &Error{op: op, msg: msg, notFound: true}
}

func conflict(op, msg string) error {
	return &Error{op: op, msg: msg, conflict: true}
}
