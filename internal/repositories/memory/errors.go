package memory

import "fmt"

// Error implements repositories.RepositoryError for the memory store.
type Error struct {
	op       string
	err      error
	notFound bool
	conflict bool
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.op != "" {
		return fmt.Sprintf("%s: %v", e.op, e.err)
	}
	return e.err.Error()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.err
}

// IsNotFound reports whether the error represents a missing record.
func (e *Error) IsNotFound() bool { return e != nil && e.notFound }

// IsConflict reports whether the error represents a uniqueness violation.
func (e *Error) IsConflict() bool { return e != nil && e.conflict }

// IsUnavailable is always false for the memory store.
func (e *Error) IsUnavailable() bool { return false }

func notFound(op, kind, id string) *Error {
	return &Error{op: op, err: fmt.Errorf("%s %q not found", kind, id), notFound: true}
}
