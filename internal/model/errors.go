package model

import "fmt"

// ValidationError reports a malformed workflow definition. It is fatal to
// the run: nothing is expanded or executed once one is returned.
type ValidationError struct {
	Detail string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return "invalid workflow: " + e.Detail
}

// validationErrorf builds a ValidationError from a format string.
func validationErrorf(format string, args ...any) error {
	return &ValidationError{Detail: fmt.Sprintf(format, args...)}
}
