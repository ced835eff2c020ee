// Package serviceerror carries the operation-scoped error codes returned by the board services.
package serviceerror

import (
	"errors"
	"fmt"
)

// Error pairs a stable "<operation>.<reason>" code with the underlying cause.
type Error struct {
	code string
	err  error
}

// New builds an Error whose code is "<operation>.<reason>".
func New(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &Error{code: code, err: cause}
}

func (e *Error) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

// Code returns the "<operation>.<reason>" code.
func (e *Error) Code() string {
	return e.code
}

// CodeOf extracts the code of the first Error in err's chain, or "" when there is none.
func CodeOf(err error) string {
	var serviceErr *Error
	if errors.As(err, &serviceErr) {
		return serviceErr.code
	}
	return ""
}
