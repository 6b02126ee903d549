package flow

import (
	"errors"
	"fmt"
)

// ErrChangeHostFailed means a device reported a host other than the requested one.
var ErrChangeHostFailed = errors.New("flow: change host failed")

// UserError is a failure the operator can correct. Its message is shown as is.
type UserError struct {
	Message string
	Err     error
}

func (e *UserError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *UserError) Unwrap() error {
	return e.Err
}

func userErrorf(cause error, format string, args ...any) *UserError {
	return &UserError{Message: fmt.Sprintf(format, args...), Err: cause}
}

// IsUserError reports whether err wraps a UserError.
func IsUserError(err error) bool {
	var userErr *UserError
	return errors.As(err, &userErr)
}
