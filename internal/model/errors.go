package model

import "errors"

var (
	// ErrNotFound is returned when an endpoint has nothing for the requested type or job.
	ErrNotFound = errors.New("not found")

	// ErrUnsupported is returned when an endpoint does not support a direct call.
	ErrUnsupported = errors.New("operation not supported by endpoint")
)

// TransientError marks a protocol error that may succeed if retried.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return "transient: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a TransientError. A nil err stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether any error in err's chain is a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
