package transport

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by transports written to after Close.
// It is always permanent.
var ErrClosed = errors.New("transport closed")

// Permanent marks a write error as non-retryable.
//
// Transports wrap failures that cannot succeed on a retry (peer gone,
// payload rejected) so critical delivery stops retrying early.
//
// Example:
//
//	return transport.Permanent(fmt.Errorf("write frame: %w", err))
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err is wrapped with Permanent or is ErrClosed.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrClosed) {
		return true
	}
	var e permanentError
	return errors.As(err, &e)
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return fmt.Sprintf("permanent: %v", e.err) }
func (e permanentError) Unwrap() error { return e.err }
