package realtime

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectionNotFound is logged for removals and lookups of unknown ids.
	// Callers of Remove never see it.
	ErrConnectionNotFound = errors.New("connection not found")

	// ErrNoActiveConnection is the queue reason for users with no connections.
	// SendToUser never returns it.
	ErrNoActiveConnection = errors.New("no active connection")

	ErrMalformedEnvelope   = errors.New("malformed envelope: type is required")
	ErrInvalidConnection   = errors.New("invalid connection: user id and transport are required")
	ErrDuplicateConnection = errors.New("duplicate connection id")
	ErrManagerClosed       = errors.New("manager closed")
)

// TransportWriteError records one failed write to one connection.
// It is handed to the Tracker and never returned past the Emitter.
type TransportWriteError struct {
	UserID       string
	ConnectionID string
	Attempts     int
	Err          error
}

func (e *TransportWriteError) Error() string {
	return fmt.Sprintf("write to %s/%s failed after %d attempt(s): %v", e.UserID, e.ConnectionID, e.Attempts, e.Err)
}

func (e *TransportWriteError) Unwrap() error { return e.Err }
