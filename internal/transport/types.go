package transport

import "context"

// Transport is one established duplex channel to a client.
//
// Implementations must tolerate WriteJSON being called from different
// goroutines over time, but callers never issue concurrent writes on the
// same Transport: the owning connection serializes them.
type Transport interface {
	WriteJSON(ctx context.Context, v any) error
	Close() error
}

// Pinger is implemented by transports that can probe liveness.
// The stale sweep uses it to find dead connections.
type Pinger interface {
	Ping(ctx context.Context) error
}
