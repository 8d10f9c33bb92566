// Package transport carries the wire-level byte messages between a
// Connection and its host. It is deliberately thin: framing and semantics
// live in internal/wire, not here (SPEC_FULL.md §4.3, Transport binding).
package transport

import "context"

// Transport is the bidirectional message channel a Connection drives. A
// Connection owns exactly one Transport for its lifetime; reconnection, if
// any, is the host's responsibility (SPEC_FULL.md §4.3, Reconnection).
type Transport interface {
	// Send writes one message. It may be called from any goroutine.
	Send(ctx context.Context, msg []byte) error

	// Receive blocks until the next inbound message, ctx is canceled, or
	// the transport is closed. A closed transport returns ErrClosed.
	Receive(ctx context.Context) ([]byte, error)

	// Close releases the underlying connection. Concurrent Send/Receive
	// calls unblock with ErrClosed.
	Close() error
}

// ErrClosed is returned by Receive (and, where detectable, Send) once the
// transport has been closed.
var ErrClosed = errClosed{}

type errClosed struct{}

func (errClosed) Error() string { return "transport: closed" }
