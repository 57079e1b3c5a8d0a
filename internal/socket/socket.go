// Package socket abstracts the duplex socket behind a small capability
// interface so the transport engine is written against one surface
// regardless of the underlying binding. The binding is chosen once, at
// construction, through an injected Dialer.
package socket

import (
	"context"
	"time"
)

// Conn is a single open duplex connection. Receive blocks until a frame
// arrives or the connection fails; implementations must support one
// concurrent Receive alongside concurrent Send calls.
type Conn interface {
	// Receive returns the next inbound frame payload.
	Receive() ([]byte, error)

	// Send transmits one frame payload.
	Send(data []byte) error

	// Ping probes socket-level liveness. Bindings without a native ping
	// may implement this as a no-op; the caller falls back to an
	// application-level heartbeat frame.
	Ping(deadline time.Time) error

	// Close performs a normal closure of the connection.
	Close() error
}

// Dialer opens connections. Injecting a Dialer at construction replaces
// any process-wide socket implementation cache.
type Dialer interface {
	DialContext(ctx context.Context, url string) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, url string) (Conn, error)

// DialContext implements Dialer.
func (f DialerFunc) DialContext(ctx context.Context, url string) (Conn, error) {
	return f(ctx, url)
}
