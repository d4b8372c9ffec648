// Package conn defines the connection context handle shared by the
// detection, dispatch and queueing layers.
//
// The handle is owned by the server's I/O loop; every other component holds
// a reference only. Queueing strategies that defer work must consult Alive
// before invoking listeners so that buffered messages for a closed
// connection become a no-op instead of writing into a dead pipe.
package conn

import "net"

// Conn is an opaque handle to one network connection's pipeline and I/O
// channel.
type Conn interface {
	// ID returns the server-assigned connection identifier.
	ID() string

	// RemoteAddr returns the peer address.
	RemoteAddr() net.Addr

	// Alive reports whether the connection is still open. Once false it
	// never becomes true again.
	Alive() bool

	// Write sends bytes to the peer through the connection's current
	// transport layers (TLS framing and the like are applied by the
	// layers installed at detection time).
	Write(p []byte) (int, error)

	// Close tears down the connection and its pipeline.
	Close() error
}
