// Package protocol defines the contract a hosted protocol implements to
// plug into the server: a detector factory for connection sniffing, a
// method processor for handler registration, an optional queueing strategy
// and the per-connection decode loop.
package protocol

import (
	"bufio"

	"github.com/polyport/polyport/pkg/conn"
	"github.com/polyport/polyport/pkg/dispatch"
	"github.com/polyport/polyport/pkg/message"
	"github.com/polyport/polyport/pkg/queueing"
	"github.com/polyport/polyport/pkg/sniff"
)

// Emit hands one decoded message to the framework. The framework resolves
// the matching listeners and enqueues them on the protocol's queueing
// strategy; protocol code never invokes listener functions directly.
type Emit func(msg *message.Decoded)

// Configuration groups everything one protocol contributes to the server.
// Registering a configuration atomically publishes its detector factory
// and method processor into the server's live sets.
type Configuration interface {
	// Name identifies the protocol. Must be unique per server and match
	// the detector factory's name.
	Name() string

	// Detector returns the factory used to recognize this protocol
	// during connection sniffing.
	Detector() sniff.Factory

	// Processor returns the method processor that translates declared
	// handler methods into this protocol's calling convention.
	Processor() dispatch.Processor

	// Strategy returns the queueing strategy for this protocol's
	// messages, or nil to use the server default. Different protocols
	// on the same server may use different concurrency contracts.
	Strategy() queueing.Strategy

	// Serve runs the protocol's decode loop for one matched connection.
	// r is positioned at the first unwrapped application byte; decoded
	// messages go out through emit. Serve returns when the connection
	// ends; an io.EOF-equivalent return is a normal disconnect.
	Serve(c conn.Conn, r *bufio.Reader, emit Emit) error
}
