// Package queueing decouples "a message has been decoded and matched to
// listeners" from "when, where and in what order the listener code runs".
//
// Every matched listener is invoked through a Strategy; no dispatch path
// calls listener code directly. The Direct strategy invokes listeners
// synchronously on the calling goroutine; the Buffered strategy defers them
// to a per-connection worker while preserving per-connection order.
// Decorators wrap an inner strategy to add logging, metrics or filtering
// without changing its ordering or at-most-once guarantees (except where a
// decorator documents otherwise, as WithFilter does for dropped messages).
package queueing

import (
	"log/slog"
	"time"

	"github.com/polyport/polyport/pkg/conn"
	"github.com/polyport/polyport/pkg/dispatch"
	"github.com/polyport/polyport/pkg/message"
)

// Strategy decides the execution contract for running the listeners
// matched to a decoded message.
type Strategy interface {
	// Enqueue accepts a message and its resolved listener set. The
	// concrete strategy defines whether listeners have completed by the
	// time Enqueue returns.
	Enqueue(c conn.Conn, msg *message.Decoded, matched []dispatch.Invokable)
}

// ConnectionCloser is implemented by strategies that hold per-connection
// state. The server notifies the installed strategy when a connection's
// pipeline is torn down.
type ConnectionCloser interface {
	ConnectionClosed(c conn.Conn)
}

// invokeAll runs the matched listeners in their resolved (priority) order.
// A listener error or panic is logged and isolated to that listener; the
// remaining listeners still run.
func invokeAll(log *slog.Logger, c conn.Conn, msg *message.Decoded, matched []dispatch.Invokable) {
	for _, m := range matched {
		invokeOne(log, c, msg, m)
	}
}

func invokeOne(log *slog.Logger, c conn.Conn, msg *message.Decoded, m dispatch.Invokable) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("listener panicked", "route", msg.Route(), "panic", r)
		}
	}()
	start := time.Now()
	if err := m.Invoke(c, msg); err != nil {
		log.Error("listener failed", "route", msg.Route(), "error", err,
			"duration", time.Since(start))
	}
}
