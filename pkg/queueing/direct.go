package queueing

import (
	"log/slog"

	"github.com/polyport/polyport/pkg/conn"
	"github.com/polyport/polyport/pkg/dispatch"
	"github.com/polyport/polyport/pkg/logging"
	"github.com/polyport/polyport/pkg/message"
)

// Direct invokes every matched listener synchronously, in resolved priority
// order, on the calling goroutine. Enqueue returns only after all listeners
// have completed, so backpressure is implicit: slow listeners throttle the
// connection's further reads.
type Direct struct {
	log *slog.Logger
}

// NewDirect creates the same-thread strategy. A nil logger discards
// listener error output.
func NewDirect(log *slog.Logger) *Direct {
	if log == nil {
		log = logging.Nop()
	}
	return &Direct{log: log}
}

// Enqueue implements Strategy.
func (d *Direct) Enqueue(c conn.Conn, msg *message.Decoded, matched []dispatch.Invokable) {
	invokeAll(d.log, c, msg, matched)
}
