package queueing

import (
	"io"
	"log/slog"
	"time"

	"github.com/polyport/polyport/pkg/conn"
	"github.com/polyport/polyport/pkg/dispatch"
	"github.com/polyport/polyport/pkg/logging"
	"github.com/polyport/polyport/pkg/message"
	"github.com/polyport/polyport/pkg/metrics"
)

// Logging is a decorator that logs every enqueue at debug level before
// delegating to the wrapped strategy. Ordering and at-most-once guarantees
// of the inner strategy are preserved.
type Logging struct {
	inner Strategy
	log   *slog.Logger
}

// WithLogging wraps inner with debug logging.
func WithLogging(inner Strategy, log *slog.Logger) *Logging {
	if log == nil {
		log = logging.Nop()
	}
	return &Logging{inner: inner, log: log}
}

// Enqueue implements Strategy.
func (l *Logging) Enqueue(c conn.Conn, msg *message.Decoded, matched []dispatch.Invokable) {
	start := time.Now()
	l.inner.Enqueue(c, msg, matched)
	l.log.Debug("message enqueued",
		"conn", c.ID(), "route", msg.Route(), "listeners", len(matched),
		"enqueue_duration", time.Since(start))
}

// ConnectionClosed forwards the notification to the wrapped strategy.
func (l *Logging) ConnectionClosed(c conn.Conn) {
	forwardConnectionClosed(l.inner, c)
}

// Close forwards shutdown to the wrapped strategy.
func (l *Logging) Close() error { return closeInner(l.inner) }

// Metrics is a decorator that records dispatch counters and enqueue
// latency on the framework's metric set before delegating.
type Metrics struct {
	inner Strategy
	m     *metrics.Server
}

// WithMetrics wraps inner with metric recording.
func WithMetrics(inner Strategy, m *metrics.Server) *Metrics {
	return &Metrics{inner: inner, m: m}
}

// Enqueue implements Strategy. The duration histogram observes time spent
// in the wrapped strategy's Enqueue: for Direct that is full listener
// execution, for Buffered only the handoff.
func (me *Metrics) Enqueue(c conn.Conn, msg *message.Decoded, matched []dispatch.Invokable) {
	route := msg.Route()
	if len(matched) == 0 {
		_ = me.m.DispatchNoMatch.Inc()
	} else if vec, err := me.m.MessagesDispatched.WithLabels(route); err == nil {
		_ = vec.Inc()
	}

	start := time.Now()
	me.inner.Enqueue(c, msg, matched)
	if vec, err := me.m.ListenerDuration.WithLabels(route); err == nil {
		vec.Observe(time.Since(start).Seconds())
	}
}

// ConnectionClosed forwards the notification to the wrapped strategy.
func (me *Metrics) ConnectionClosed(c conn.Conn) {
	forwardConnectionClosed(me.inner, c)
}

// Close forwards shutdown to the wrapped strategy.
func (me *Metrics) Close() error { return closeInner(me.inner) }

// forwardConnectionClosed passes a close notification down a decorator
// chain to the first strategy that holds per-connection state.
func forwardConnectionClosed(inner Strategy, c conn.Conn) {
	if cc, ok := inner.(ConnectionCloser); ok {
		cc.ConnectionClosed(c)
	}
}

// closeInner passes shutdown down a decorator chain to the first strategy
// that holds resources.
func closeInner(inner Strategy) error {
	if closer, ok := inner.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
