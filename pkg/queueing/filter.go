package queueing

import (
	"fmt"
	"log/slog"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/polyport/polyport/pkg/conn"
	"github.com/polyport/polyport/pkg/dispatch"
	"github.com/polyport/polyport/pkg/logging"
	"github.com/polyport/polyport/pkg/message"
)

// Filter is a decorator that drops messages failing a boolean expression
// before they reach the wrapped strategy. The expression sees the
// environment:
//
//	route   string  the message's route key
//	payload any     the decoded payload
//	conn    string  the connection ID
//
// Example: `route startsWith "events/" && payload != nil`.
//
// Filter weakens the inner strategy's delivery guarantee to
// at-most-once-or-drop: a message failing the predicate (or whose
// evaluation errors) is dropped with a warning, never delivered.
type Filter struct {
	inner   Strategy
	program *vm.Program
	log     *slog.Logger
}

// WithFilter compiles the predicate and wraps inner with it. Compilation
// errors are returned at construction so a bad predicate cannot reach the
// dispatch path.
func WithFilter(inner Strategy, predicate string, log *slog.Logger) (*Filter, error) {
	if log == nil {
		log = logging.Nop()
	}
	program, err := expr.Compile(predicate, expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("invalid filter predicate: %w", err)
	}
	return &Filter{inner: inner, program: program, log: log}, nil
}

// Enqueue implements Strategy.
func (f *Filter) Enqueue(c conn.Conn, msg *message.Decoded, matched []dispatch.Invokable) {
	env := map[string]any{
		"route":   msg.Route(),
		"payload": msg.Payload,
		"conn":    c.ID(),
	}
	out, err := expr.Run(f.program, env)
	if err != nil {
		f.log.Warn("filter predicate failed, dropping message",
			"route", msg.Route(), "error", err)
		return
	}
	if pass, ok := out.(bool); !ok || !pass {
		return
	}
	f.inner.Enqueue(c, msg, matched)
}

// ConnectionClosed forwards the notification to the wrapped strategy.
func (f *Filter) ConnectionClosed(c conn.Conn) {
	forwardConnectionClosed(f.inner, c)
}

// Close forwards shutdown to the wrapped strategy.
func (f *Filter) Close() error { return closeInner(f.inner) }
