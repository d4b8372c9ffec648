// Package jsonline implements a newline-delimited JSON protocol: one JSON
// object per line, routed by a field (or JSONPath expression) inside the
// object. It is the framework's reference protocol and doubles as the
// wire format used by the end-to-end tests.
package jsonline

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/ohler55/ojg/jp"
	"github.com/ohler55/ojg/oj"

	"github.com/polyport/polyport/pkg/conn"
	"github.com/polyport/polyport/pkg/dispatch"
	"github.com/polyport/polyport/pkg/logging"
	"github.com/polyport/polyport/pkg/message"
	"github.com/polyport/polyport/pkg/protocol"
	"github.com/polyport/polyport/pkg/queueing"
	"github.com/polyport/polyport/pkg/sniff"
)

// DefaultRouteField is the object key consulted for the route when no
// JSONPath is configured.
const DefaultRouteField = "route"

// maxLine bounds a single message line.
const maxLine = 1 << 20

// ErrLineTooLong reports a line exceeding maxLine; the connection is
// closed since framing is lost.
var ErrLineTooLong = errors.New("jsonline: message line too long")

// Option customizes the protocol.
type Option func(*Protocol)

// WithRouteField routes messages by a top-level object key.
func WithRouteField(field string) Option {
	return func(p *Protocol) {
		p.routeField = field
		p.routePath = nil
	}
}

// WithRoutePath routes messages by a JSONPath expression, allowing nested
// route keys such as "$.header.topic".
func WithRoutePath(path string) (Option, error) {
	expr, err := jp.ParseString(path)
	if err != nil {
		return nil, fmt.Errorf("jsonline: route path %q: %w", path, err)
	}
	return func(p *Protocol) { p.routePath = expr }, nil
}

// WithStrategy gives the protocol its own queueing strategy instead of the
// server default.
func WithStrategy(st queueing.Strategy) Option {
	return func(p *Protocol) { p.strategy = st }
}

// WithLogger sets the decode-loop logger.
func WithLogger(log *slog.Logger) Option {
	return func(p *Protocol) { p.log = log }
}

// Protocol is the newline-delimited JSON protocol configuration.
type Protocol struct {
	routeField string
	routePath  jp.Expr
	strategy   queueing.Strategy
	log        *slog.Logger
}

var _ protocol.Configuration = (*Protocol)(nil)

// New builds the protocol with the given options.
func New(opts ...Option) *Protocol {
	p := &Protocol{routeField: DefaultRouteField, log: logging.Nop()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns "jsonline".
func (p *Protocol) Name() string { return "jsonline" }

// Detector recognizes a connection whose first non-whitespace byte opens a
// JSON object. Leading whitespace keeps the verdict undecided so a client
// that sends a bare newline first is still admitted.
func (p *Protocol) Detector() sniff.Factory {
	return sniff.NewFactory("jsonline", func() sniff.Detector {
		return sniff.DetectorFunc(detect)
	})
}

func detect(window []byte) sniff.Verdict {
	for _, b := range window {
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		case '{':
			return sniff.VerdictMatched
		default:
			return sniff.VerdictRejected
		}
	}
	return sniff.VerdictInsufficient
}

// Processor returns the handler translator for this protocol's calling
// conventions.
func (p *Protocol) Processor() dispatch.Processor { return processor{} }

// Strategy returns the configured queueing strategy, or nil for the server
// default.
func (p *Protocol) Strategy() queueing.Strategy { return p.strategy }

// Serve reads newline-delimited JSON objects until the connection ends.
// A line that fails to parse is logged and skipped; the connection stays
// up. A line that parses but carries no route is emitted with an empty
// route, so a catch-all pattern listener can still observe it.
func (p *Protocol) Serve(c conn.Conn, r *bufio.Reader, emit protocol.Emit) error {
	for {
		line, err := readLine(r)
		if len(line) > 0 {
			p.decode(c, line, emit)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// readLine reads one newline-terminated line, enforcing maxLine.
func readLine(r *bufio.Reader) ([]byte, error) {
	var line []byte
	for {
		chunk, err := r.ReadSlice('\n')
		line = append(line, chunk...)
		if err == nil || errors.Is(err, io.EOF) {
			return bytes.TrimRight(line, "\r\n"), err
		}
		if !errors.Is(err, bufio.ErrBufferFull) {
			return bytes.TrimRight(line, "\r\n"), err
		}
		if len(line) > maxLine {
			return nil, ErrLineTooLong
		}
	}
}

// decode parses one line and emits the resulting message.
func (p *Protocol) decode(c conn.Conn, line []byte, emit protocol.Emit) {
	if len(bytes.TrimSpace(line)) == 0 {
		return
	}

	val, err := oj.Parse(line)
	if err != nil {
		p.log.Debug("skipping unparseable message", "conn", c.ID(), "error", err)
		return
	}

	emit(message.New(p.route(val), val))
}

// route extracts the message's route key from the parsed value.
func (p *Protocol) route(val any) string {
	if p.routePath != nil {
		if s, ok := p.routePath.First(val).(string); ok {
			return s
		}
		return ""
	}
	if obj, ok := val.(map[string]any); ok {
		if s, ok := obj[p.routeField].(string); ok {
			return s
		}
	}
	return ""
}

// Reply writes v to the connection as one JSON line.
func Reply(c conn.Conn, v any) error {
	if _, err := c.Write(append([]byte(oj.JSON(v)), '\n')); err != nil {
		return fmt.Errorf("jsonline: write reply: %w", err)
	}
	return nil
}
