package jsonline

import (
	"github.com/polyport/polyport/pkg/conn"
	"github.com/polyport/polyport/pkg/dispatch"
	"github.com/polyport/polyport/pkg/message"
)

// ObjectFunc is the convenience calling convention for handlers that only
// care about the decoded JSON object.
type ObjectFunc func(c conn.Conn, obj map[string]any) error

// BoundFunc is the calling convention for handlers invoked against a
// target instance supplied by an object factory.
type BoundFunc func(target any, c conn.Conn, obj map[string]any) error

// processor translates jsonline handler declarations. It accepts the
// normalized dispatch.Func signature, the ObjectFunc convenience form and
// the factory-bound BoundFunc form; any other signature is declined so a
// later processor may claim it.
type processor struct{}

var _ dispatch.Processor = processor{}

func (processor) Name() string { return "jsonline" }

func (processor) Process(m dispatch.MethodDecl, src dispatch.Source, factories []dispatch.ObjectFactory) dispatch.Invokable {
	switch fn := m.Func.(type) {
	case dispatch.Func:
		return dispatch.NewInvokable(m.Route, m.Priority, "jsonline", fn, nil)
	case func(conn.Conn, *message.Decoded) error:
		return dispatch.NewInvokable(m.Route, m.Priority, "jsonline", fn, nil)
	case ObjectFunc:
		return dispatch.NewInvokable(m.Route, m.Priority, "jsonline", adaptObject(fn), nil)
	case func(conn.Conn, map[string]any) error:
		return dispatch.NewInvokable(m.Route, m.Priority, "jsonline", adaptObject(fn), nil)
	case BoundFunc:
		target := instanceFor(src, factories)
		if target == nil {
			// A bound handler with no factory serving its source is
			// unprocessable for this protocol.
			return nil
		}
		return dispatch.NewInvokable(m.Route, m.Priority, "jsonline",
			func(c conn.Conn, msg *message.Decoded) error {
				return fn(target, c, asObject(msg))
			}, nil)
	default:
		return nil
	}
}

// instanceFor returns the first factory-supplied instance for the source.
func instanceFor(src dispatch.Source, factories []dispatch.ObjectFactory) any {
	for _, f := range factories {
		if inst := f.Instance(src); inst != nil {
			return inst
		}
	}
	return nil
}

// adaptObject lifts an object handler to the normalized signature. A
// payload that is not a JSON object invokes the handler with nil; handlers
// routed by key never see one since key routing requires an object, but a
// pattern route can.
func adaptObject(fn ObjectFunc) dispatch.Func {
	return func(c conn.Conn, msg *message.Decoded) error {
		return fn(c, asObject(msg))
	}
}

func asObject(msg *message.Decoded) map[string]any {
	obj, _ := msg.Payload.(map[string]any)
	return obj
}
