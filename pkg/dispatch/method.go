package dispatch

import (
	"github.com/polyport/polyport/pkg/conn"
	"github.com/polyport/polyport/pkg/message"
)

// Invokable is an immutable descriptor bound to one handler function: the
// route key it matches, its priority, and the capability to invoke the
// underlying function against a decoded message.
type Invokable interface {
	// Route returns the route key or route pattern this method matches.
	Route() string

	// Priority orders methods at dispatch time. Higher priorities are
	// invoked first; equal priorities retain registration order.
	Priority() int

	// Invoke runs the handler function for the given connection and
	// message. Errors are isolated to this message by the caller.
	Invoke(c conn.Conn, msg *message.Decoded) error

	// Registered is called exactly once, synchronously, when the method
	// has been added to a registry.
	Registered()
}

// Func is the normalized handler invocation signature an Invokable wraps.
type Func func(c conn.Conn, msg *message.Decoded) error

// MethodDecl declares one handler function on a Source. Declarations replace
// runtime discovery: the registration call site states the route, priority
// and registration markers explicitly.
type MethodDecl struct {
	// Name identifies the function in log output and errors.
	Name string

	// Route is the route key or pattern the handler should match.
	Route string

	// Priority orders the handler relative to others; higher runs first.
	Priority int

	// Explicit marks the method for registration under the opt-in policy.
	Explicit bool

	// Excluded opts the method out of registration under the opt-out
	// policy. An excluded method is never registered and its Registered
	// hook never fires.
	Excluded bool

	// Func holds the handler in a protocol-specific signature. Processors
	// type-assert it; a processor that does not recognize the signature
	// declines the method.
	Func any
}

// Source yields a closed set of handler method declarations. It is the
// explicit replacement for scanning a class or package for handlers.
type Source interface {
	// Name identifies the source in log output and errors.
	Name() string

	// Methods returns the declared handler methods in declaration order.
	Methods() []MethodDecl
}

// SourceOf builds a Source from a name and a fixed list of declarations.
func SourceOf(name string, methods ...MethodDecl) Source {
	return &literalSource{name: name, methods: methods}
}

type literalSource struct {
	name    string
	methods []MethodDecl
}

func (s *literalSource) Name() string          { return s.name }
func (s *literalSource) Methods() []MethodDecl { return s.methods }

// method is the standard Invokable implementation produced by processors
// via NewInvokable. Immutable after construction.
type method struct {
	route        string
	priority     int
	origin       string
	fn           Func
	onRegistered func()
}

// NewInvokable builds an Invokable from a route, a priority and a normalized
// handler function. origin names the processor that produced the descriptor
// and appears in duplicate-registration errors. onRegistered may be nil.
func NewInvokable(route string, priority int, origin string, fn Func, onRegistered func()) Invokable {
	return &method{
		route:        route,
		priority:     priority,
		origin:       origin,
		fn:           fn,
		onRegistered: onRegistered,
	}
}

func (m *method) Route() string { return m.route }

func (m *method) Priority() int { return m.priority }

func (m *method) Invoke(c conn.Conn, msg *message.Decoded) error {
	return m.fn(c, msg)
}

func (m *method) Registered() {
	if m.onRegistered != nil {
		m.onRegistered()
	}
}

// String renders the descriptor for log output and errors.
func (m *method) String() string {
	return m.origin + ":" + m.route
}
