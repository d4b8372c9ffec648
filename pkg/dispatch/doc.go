// Package dispatch implements the method registry that routes decoded
// messages to handler functions.
//
// Handler functions are declared explicitly: a Source yields a closed set of
// MethodDecl descriptors, each naming a route key, a priority and the
// function itself. Protocol-specific Processors translate a MethodDecl into
// an immutable Invokable; the first processor that understands a method's
// calling convention wins. The Registry keeps all Invokables in a single
// priority-ordered snapshot that is rebuilt copy-on-write on every
// registration, so concurrent dispatchers always observe either the old or
// the fully-inserted new state.
//
// Route keys are matched exactly where possible; route keys containing glob
// metacharacters are treated as patterns (doublestar syntax) and the most
// specific matching pattern wins.
package dispatch
