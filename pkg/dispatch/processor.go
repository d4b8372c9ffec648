package dispatch

// Processor is a protocol-specific translator from a declared handler method
// to an Invokable descriptor. A processor inspects the declaration (in
// particular the concrete type of MethodDecl.Func) and either produces an
// Invokable bound to it or returns nil to decline, letting the next
// registered processor try.
//
// Processors must be side-effect-free on decline.
type Processor interface {
	// Name identifies the processor; it becomes the origin recorded on
	// the Invokables it produces.
	Name() string

	// Process translates the declaration, consulting the registered
	// object factories for the target instance if the calling convention
	// requires one. Returns nil if this processor does not understand the
	// declaration.
	Process(m MethodDecl, src Source, factories []ObjectFactory) Invokable
}

// ObjectFactory supplies the instance a handler function is invoked
// against, decoupling "which object owns this behavior" from the registry.
type ObjectFactory interface {
	// Instance returns the target instance for handlers declared on the
	// given source, or nil if this factory does not serve that source.
	Instance(src Source) any
}

// ObjectFactoryFunc adapts a function to the ObjectFactory interface.
type ObjectFactoryFunc func(src Source) any

// Instance calls f.
func (f ObjectFactoryFunc) Instance(src Source) any { return f(src) }
