package dispatch

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/polyport/polyport/pkg/logging"
	"github.com/polyport/polyport/pkg/message"
)

// Policy is the default registration policy governing every handler source.
// It is fixed at registry construction.
type Policy int

const (
	// PolicyRegisterAll registers every declared method by default;
	// individual methods opt out via MethodDecl.Excluded. Duplicate route
	// keys are tolerated and first-registered wins priority ties.
	PolicyRegisterAll Policy = iota

	// PolicyExplicitOnly registers only methods with MethodDecl.Explicit
	// set. Duplicate route keys are rejected with a DuplicateError.
	PolicyExplicitOnly
)

// String returns the policy name.
func (p Policy) String() string {
	if p == PolicyExplicitOnly {
		return "explicit-only"
	}
	return "register-all"
}

// snapshot is the immutable dispatch view swapped in atomically on every
// registration. ordered is sorted by descending priority, stable for equal
// priorities by registration order. exact indexes non-pattern routes for
// O(1) resolution; each bucket preserves the ordered slice's relative order.
type snapshot struct {
	ordered  []Invokable
	exact    map[string][]Invokable
	patterns bool
}

// Registry is the ordered collection of all registered Invokables plus the
// processor and factory sets used to produce them. Reads (Resolve) are
// lock-free against the current snapshot; writes serialize on an internal
// mutex and publish a fully rebuilt snapshot.
type Registry struct {
	policy Policy
	log    *slog.Logger

	mu         sync.Mutex
	processors []Processor
	factories  []ObjectFactory
	snap       atomic.Pointer[snapshot]
}

// NewRegistry creates an empty registry with the given default policy.
// A nil logger disables the warning events emitted for unprocessable
// methods.
func NewRegistry(policy Policy, log *slog.Logger) *Registry {
	if log == nil {
		log = logging.Nop()
	}
	r := &Registry{policy: policy, log: log}
	r.snap.Store(&snapshot{exact: map[string][]Invokable{}})
	return r
}

// Policy returns the registry's registration policy.
func (r *Registry) Policy() Policy { return r.policy }

// AddProcessor appends a method processor. Processors are consulted in
// registration order.
func (r *Registry) AddProcessor(p Processor) error {
	if p == nil {
		return ErrNilProcessor
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processors = append(r.processors, p)
	return nil
}

// AddFactory appends an object factory.
func (r *Registry) AddFactory(f ObjectFactory) error {
	if f == nil {
		return ErrNilFactory
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories = append(r.factories, f)
	return nil
}

// Factories returns the registered object factories in registration order.
func (r *Registry) Factories() []ObjectFactory {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ObjectFactory, len(r.factories))
	copy(out, r.factories)
	return out
}

// RegisterMethods walks the source's declared methods and registers each one
// that the policy admits. For every method the processors run in order and
// the first non-nil Invokable wins; its Registered hook fires exactly once,
// synchronously, before the next method is considered.
//
// If no processor accepts a method, a warning is logged and the remaining
// methods of this source are abandoned for this call; methods registered
// earlier in the call stay registered. Under PolicyExplicitOnly a route key
// collision fails that one method with a DuplicateError and the rest of the
// batch continues.
func (r *Registry) RegisterMethods(src Source) error {
	if src == nil {
		return ErrNilSource
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for _, decl := range src.Methods() {
		if r.policy == PolicyExplicitOnly && !decl.Explicit {
			continue
		}

		var inv Invokable
		for _, p := range r.processors {
			if inv = p.Process(decl, src, r.factories); inv != nil {
				break
			}
		}
		if inv == nil {
			// A single unprocessable method abandons the remaining
			// methods of the same source.
			r.log.Warn("method not registered, no processor can handle it",
				"source", src.Name(), "method", decl.Name)
			errs = append(errs, fmt.Errorf("%w: %s.%s", ErrUnprocessable, src.Name(), decl.Name))
			break
		}

		if decl.Excluded {
			continue
		}

		if r.policy == PolicyExplicitOnly {
			if existing := r.findRouteLocked(inv.Route()); existing != nil {
				errs = append(errs, &DuplicateError{Route: inv.Route(), Existing: existing, New: inv})
				continue
			}
		}

		r.insertLocked(inv)
		inv.Registered()
	}
	return errors.Join(errs...)
}

// Register adds a single prebuilt Invokable, bypassing the processor pass
// but honoring the duplicate policy. Intended for framework-internal
// registrations and tests.
func (r *Registry) Register(inv Invokable) error {
	if inv == nil {
		return ErrNilSource
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.policy == PolicyExplicitOnly {
		if existing := r.findRouteLocked(inv.Route()); existing != nil {
			return &DuplicateError{Route: inv.Route(), Existing: existing, New: inv}
		}
	}
	r.insertLocked(inv)
	inv.Registered()
	return nil
}

// findRouteLocked returns the first registered Invokable with the exact
// route key, or nil.
func (r *Registry) findRouteLocked(route string) Invokable {
	for _, m := range r.snap.Load().ordered {
		if m.Route() == route {
			return m
		}
	}
	return nil
}

// insertLocked rebuilds the snapshot with the new method in its priority
// position. The ordering invariant is enforced here, at insertion time:
// descending priority, registration order for ties.
func (r *Registry) insertLocked(inv Invokable) {
	old := r.snap.Load().ordered

	idx := len(old)
	for i, m := range old {
		if m.Priority() < inv.Priority() {
			idx = i
			break
		}
	}

	ordered := make([]Invokable, 0, len(old)+1)
	ordered = append(ordered, old[:idx]...)
	ordered = append(ordered, inv)
	ordered = append(ordered, old[idx:]...)

	next := &snapshot{
		ordered: ordered,
		exact:   make(map[string][]Invokable, len(ordered)),
	}
	for _, m := range ordered {
		if isPattern(m.Route()) {
			next.patterns = true
			continue
		}
		next.exact[m.Route()] = append(next.exact[m.Route()], m)
	}
	r.snap.Store(next)
}

// Resolve returns the Invokables matching the message's route key, in
// dispatch order (descending priority, stable for ties). An empty result is
// the normal "no subscriber" outcome, not an error.
//
// Exact route keys resolve through a hash lookup and take precedence over
// patterns. When only patterns match, the most specific (longest) matching
// pattern wins and all methods registered under it are returned.
func (r *Registry) Resolve(msg *message.Decoded) []Invokable {
	return r.ResolveRoute(msg.Route())
}

// ResolveRoute resolves a bare route key. See Resolve.
func (r *Registry) ResolveRoute(route string) []Invokable {
	snap := r.snap.Load()

	if ms, ok := snap.exact[route]; ok {
		return ms
	}
	if !snap.patterns {
		return nil
	}

	best := ""
	for _, m := range snap.ordered {
		p := m.Route()
		if !isPattern(p) {
			continue
		}
		if ok, err := doublestar.Match(p, route); err != nil || !ok {
			continue
		}
		if len(p) > len(best) {
			best = p
		}
	}
	if best == "" {
		return nil
	}

	var out []Invokable
	for _, m := range snap.ordered {
		if m.Route() == best {
			out = append(out, m)
		}
	}
	return out
}

// Ordered returns a copy of the full dispatch order.
func (r *Registry) Ordered() []Invokable {
	snap := r.snap.Load()
	out := make([]Invokable, len(snap.ordered))
	copy(out, snap.ordered)
	return out
}

// Len returns the number of registered methods.
func (r *Registry) Len() int {
	return len(r.snap.Load().ordered)
}

// isPattern reports whether a route key contains glob metacharacters and is
// therefore matched as a doublestar pattern rather than by exact lookup.
func isPattern(route string) bool {
	return strings.ContainsAny(route, "*?[{")
}
