package dispatch

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polyport/polyport/pkg/conn"
	"github.com/polyport/polyport/pkg/message"
)

// funcProcessor accepts declarations whose Func is a dispatch.Func.
type funcProcessor struct {
	name string
}

func (p *funcProcessor) Name() string { return p.name }

func (p *funcProcessor) Process(m MethodDecl, src Source, factories []ObjectFactory) Invokable {
	fn, ok := m.Func.(Func)
	if !ok {
		return nil
	}
	registered := false
	return NewInvokable(m.Route, m.Priority, p.name, fn, func() {
		if registered {
			panic("Registered called twice")
		}
		registered = true
	})
}

func decl(name, route string, priority int, fn Func) MethodDecl {
	return MethodDecl{Name: name, Route: route, Priority: priority, Func: fn}
}

func noop(conn.Conn, *message.Decoded) error { return nil }

func newTestRegistry(t *testing.T, policy Policy) *Registry {
	t.Helper()
	r := NewRegistry(policy, nil)
	require.NoError(t, r.AddProcessor(&funcProcessor{name: "test"}))
	return r
}

func TestRegistry_PriorityOrder(t *testing.T) {
	r := newTestRegistry(t, PolicyRegisterAll)

	err := r.RegisterMethods(SourceOf("src",
		decl("low", "a", 1, Func(noop)),
		decl("high", "b", 10, Func(noop)),
		decl("mid", "c", 5, Func(noop)),
	))
	require.NoError(t, err)

	ordered := r.Ordered()
	require.Len(t, ordered, 3)
	assert.Equal(t, []int{10, 5, 1}, []int{
		ordered[0].Priority(), ordered[1].Priority(), ordered[2].Priority(),
	})
}

func TestRegistry_StableOrderForEqualPriority(t *testing.T) {
	r := newTestRegistry(t, PolicyRegisterAll)

	err := r.RegisterMethods(SourceOf("src",
		decl("first", "r1", 5, Func(noop)),
		decl("second", "r2", 5, Func(noop)),
		decl("third", "r3", 5, Func(noop)),
	))
	require.NoError(t, err)

	ordered := r.Ordered()
	require.Len(t, ordered, 3)
	assert.Equal(t, "r1", ordered[0].Route())
	assert.Equal(t, "r2", ordered[1].Route())
	assert.Equal(t, "r3", ordered[2].Route())
}

func TestRegistry_DuplicateRejectedUnderExplicitOnly(t *testing.T) {
	r := newTestRegistry(t, PolicyExplicitOnly)

	first := MethodDecl{Name: "a", Route: "ping", Priority: 1, Explicit: true, Func: Func(noop)}
	second := MethodDecl{Name: "b", Route: "ping", Priority: 2, Explicit: true, Func: Func(noop)}

	require.NoError(t, r.RegisterMethods(SourceOf("src", first)))

	err := r.RegisterMethods(SourceOf("src", second))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateRoute)

	var dup *DuplicateError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, "ping", dup.Route)
	assert.NotNil(t, dup.Existing)
	assert.NotNil(t, dup.New)

	// Only the first registration survives.
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_DuplicateToleratedUnderRegisterAll(t *testing.T) {
	r := newTestRegistry(t, PolicyRegisterAll)

	var order []string
	mk := func(tag string) Func {
		return func(conn.Conn, *message.Decoded) error {
			order = append(order, tag)
			return nil
		}
	}

	err := r.RegisterMethods(SourceOf("src",
		decl("first", "ping", 5, mk("first")),
		decl("second", "ping", 5, mk("second")),
	))
	require.NoError(t, err)
	require.Equal(t, 2, r.Len())

	// First registered wins ties at dispatch.
	for _, m := range r.ResolveRoute("ping") {
		require.NoError(t, m.Invoke(nil, message.New("ping", nil)))
	}
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestRegistry_ExplicitOnlySkipsUnmarked(t *testing.T) {
	r := newTestRegistry(t, PolicyExplicitOnly)

	err := r.RegisterMethods(SourceOf("src",
		MethodDecl{Name: "marked", Route: "a", Priority: 1, Explicit: true, Func: Func(noop)},
		MethodDecl{Name: "unmarked", Route: "b", Priority: 1, Func: Func(noop)},
	))
	require.NoError(t, err)

	assert.Equal(t, 1, r.Len())
	assert.NotNil(t, r.ResolveRoute("a"))
	assert.Nil(t, r.ResolveRoute("b"))
}

func TestRegistry_ExcludedNeverRegistersAndHookNeverFires(t *testing.T) {
	r := NewRegistry(PolicyRegisterAll, nil)

	hookFired := false
	p := processorFunc(func(m MethodDecl, src Source, _ []ObjectFactory) Invokable {
		return NewInvokable(m.Route, m.Priority, "test", noop, func() { hookFired = true })
	})
	require.NoError(t, r.AddProcessor(p))

	err := r.RegisterMethods(SourceOf("src",
		MethodDecl{Name: "gone", Route: "x", Priority: 1, Excluded: true, Func: Func(noop)},
	))
	require.NoError(t, err)

	assert.Equal(t, 0, r.Len())
	assert.False(t, hookFired, "Registered hook must never fire for excluded methods")
}

// processorFunc adapts a function to the Processor interface for tests.
type processorFunc func(m MethodDecl, src Source, factories []ObjectFactory) Invokable

func (f processorFunc) Name() string { return "func" }
func (f processorFunc) Process(m MethodDecl, src Source, factories []ObjectFactory) Invokable {
	return f(m, src, factories)
}

func TestRegistry_UnprocessableAbortsRemainingMethods(t *testing.T) {
	r := newTestRegistry(t, PolicyRegisterAll)

	err := r.RegisterMethods(SourceOf("src",
		decl("ok", "a", 1, Func(noop)),
		MethodDecl{Name: "alien", Route: "b", Priority: 1, Func: 42},
		decl("never-reached", "c", 1, Func(noop)),
	))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnprocessable)

	// The method before the unprocessable one stays registered; the one
	// after is abandoned.
	assert.NotNil(t, r.ResolveRoute("a"))
	assert.Nil(t, r.ResolveRoute("c"))
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_FirstProcessorWins(t *testing.T) {
	r := NewRegistry(PolicyRegisterAll, nil)

	var winner string
	mk := func(name string) Processor {
		return processorFunc(func(m MethodDecl, _ Source, _ []ObjectFactory) Invokable {
			return NewInvokable(m.Route, m.Priority, name, func(conn.Conn, *message.Decoded) error {
				winner = name
				return nil
			}, nil)
		})
	}
	require.NoError(t, r.AddProcessor(mk("first")))
	require.NoError(t, r.AddProcessor(mk("second")))

	require.NoError(t, r.RegisterMethods(SourceOf("src", decl("m", "r", 1, Func(noop)))))

	ms := r.ResolveRoute("r")
	require.Len(t, ms, 1)
	require.NoError(t, ms[0].Invoke(nil, message.New("r", nil)))
	assert.Equal(t, "first", winner)
}

func TestRegistry_ResolveNoMatchIsNil(t *testing.T) {
	r := newTestRegistry(t, PolicyRegisterAll)
	require.NoError(t, r.RegisterMethods(SourceOf("src", decl("m", "known", 1, Func(noop)))))

	assert.Nil(t, r.ResolveRoute("unknown"))
}

func TestRegistry_PatternMostSpecificWins(t *testing.T) {
	r := newTestRegistry(t, PolicyRegisterAll)

	err := r.RegisterMethods(SourceOf("src",
		decl("broad", "events/**", 1, Func(noop)),
		decl("narrow", "events/user/*", 1, Func(noop)),
	))
	require.NoError(t, err)

	ms := r.ResolveRoute("events/user/created")
	require.Len(t, ms, 1)
	assert.Equal(t, "events/user/*", ms[0].Route())

	ms = r.ResolveRoute("events/system/boot")
	require.Len(t, ms, 1)
	assert.Equal(t, "events/**", ms[0].Route())
}

func TestRegistry_ExactBeatsPattern(t *testing.T) {
	r := newTestRegistry(t, PolicyRegisterAll)

	err := r.RegisterMethods(SourceOf("src",
		decl("pattern", "events/*", 1, Func(noop)),
		decl("exact", "events/ping", 1, Func(noop)),
	))
	require.NoError(t, err)

	ms := r.ResolveRoute("events/ping")
	require.Len(t, ms, 1)
	assert.Equal(t, "events/ping", ms[0].Route())
}

func TestRegistry_ConcurrentResolveDuringRegistration(t *testing.T) {
	r := newTestRegistry(t, PolicyRegisterAll)

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			// Readers must observe either the old or the fully
			// inserted new state; ordering must stay descending.
			ordered := r.Ordered()
			for i := 1; i < len(ordered); i++ {
				if ordered[i-1].Priority() < ordered[i].Priority() {
					t.Error("torn read: priorities out of order")
					return
				}
			}
		}
	}()

	for i := 0; i < 200; i++ {
		require.NoError(t, r.Register(NewInvokable("r", i%10, "test", noop, nil)))
	}
	close(done)
	wg.Wait()
}
