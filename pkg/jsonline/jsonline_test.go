package jsonline

import (
	"bufio"
	"bytes"
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polyport/polyport/pkg/conn"
	"github.com/polyport/polyport/pkg/dispatch"
	"github.com/polyport/polyport/pkg/message"
	"github.com/polyport/polyport/pkg/sniff"
)

type testConn struct {
	id  string
	buf bytes.Buffer
}

func (c *testConn) ID() string                  { return c.id }
func (c *testConn) RemoteAddr() net.Addr        { return &net.TCPAddr{} }
func (c *testConn) Alive() bool                 { return true }
func (c *testConn) Write(p []byte) (int, error) { return c.buf.Write(p) }
func (c *testConn) Close() error                { return nil }

func TestDetectorVerdicts(t *testing.T) {
	d := New().Detector().New()

	assert.Equal(t, sniff.VerdictInsufficient, d.Detect([]byte("  \r\n")))
	assert.Equal(t, sniff.VerdictMatched, d.Detect([]byte("  {")))
	assert.Equal(t, sniff.VerdictMatched, d.Detect([]byte(`{"route":"a"}`)))
	assert.Equal(t, sniff.VerdictRejected, d.Detect([]byte("GET / HTTP/1.1")))
	assert.Equal(t, sniff.VerdictInsufficient, d.Detect(nil))
}

func serveAll(t *testing.T, p *Protocol, input string) []*message.Decoded {
	t.Helper()
	var got []*message.Decoded
	err := p.Serve(&testConn{id: "c-test"}, bufio.NewReader(strings.NewReader(input)),
		func(msg *message.Decoded) { got = append(got, msg) })
	require.NoError(t, err)
	return got
}

func TestServeEmitsPerLine(t *testing.T) {
	got := serveAll(t, New(),
		"{\"route\":\"events/created\",\"n\":1}\n{\"route\":\"events/deleted\",\"n\":2}\n")

	require.Len(t, got, 2)
	assert.Equal(t, "events/created", got[0].Route())
	assert.Equal(t, "events/deleted", got[1].Route())

	obj, ok := got[0].Payload.(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 1, obj["n"])
}

func TestServeFinalLineWithoutNewline(t *testing.T) {
	got := serveAll(t, New(), "{\"route\":\"ping\"}")
	require.Len(t, got, 1)
	assert.Equal(t, "ping", got[0].Route())
}

func TestServeSkipsUnparseableLines(t *testing.T) {
	got := serveAll(t, New(), "{not json\n{\"route\":\"ok\"}\n\n")
	require.Len(t, got, 1)
	assert.Equal(t, "ok", got[0].Route())
}

func TestServeMissingRouteEmitsEmpty(t *testing.T) {
	got := serveAll(t, New(), "{\"n\":1}\n")
	require.Len(t, got, 1)
	assert.Equal(t, "", got[0].Route())
}

func TestRoutePathNestedKey(t *testing.T) {
	opt, err := WithRoutePath("$.header.topic")
	require.NoError(t, err)

	got := serveAll(t, New(opt), "{\"header\":{\"topic\":\"sensors/1\"},\"v\":3}\n")
	require.Len(t, got, 1)
	assert.Equal(t, "sensors/1", got[0].Route())
}

func TestRoutePathInvalidExpression(t *testing.T) {
	_, err := WithRoutePath("$[")
	require.Error(t, err)
}

func TestCustomRouteField(t *testing.T) {
	got := serveAll(t, New(WithRouteField("topic")), "{\"topic\":\"a/b\"}\n")
	require.Len(t, got, 1)
	assert.Equal(t, "a/b", got[0].Route())
}

func TestProcessorObjectConvention(t *testing.T) {
	var seen map[string]any
	inv := processor{}.Process(dispatch.MethodDecl{
		Route: "ping",
		Func: ObjectFunc(func(c conn.Conn, obj map[string]any) error {
			seen = obj
			return nil
		}),
	}, dispatch.SourceOf("src"), nil)
	require.NotNil(t, inv)

	msg := message.New("ping", map[string]any{"n": float64(7)})
	require.NoError(t, inv.Invoke(&testConn{}, msg))
	assert.EqualValues(t, 7, seen["n"])
}

func TestProcessorDeclinesUnknownSignature(t *testing.T) {
	inv := processor{}.Process(dispatch.MethodDecl{
		Route: "ping",
		Func:  func(s string) {},
	}, dispatch.SourceOf("src"), nil)
	assert.Nil(t, inv)
}

func TestProcessorBoundConvention(t *testing.T) {
	type handler struct{ hits int }
	h := &handler{}
	src := dispatch.SourceOf("bound-src")
	factory := dispatch.ObjectFactoryFunc(func(s dispatch.Source) any {
		if s.Name() == "bound-src" {
			return h
		}
		return nil
	})

	decl := dispatch.MethodDecl{
		Route: "ping",
		Func: BoundFunc(func(target any, c conn.Conn, obj map[string]any) error {
			target.(*handler).hits++
			return nil
		}),
	}

	inv := processor{}.Process(decl, src, []dispatch.ObjectFactory{factory})
	require.NotNil(t, inv)
	require.NoError(t, inv.Invoke(&testConn{}, message.New("ping", map[string]any{})))
	assert.Equal(t, 1, h.hits)

	// Without a serving factory the declaration is unprocessable here.
	assert.Nil(t, processor{}.Process(decl, dispatch.SourceOf("other"), nil))
}

func TestReplyWritesJSONLine(t *testing.T) {
	c := &testConn{}
	require.NoError(t, Reply(c, map[string]any{"ok": true}))
	assert.Equal(t, "{\"ok\":true}\n", c.buf.String())
}
