package server

import (
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/polyport/polyport/internal/id"
	"github.com/polyport/polyport/pkg/conn"
)

// serverConn is the server's conn.Conn implementation. It is created per
// accepted connection and handed by reference to dispatch and queueing;
// the accept loop retains ownership.
type serverConn struct {
	id    string
	nc    net.Conn
	alive atomic.Bool

	// w is the top transport layer after detection; replies written
	// here pass back through any installed duplex layers. Set once,
	// before the protocol's serve loop starts.
	w io.Writer

	writeMu sync.Mutex
}

var _ conn.Conn = (*serverConn)(nil)

func newServerConn(nc net.Conn) *serverConn {
	c := &serverConn{id: id.Conn(), nc: nc, w: nc}
	c.alive.Store(true)
	return c
}

func (c *serverConn) ID() string { return c.id }

func (c *serverConn) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }

func (c *serverConn) Alive() bool { return c.alive.Load() }

func (c *serverConn) Write(p []byte) (int, error) {
	if !c.alive.Load() {
		return 0, ErrConnClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.w.Write(p)
}

func (c *serverConn) Close() error {
	if !c.alive.CompareAndSwap(true, false) {
		return nil
	}
	return c.nc.Close()
}

// setWriter installs the post-detection write path.
func (c *serverConn) setWriter(w io.Writer) {
	c.writeMu.Lock()
	c.w = w
	c.writeMu.Unlock()
}

// layerConn adapts a spliced read/write pair back into a net.Conn so that
// crypto/tls can run a server handshake over bytes already buffered by
// detection. Deadline handling delegates to the underlying socket.
type layerConn struct {
	rw io.ReadWriter
	nc net.Conn
}

var _ net.Conn = (*layerConn)(nil)

func (l *layerConn) Read(p []byte) (int, error)         { return l.rw.Read(p) }
func (l *layerConn) Write(p []byte) (int, error)        { return l.rw.Write(p) }
func (l *layerConn) Close() error                       { return l.nc.Close() }
func (l *layerConn) LocalAddr() net.Addr                { return l.nc.LocalAddr() }
func (l *layerConn) RemoteAddr() net.Addr               { return l.nc.RemoteAddr() }
func (l *layerConn) SetDeadline(t time.Time) error      { return l.nc.SetDeadline(t) }
func (l *layerConn) SetReadDeadline(t time.Time) error  { return l.nc.SetReadDeadline(t) }
func (l *layerConn) SetWriteDeadline(t time.Time) error { return l.nc.SetWriteDeadline(t) }
