package queueing

import (
	"log/slog"
	"sync"

	"github.com/polyport/polyport/pkg/conn"
	"github.com/polyport/polyport/pkg/dispatch"
	"github.com/polyport/polyport/pkg/logging"
	"github.com/polyport/polyport/pkg/message"
)

// DefaultBufferSize is the per-connection queue capacity used when none is
// configured.
const DefaultBufferSize = 256

// Buffered hands each message to a per-connection worker goroutine.
// Messages for one connection are executed in the order they were enqueued;
// messages for different connections run concurrently. When a connection's
// buffer is full, Enqueue blocks, which throttles that connection's read
// loop without affecting others.
//
// The worker checks connection liveness before invoking listeners, so
// messages buffered for a closed connection become a silent no-op.
type Buffered struct {
	log  *slog.Logger
	size int

	mu     sync.Mutex
	queues map[string]chan work
	wg     sync.WaitGroup
}

type work struct {
	c       conn.Conn
	msg     *message.Decoded
	matched []dispatch.Invokable
}

// NewBuffered creates a buffered strategy with the given per-connection
// buffer capacity. size <= 0 selects DefaultBufferSize.
func NewBuffered(size int, log *slog.Logger) *Buffered {
	if size <= 0 {
		size = DefaultBufferSize
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Buffered{
		log:    log,
		size:   size,
		queues: make(map[string]chan work),
	}
}

// Enqueue implements Strategy. It returns once the message sits in the
// connection's buffer; listeners run later on the connection's worker.
// Callers must not enqueue for a connection after reporting it closed via
// ConnectionClosed, nor concurrently with Close; the server's read loop
// and shutdown sequence uphold this ordering.
func (b *Buffered) Enqueue(c conn.Conn, msg *message.Decoded, matched []dispatch.Invokable) {
	b.mu.Lock()
	q, ok := b.queues[c.ID()]
	if !ok {
		q = make(chan work, b.size)
		b.queues[c.ID()] = q
		b.wg.Add(1)
		go b.drain(q)
	}
	b.mu.Unlock()

	q <- work{c: c, msg: msg, matched: matched}
}

// drain runs buffered work for one connection in FIFO order.
func (b *Buffered) drain(q chan work) {
	defer b.wg.Done()
	for w := range q {
		if !w.c.Alive() {
			continue
		}
		invokeAll(b.log, w.c, w.msg, w.matched)
	}
}

// ConnectionClosed releases the connection's queue. Work already buffered
// is drained by the worker, which skips invocation because the connection
// is no longer alive.
func (b *Buffered) ConnectionClosed(c conn.Conn) {
	b.mu.Lock()
	q, ok := b.queues[c.ID()]
	if ok {
		delete(b.queues, c.ID())
	}
	b.mu.Unlock()
	if ok {
		close(q)
	}
}

// Close closes all per-connection queues and waits for the workers to
// finish draining. The strategy stays usable: a later Enqueue starts fresh
// queues, so a server stopped and started again keeps dispatching through
// the same strategy instance.
func (b *Buffered) Close() error {
	b.mu.Lock()
	queues := b.queues
	b.queues = make(map[string]chan work)
	b.mu.Unlock()

	for _, q := range queues {
		close(q)
	}
	b.wg.Wait()
	return nil
}
