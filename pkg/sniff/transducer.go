package sniff

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/klauspost/compress/gzip"

	"github.com/polyport/polyport/pkg/logging"
)

// Wrapper layer names reported in Match.Layers.
const (
	LayerTLS  = "tls"
	LayerGzip = "gzip"
)

// tlsHandshakeRecord is the TLS record type byte for a handshake, the
// first byte of every TLS ClientHello.
const tlsHandshakeRecord = 0x16

// gzipMagic is the two-byte gzip stream prefix.
var gzipMagic = []byte{0x1f, 0x8b}

// maxWindow bounds the detection window. A connection whose detectors
// still report insufficient data at this size is rejected.
const maxWindow = 4096

// ErrNoProtocolMatch reports that every registered detector rejected the
// connection's leading bytes. The connection is closed; this is expected
// for unsolicited or garbage traffic and not logged as an error.
var ErrNoProtocolMatch = errors.New("no protocol detector matched connection")

// TLSWrapper upgrades a plaintext byte stream to the decrypted stream
// behind a TLS server handshake. The server supplies it when TLS sniffing
// is enabled; the passed ReadWriter carries any bytes already buffered by
// detection.
type TLSWrapper func(rw io.ReadWriter) (io.ReadWriter, error)

// Match is the outcome of a successful detection pass.
type Match struct {
	// Factory is the inner-protocol factory that matched.
	Factory Factory

	// Layers lists the wrapper layers installed before the match,
	// outermost first.
	Layers []string

	// Reader is positioned at the protocol's first unwrapped byte.
	Reader *bufio.Reader

	// Writer is the top transport layer; protocol replies written here
	// pass back through the installed duplex layers.
	Writer io.Writer
}

// Transducer evaluates protocol detection for one server. It is stateless
// across connections; Run drives the full detection state machine for a
// single connection.
type Transducer struct {
	detectTLS  bool
	detectGzip bool
	tlsWrap    TLSWrapper
	factories  []Factory
	log        *slog.Logger
}

// NewTransducer builds a transducer over the given inner-protocol
// factories. tlsWrap may be nil when detectTLS is false.
func NewTransducer(detectTLS, detectGzip bool, tlsWrap TLSWrapper, factories []Factory, log *slog.Logger) *Transducer {
	if log == nil {
		log = logging.Nop()
	}
	return &Transducer{
		detectTLS:  detectTLS,
		detectGzip: detectGzip,
		tlsWrap:    tlsWrap,
		factories:  factories,
		log:        log,
	}
}

// Run performs detection over the connection's leading bytes. It blocks
// until a verdict is reached: reading more bytes stands in for the
// event-loop re-invoking the transducer as data arrives. No byte is
// consumed until a wrapper layer or the matched protocol takes ownership.
//
// On success the returned Match carries the reader and writer positioned
// behind every installed wrapper layer. ErrNoProtocolMatch means the
// connection should be closed without further ceremony.
func (t *Transducer) Run(rw io.ReadWriter) (*Match, error) {
	cur := rw
	br := bufio.NewReaderSize(cur, maxWindow)
	var layers []string

	tlsPending := t.detectTLS && t.tlsWrap != nil
	gzipPending := t.detectGzip

	for {
		if tlsPending {
			tlsPending = false
			matched, err := t.sniffTLS(br)
			if err != nil {
				return nil, err
			}
			if matched {
				wrapped, err := t.tlsWrap(&bufferedRW{r: br, w: cur})
				if err != nil {
					return nil, fmt.Errorf("tls layer: %w", err)
				}
				cur = wrapped
				br = bufio.NewReaderSize(cur, maxWindow)
				layers = append(layers, LayerTLS)
				t.log.Debug("transport layer installed", "layer", LayerTLS)
				continue
			}
		}

		if gzipPending {
			gzipPending = false
			matched, err := t.sniffGzip(br)
			if err != nil {
				return nil, err
			}
			if matched {
				gz, err := gzip.NewReader(br)
				if err != nil {
					return nil, fmt.Errorf("gzip layer: %w", err)
				}
				cur = &gzipDuplex{r: gz, w: gzip.NewWriter(cur)}
				br = bufio.NewReaderSize(cur, maxWindow)
				layers = append(layers, LayerGzip)
				t.log.Debug("transport layer installed", "layer", LayerGzip)
				continue
			}
		}

		factory, err := t.detectInner(br)
		if err != nil {
			return nil, err
		}
		return &Match{Factory: factory, Layers: layers, Reader: br, Writer: cur}, nil
	}
}

// sniffTLS checks the handshake record byte at stream offset 0.
func (t *Transducer) sniffTLS(br *bufio.Reader) (bool, error) {
	b, err := br.Peek(1)
	if err != nil {
		return false, connError(err)
	}
	return b[0] == tlsHandshakeRecord, nil
}

// sniffGzip checks the two-byte magic prefix. A stream that ends after one
// byte cannot be gzip, so EOF with a short window is a clean no-match for
// this layer (inner detection still sees the byte).
func (t *Transducer) sniffGzip(br *bufio.Reader) (bool, error) {
	b, err := br.Peek(2)
	if err != nil {
		if len(b) > 0 && (errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)) {
			return false, nil
		}
		return false, connError(err)
	}
	return b[0] == gzipMagic[0] && b[1] == gzipMagic[1], nil
}

// detectInner grows the peeked window one byte at a time until an
// inner-protocol detector matches or every detector has rejected.
// Detectors returning VerdictRejected are permanently excluded for this
// connection.
func (t *Transducer) detectInner(br *bufio.Reader) (Factory, error) {
	if len(t.factories) == 0 {
		return nil, ErrNoProtocolMatch
	}

	detectors := make([]Detector, len(t.factories))
	excluded := make([]bool, len(t.factories))
	for i, f := range t.factories {
		detectors[i] = f.New()
	}

	need := 1
	for {
		window, peekErr := br.Peek(need)
		if len(window) == 0 {
			if peekErr != nil {
				return nil, connError(peekErr)
			}
			return nil, ErrNoProtocolMatch
		}

		undecided := false
		for i, d := range detectors {
			if excluded[i] {
				continue
			}
			switch d.Detect(window) {
			case VerdictMatched:
				return t.factories[i], nil
			case VerdictRejected:
				excluded[i] = true
			case VerdictInsufficient:
				undecided = true
			}
		}

		if !undecided {
			// Enough bytes were available for every detector to
			// make a determination, and none matched.
			return nil, ErrNoProtocolMatch
		}
		if peekErr != nil || len(window) >= maxWindow {
			// The stream ended (or the window is exhausted) while
			// detectors still wanted more data.
			return nil, ErrNoProtocolMatch
		}
		need = len(window) + 1
	}
}

// connError normalizes a peek failure: a closed or truncated stream during
// detection is a rejection, anything else surfaces as is.
func connError(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrNoProtocolMatch
	}
	return err
}

// bufferedRW splices an already-buffered read side onto the connection's
// write side so an installed layer sees every byte exactly once.
type bufferedRW struct {
	r io.Reader
	w io.Writer
}

func (b *bufferedRW) Read(p []byte) (int, error)  { return b.r.Read(p) }
func (b *bufferedRW) Write(p []byte) (int, error) { return b.w.Write(p) }

// gzipDuplex is the installed gzip layer: inbound bytes come decompressed
// from the stream reader, outbound bytes are compressed and flushed per
// write so each reply reaches the peer without waiting for more output.
type gzipDuplex struct {
	r io.Reader
	w *gzip.Writer
}

func (g *gzipDuplex) Read(p []byte) (int, error) { return g.r.Read(p) }

func (g *gzipDuplex) Write(p []byte) (int, error) {
	n, err := g.w.Write(p)
	if err != nil {
		return n, err
	}
	return n, g.w.Flush()
}
