package sniff

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rw bundles a Reader with a discard/capture Writer for transducer tests.
type rw struct {
	io.Reader
	out bytes.Buffer
}

func (r *rw) Write(p []byte) (int, error) { return r.out.Write(p) }

func stream(data []byte) *rw { return &rw{Reader: bytes.NewReader(data)} }

func oneByteStream(data []byte) *rw {
	return &rw{Reader: iotest.OneByteReader(bytes.NewReader(data))}
}

func gzipped(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write(data)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestPrefixFactory(t *testing.T) {
	d := NewPrefixFactory("ping", []byte("PING")).New()

	assert.Equal(t, VerdictInsufficient, d.Detect([]byte("P")))
	assert.Equal(t, VerdictInsufficient, d.Detect([]byte("PIN")))
	assert.Equal(t, VerdictMatched, d.Detect([]byte("PING")))
	assert.Equal(t, VerdictMatched, d.Detect([]byte("PING extra")))
	assert.Equal(t, VerdictRejected, d.Detect([]byte("PONG")))
	assert.Equal(t, VerdictRejected, d.Detect([]byte("X")))
}

func TestTransducer_MatchesInnerProtocol(t *testing.T) {
	tr := NewTransducer(false, false, nil,
		[]Factory{NewPrefixFactory("ping", []byte("PING"))}, nil)

	m, err := tr.Run(stream([]byte("PING hello\n")))
	require.NoError(t, err)
	assert.Equal(t, "ping", m.Factory.Name())
	assert.Empty(t, m.Layers)

	// No byte was consumed before the protocol takes ownership.
	line, err := m.Reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "PING hello\n", line)
}

func TestTransducer_RegistrationOrderWins(t *testing.T) {
	// Both factories match the same bytes; the first registered wins.
	tr := NewTransducer(false, false, nil, []Factory{
		NewPrefixFactory("first", []byte("AB")),
		NewPrefixFactory("second", []byte("A")),
	}, nil)

	m, err := tr.Run(stream([]byte("ABCD")))
	require.NoError(t, err)
	assert.Equal(t, "first", m.Factory.Name())
}

func TestTransducer_IdempotentAcrossChunking(t *testing.T) {
	factories := func() []Factory {
		return []Factory{NewPrefixFactory("proto-a", []byte{0xAA, 0xBB, 0xCC})}
	}
	data := []byte{0xAA, 0xBB, 0xCC, 0x01, 0x02}

	whole, err := NewTransducer(false, false, nil, factories(), nil).Run(stream(data))
	require.NoError(t, err)

	byteAtATime, err := NewTransducer(false, false, nil, factories(), nil).Run(oneByteStream(data))
	require.NoError(t, err)

	// Same verdict either way.
	assert.Equal(t, whole.Factory.Name(), byteAtATime.Factory.Name())

	// And the garbage case is equally stable.
	garbage := []byte{0xDE, 0xAD}
	_, err = NewTransducer(false, false, nil, factories(), nil).Run(stream(garbage))
	assert.ErrorIs(t, err, ErrNoProtocolMatch)
	_, err = NewTransducer(false, false, nil, factories(), nil).Run(oneByteStream(garbage))
	assert.ErrorIs(t, err, ErrNoProtocolMatch)
}

func TestTransducer_RejectsUnknownTraffic(t *testing.T) {
	// Detectors: secure transport expects 0x16, compression expects
	// 0x1F 0x8B; neither matches 0xDE 0xAD 0xBE 0xEF.
	tr := NewTransducer(true, true,
		func(rw io.ReadWriter) (io.ReadWriter, error) {
			t.Fatal("tls layer must not be installed")
			return nil, nil
		},
		[]Factory{NewPrefixFactory("proto-a", []byte("AAAA"))}, nil)

	_, err := tr.Run(stream([]byte{0xDE, 0xAD, 0xBE, 0xEF}))
	assert.ErrorIs(t, err, ErrNoProtocolMatch)
}

func TestTransducer_EmptyStreamRejected(t *testing.T) {
	tr := NewTransducer(false, false, nil,
		[]Factory{NewPrefixFactory("ping", []byte("PING"))}, nil)

	_, err := tr.Run(stream(nil))
	assert.ErrorIs(t, err, ErrNoProtocolMatch)
}

func TestTransducer_TruncatedStreamRejected(t *testing.T) {
	// Stream ends while the only detector still needs more bytes.
	tr := NewTransducer(false, false, nil,
		[]Factory{NewPrefixFactory("ping", []byte("PING"))}, nil)

	_, err := tr.Run(stream([]byte("PI")))
	assert.ErrorIs(t, err, ErrNoProtocolMatch)
}

func TestTransducer_GzipLayerUnwraps(t *testing.T) {
	payload := []byte("PING compressed payload\n")
	tr := NewTransducer(false, true, nil,
		[]Factory{NewPrefixFactory("ping", []byte("PING"))}, nil)

	m, err := tr.Run(stream(gzipped(t, payload)))
	require.NoError(t, err)
	assert.Equal(t, "ping", m.Factory.Name())
	assert.Equal(t, []string{LayerGzip}, m.Layers)

	// The protocol's decoder receives fully unwrapped application bytes.
	got, err := io.ReadAll(m.Reader)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestTransducer_GzipLayerCompressesReplies(t *testing.T) {
	s := stream(gzipped(t, []byte("PING\n")))
	tr := NewTransducer(false, true, nil,
		[]Factory{NewPrefixFactory("ping", []byte("PING"))}, nil)

	m, err := tr.Run(s)
	require.NoError(t, err)
	require.Equal(t, []string{LayerGzip}, m.Layers)

	// Replies written through the match pass back through the layer:
	// the peer sees gzip frames, and each write is flushed so it does
	// not sit in the encoder waiting for more output.
	_, err = m.Writer.Write([]byte("PONG\n"))
	require.NoError(t, err)

	zr, err := gzip.NewReader(bytes.NewReader(s.out.Bytes()))
	require.NoError(t, err)
	reply := make([]byte, 5)
	_, err = io.ReadFull(zr, reply)
	require.NoError(t, err)
	assert.Equal(t, "PONG\n", string(reply))
}

func TestTransducer_GzipDisabledSeesRawBytes(t *testing.T) {
	blob := gzipped(t, []byte("PING\n"))
	tr := NewTransducer(false, false, nil,
		[]Factory{NewPrefixFactory("ping", []byte("PING"))}, nil)

	// Without the compression sniffer the raw gzip bytes reach the inner
	// detectors and match nothing.
	_, err := tr.Run(stream(blob))
	assert.ErrorIs(t, err, ErrNoProtocolMatch)
}

func TestTransducer_NestedLayersInOrder(t *testing.T) {
	// Simulated secure transport: the wrapper hands back the "decrypted"
	// stream, which is itself gzip-wrapped ProtocolA bytes. Detection
	// must install tls then gzip, and ProtocolA's decoder must be first
	// to see unwrapped application bytes.
	inner := gzipped(t, []byte("AAAA application data"))

	wrapCalls := 0
	tlsWrap := func(w io.ReadWriter) (io.ReadWriter, error) {
		wrapCalls++
		return &rw{Reader: bytes.NewReader(inner)}, nil
	}

	tr := NewTransducer(true, true, tlsWrap,
		[]Factory{NewPrefixFactory("proto-a", []byte("AAAA"))}, nil)

	m, err := tr.Run(stream([]byte{tlsHandshakeRecord, 0x03, 0x01, 0x00, 0x05}))
	require.NoError(t, err)
	assert.Equal(t, 1, wrapCalls)
	assert.Equal(t, []string{LayerTLS, LayerGzip}, m.Layers)
	assert.Equal(t, "proto-a", m.Factory.Name())

	got, err := io.ReadAll(m.Reader)
	require.NoError(t, err)
	assert.Equal(t, "AAAA application data", string(got))
}

func TestTransducer_DetectorSeesGrowingWindow(t *testing.T) {
	var windows []int
	spy := DetectorFunc(func(window []byte) Verdict {
		windows = append(windows, len(window))
		if len(window) < 4 {
			return VerdictInsufficient
		}
		if strings.HasPrefix(string(window), "PING") {
			return VerdictMatched
		}
		return VerdictRejected
	})
	f := NewFactory("spy", func() Detector { return spy })

	tr := NewTransducer(false, false, nil, []Factory{f}, nil)
	_, err := tr.Run(oneByteStream([]byte("PINGx")))
	require.NoError(t, err)

	// Window must grow monotonically, one re-invocation per arrival.
	require.NotEmpty(t, windows)
	for i := 1; i < len(windows); i++ {
		assert.Greater(t, windows[i], windows[i-1])
	}
	assert.Equal(t, 4, windows[len(windows)-1])
}
