// Package sniff implements protocol detection for new connections.
//
// A Transducer sits at the front of every connection's processing
// pipeline. It peeks at the leading bytes — consuming nothing — and asks
// each registered detector factory, in registration order, whether it
// recognizes the protocol. Wrapper layers (TLS, gzip) are sniffed first;
// when one matches, the transducer installs the corresponding transport
// codec and re-runs detection recursively on the unwrapped stream. A
// positive inner-protocol match hands the connection over to that
// protocol; if every detector rejects, the connection is refused.
package sniff

// Verdict is the outcome of one detection attempt against the accumulated
// leading bytes of a connection.
type Verdict int

const (
	// VerdictInsufficient means the window is too short to decide. The
	// detector is re-invoked when more bytes arrive; no bytes are
	// consumed.
	VerdictInsufficient Verdict = iota

	// VerdictMatched means the detector recognized its protocol.
	VerdictMatched

	// VerdictRejected means the bytes cannot be this protocol. The
	// detector is permanently excluded for this connection.
	VerdictRejected
)

// String returns the verdict name.
func (v Verdict) String() string {
	switch v {
	case VerdictMatched:
		return "matched"
	case VerdictRejected:
		return "rejected"
	default:
		return "insufficient"
	}
}

// Detector inspects the accumulated leading bytes of one connection.
//
// A detector is invoked repeatedly with a growing byte window (earlier
// calls may have returned VerdictInsufficient) and must be idempotent and
// side-effect-free until it declares a match: feeding the same bytes one at
// a time or as a single chunk must produce the same final verdict.
type Detector interface {
	Detect(window []byte) Verdict
}

// DetectorFunc adapts a function to the Detector interface.
type DetectorFunc func(window []byte) Verdict

// Detect calls f.
func (f DetectorFunc) Detect(window []byte) Verdict { return f(window) }

// Factory produces per-connection detectors for one protocol. Factories
// are registered on the server and tried in registration order.
type Factory interface {
	// Name identifies the protocol in logs and metrics.
	Name() string

	// New returns a fresh detector for one connection.
	New() Detector
}

// NewFactory returns a factory built from a name and a detector
// constructor.
func NewFactory(name string, newDetector func() Detector) Factory {
	return &funcFactory{name: name, newDetector: newDetector}
}

type funcFactory struct {
	name        string
	newDetector func() Detector
}

func (f *funcFactory) Name() string  { return f.name }
func (f *funcFactory) New() Detector { return f.newDetector() }

// prefixFactory matches a fixed byte prefix.
type prefixFactory struct {
	name   string
	prefix []byte
}

// NewPrefixFactory returns a factory whose detectors match streams opening
// with the given byte prefix.
func NewPrefixFactory(name string, prefix []byte) Factory {
	p := make([]byte, len(prefix))
	copy(p, prefix)
	return &prefixFactory{name: name, prefix: p}
}

func (f *prefixFactory) Name() string { return f.name }

func (f *prefixFactory) New() Detector {
	return DetectorFunc(func(window []byte) Verdict {
		n := len(window)
		if n > len(f.prefix) {
			n = len(f.prefix)
		}
		for i := 0; i < n; i++ {
			if window[i] != f.prefix[i] {
				return VerdictRejected
			}
		}
		if len(window) < len(f.prefix) {
			return VerdictInsufficient
		}
		return VerdictMatched
	})
}
