// Package message defines the protocol-agnostic envelope that carries a
// decoded inbound message from a protocol decoder to the dispatch layer.
//
// A Decoded value is created once by the protocol decoder that parsed the
// raw bytes, then handed through dispatch by reference. It must never be
// mutated after handoff; ownership transfers to exactly one queueing
// strategy invocation path.
package message

// Metadata carries protocol-specific routing information for a decoded
// message. At minimum every protocol supplies the route key used to match
// the message against registered handlers.
type Metadata interface {
	// Route returns the route key (topic/path) this message addresses.
	Route() string
}

// Decoded is the envelope produced once a protocol's decoder has parsed raw
// bytes into structured application data plus routing metadata.
type Decoded struct {
	// Payload is the decoded application data.
	Payload any

	// Meta is the protocol-specific routing metadata.
	Meta Metadata
}

// Route is a convenience accessor for the message's route key. Returns the
// empty string if no metadata is attached.
func (d *Decoded) Route() string {
	if d == nil || d.Meta == nil {
		return ""
	}
	return d.Meta.Route()
}

// RouteMeta is the minimal Metadata implementation: a bare route key.
// Protocols with richer routing information define their own Metadata type.
type RouteMeta string

// Route returns the route key.
func (r RouteMeta) Route() string { return string(r) }

// New constructs a Decoded envelope from a payload and a bare route key.
func New(route string, payload any) *Decoded {
	return &Decoded{Payload: payload, Meta: RouteMeta(route)}
}
