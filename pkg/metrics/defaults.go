package metrics

// Server bundles the framework's standard metrics. The server wires the
// connection-level metrics; queueing decorators wire the dispatch metrics.
type Server struct {
	// ConnectionsAccepted counts connections accepted by the listener.
	ConnectionsAccepted *Counter

	// ConnectionsActive tracks currently open connections.
	ConnectionsActive *Gauge

	// ConnectionsRejected counts connections closed because no protocol
	// detector matched, labelled by reason.
	ConnectionsRejected *Counter

	// Detections counts positive protocol detections, labelled by
	// protocol name (wrapper layers included).
	Detections *Counter

	// MessagesDispatched counts messages handed to a queueing strategy,
	// labelled by route.
	MessagesDispatched *Counter

	// DispatchNoMatch counts decoded messages that matched no listener.
	DispatchNoMatch *Counter

	// ListenerDuration observes wall time spent inside listener
	// invocations, labelled by route.
	ListenerDuration *Histogram
}

// NewServer creates and registers the standard server metrics on reg.
func NewServer(reg *Registry) *Server {
	return &Server{
		ConnectionsAccepted: reg.NewCounter(
			"polyport_connections_accepted_total",
			"Connections accepted by the listener."),
		ConnectionsActive: reg.NewGauge(
			"polyport_connections_active",
			"Currently open connections."),
		ConnectionsRejected: reg.NewCounter(
			"polyport_connections_rejected_total",
			"Connections closed without a protocol match.", "reason"),
		Detections: reg.NewCounter(
			"polyport_detections_total",
			"Positive protocol detections, including wrapper layers.", "protocol"),
		MessagesDispatched: reg.NewCounter(
			"polyport_messages_dispatched_total",
			"Messages handed to a queueing strategy.", "route"),
		DispatchNoMatch: reg.NewCounter(
			"polyport_dispatch_no_match_total",
			"Decoded messages that matched no listener."),
		ListenerDuration: reg.NewHistogram(
			"polyport_listener_duration_seconds",
			"Wall time spent inside listener invocations.",
			DefaultBuckets, "route"),
	}
}
