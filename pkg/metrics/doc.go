// Package metrics provides a small dependency-free metrics registry for
// polyport: counters, gauges and histograms with optional labels, exposable
// in Prometheus text format.
//
// Metrics are created through a Registry:
//
//	reg := metrics.NewRegistry()
//	accepted := reg.NewCounter("polyport_connections_accepted_total",
//	    "Connections accepted by the listener.")
//	_ = accepted.Inc()
//
// Labelled metrics return a vec for a concrete label combination:
//
//	dispatched := reg.NewCounter("polyport_messages_dispatched_total",
//	    "Messages dispatched to listeners.", "route")
//	vec, _ := dispatched.WithLabels("ping")
//	_ = vec.Inc()
//
// Registry.WriteText renders all registered metrics in Prometheus text
// exposition format.
package metrics
