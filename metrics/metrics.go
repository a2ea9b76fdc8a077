// Package metrics exposes Prometheus collectors for the protocol engine:
// frame throughput, rejected frames, active sessions, and request duration.
// A host process registers these into its own registry; the core drivers
// call the package-level recording functions directly, the way the
// teacher's prometheus exporter separates collector definition from the
// HTTP-serving concern.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/coriolis-audio/duplexproto/protoerr"
	"github.com/coriolis-audio/duplexproto/transport"
)

var (
	// FramesEncoded counts frames successfully encoded, by kind ("text",
	// "binary").
	FramesEncoded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "duplexproto",
		Name:      "frames_encoded_total",
		Help:      "Frames successfully encoded, by frame kind.",
	}, []string{"kind"})

	// FramesDecoded counts frames successfully decoded, by kind.
	FramesDecoded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "duplexproto",
		Name:      "frames_decoded_total",
		Help:      "Frames successfully decoded, by frame kind.",
	}, []string{"kind"})

	// ProtocolErrors counts rejected frames/transitions, by error kind
	// ("malformed_event", "illegal_transition", "unknown_reference").
	ProtocolErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "duplexproto",
		Name:      "protocol_errors_total",
		Help:      "Protocol errors raised, by kind.",
	}, []string{"kind", "role"})

	// ActiveSessions gauges sessions currently open per role ("client",
	// "server").
	ActiveSessions = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "duplexproto",
		Name:      "active_sessions",
		Help:      "Sessions currently open, by role.",
	}, []string{"role"})

	// RequestDuration observes the wall-clock duration of a request from
	// InputEnd to OutputEnd.
	RequestDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "duplexproto",
		Name:      "request_duration_seconds",
		Help:      "Duration from InputEnd to OutputEnd.",
		Buckets:   prometheus.DefBuckets,
	})
)

// AllCollectors is the full set of collectors this package defines, for
// convenient registration: reg.MustRegister(metrics.AllCollectors...).
var AllCollectors = []prometheus.Collector{
	FramesEncoded,
	FramesDecoded,
	ProtocolErrors,
	ActiveSessions,
	RequestDuration,
}

// ObserveRequestDuration records how long a request took to produce
// OutputEnd after InputEnd.
func ObserveRequestDuration(since time.Time) {
	RequestDuration.Observe(time.Since(since).Seconds())
}

// FrameKindLabel renders a transport.FrameKind as the label value
// FramesEncoded/FramesDecoded use.
func FrameKindLabel(kind transport.FrameKind) string {
	if kind == transport.FrameBinary {
		return "binary"
	}
	return "text"
}

// RecordProtocolError increments ProtocolErrors for role ("client",
// "server") using err's Kind when err is a *protoerr.ProtocolError, or
// "unknown" for any other error (e.g. a TransportError).
func RecordProtocolError(err error, role string) {
	kind := "unknown"
	if pe, ok := err.(*protoerr.ProtocolError); ok {
		kind = pe.Kind.String()
	}
	ProtocolErrors.WithLabelValues(kind, role).Inc()
}
