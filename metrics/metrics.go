// Package metrics wires Prometheus instrumentation for the session and pool
// packages, grounded on the per-resource counter/gauge registration pattern
// used throughout backube-volsync's controllers.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Session collects per-Session counters. A nil *Session is safe to use and
// is a no-op, so callers that don't want Prometheus wiring can leave it
// unset.
type Session struct {
	FramesIn      *prometheus.CounterVec
	FramesOut     *prometheus.CounterVec
	BytesIn       prometheus.Counter
	BytesOut      prometheus.Counter
	WasteBytesOut prometheus.Counter
	ActiveStreams prometheus.Gauge
}

// NewSession constructs and registers a Session metrics bundle against reg.
// Pass prometheus.NewRegistry() or prometheus.DefaultRegisterer.
func NewSession(reg prometheus.Registerer) *Session {
	s := &Session{
		FramesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "anytls",
			Subsystem: "session",
			Name:      "frames_in_total",
			Help:      "Frames received by command.",
		}, []string{"cmd"}),
		FramesOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "anytls",
			Subsystem: "session",
			Name:      "frames_out_total",
			Help:      "Frames sent by command.",
		}, []string{"cmd"}),
		BytesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "anytls",
			Subsystem: "session",
			Name:      "bytes_in_total",
			Help:      "Payload bytes received across all streams.",
		}),
		BytesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "anytls",
			Subsystem: "session",
			Name:      "bytes_out_total",
			Help:      "Payload bytes written across all streams.",
		}),
		WasteBytesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "anytls",
			Subsystem: "session",
			Name:      "waste_bytes_out_total",
			Help:      "Random filler bytes emitted in WASTE frames.",
		}),
		ActiveStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "anytls",
			Subsystem: "session",
			Name:      "active_streams",
			Help:      "Currently registered streams for this session.",
		}),
	}
	if reg != nil {
		reg.MustRegister(s.FramesIn, s.FramesOut, s.BytesIn, s.BytesOut, s.WasteBytesOut, s.ActiveStreams)
	}
	return s
}

func (s *Session) incFramesIn(cmd string) {
	if s == nil {
		return
	}
	s.FramesIn.WithLabelValues(cmd).Inc()
}

func (s *Session) incFramesOut(cmd string) {
	if s == nil {
		return
	}
	s.FramesOut.WithLabelValues(cmd).Inc()
}

// BytesInOnly advances only the inbound byte counter, with no frame-count
// side effect -- used for WASTE frames, which the protocol says should
// advance no counter except inbound bytes.
func (s *Session) BytesInOnly(n int) {
	if s == nil {
		return
	}
	s.BytesIn.Add(float64(n))
}

// ObserveFrameIn records an inbound frame of the given command name.
func (s *Session) ObserveFrameIn(cmd string, payloadLen int) {
	if s == nil {
		return
	}
	s.incFramesIn(cmd)
	s.BytesIn.Add(float64(payloadLen))
}

// ObserveFrameOut records an outbound frame (data or control) of the given
// command name.
func (s *Session) ObserveFrameOut(cmd string, payloadLen int) {
	if s == nil {
		return
	}
	s.incFramesOut(cmd)
	s.BytesOut.Add(float64(payloadLen))
}

// ObserveWaste records an outbound WASTE frame's filler length.
func (s *Session) ObserveWaste(n int) {
	if s == nil {
		return
	}
	s.incFramesOut("WASTE")
	s.WasteBytesOut.Add(float64(n))
}

// StreamOpened/StreamClosed adjust the active-stream gauge.
func (s *Session) StreamOpened() {
	if s == nil {
		return
	}
	s.ActiveStreams.Inc()
}

func (s *Session) StreamClosed() {
	if s == nil {
		return
	}
	s.ActiveStreams.Dec()
}

// Stats is a read-only point-in-time snapshot, for embedders that want a
// status page without binding to Prometheus directly.
type Stats struct {
	BytesIn       uint64
	BytesOut      uint64
	WasteBytesOut uint64
	ActiveStreams int
}

// Pool collects SessionPool occupancy/dial counters.
type Pool struct {
	IdleSessions prometheus.Gauge
	Dials        prometheus.Counter
	Redials      prometheus.Counter
}

// NewPool constructs and registers a Pool metrics bundle against reg.
func NewPool(reg prometheus.Registerer) *Pool {
	p := &Pool{
		IdleSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "anytls",
			Subsystem: "pool",
			Name:      "idle_sessions",
			Help:      "Number of idle sessions currently held by the pool.",
		}),
		Dials: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "anytls",
			Subsystem: "pool",
			Name:      "dials_total",
			Help:      "Number of times the pool invoked its dial factory.",
		}),
		Redials: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "anytls",
			Subsystem: "pool",
			Name:      "redials_total",
			Help:      "Number of closed idle sessions discarded by Acquire.",
		}),
	}
	if reg != nil {
		reg.MustRegister(p.IdleSessions, p.Dials, p.Redials)
	}
	return p
}
