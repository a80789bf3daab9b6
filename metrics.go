// Periodic stats logging and the Prometheus registry, mirroring the
// teacher's metrics.go (a ticker loop logging room.Stats()) but widened
// with real counters the hub updates directly, since this hub has no
// single Stats() accessor to poll the way Room did.
package main

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"

	"chatmesh/internal/protocol"
)

// messageKinds is every wire Kind the hub can see, in a stable order, used
// to pre-populate both the Prometheus label set and the JSON snapshot so
// GET /api/metrics always reports every type, even at zero.
var messageKinds = []protocol.Kind{
	protocol.KindAuth, protocol.KindChat, protocol.KindAck, protocol.KindUsers,
	protocol.KindJoin, protocol.KindLeave, protocol.KindDirect,
	protocol.KindPing, protocol.KindPong, protocol.KindTopo,
}

// Metrics holds the hub's live counters. All fields are safe for
// concurrent use. The atomic counters are read directly by Snapshot (for
// the admin surface) and copied into the Prometheus collectors registered
// in NewMetrics by sync, which RunMetrics calls on every tick.
type Metrics struct {
	Connections         atomic.Int64
	RejectedConnections atomic.Int64
	Datagrams           atomic.Int64
	Bytes               atomic.Int64
	FramingFailures     atomic.Int64
	AcksSent            atomic.Int64

	byTypeMu sync.Mutex
	byType   map[protocol.Kind]*atomic.Int64

	registry  *prometheus.Registry
	promConn  prometheus.Gauge
	promRej   prometheus.Counter
	promDg    prometheus.Counter
	promByte  prometheus.Counter
	promFail  prometheus.Counter
	promAcks  prometheus.Counter
	promByKnd *prometheus.CounterVec
}

// NewMetrics builds a Metrics with its own Prometheus registry, so the
// admin surface's /metrics handler (admin.go) doesn't pull in
// process/Go-runtime collectors from the default global registry.
func NewMetrics() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry(), byType: make(map[protocol.Kind]*atomic.Int64, len(messageKinds))}

	m.promConn = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatmesh_connections", Help: "Currently connected TCP sessions.",
	})
	m.promRej = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatmesh_connections_rejected_total", Help: "Connections rejected by admission control.",
	})
	m.promDg = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatmesh_datagrams_total", Help: "UDP datagrams received by the hub.",
	})
	m.promByte = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatmesh_bytes_total", Help: "UDP bytes received by the hub.",
	})
	m.promFail = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatmesh_framing_failures_total", Help: "Frames dropped for failing to decode or checksum.",
	})
	m.promAcks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatmesh_acks_sent_total", Help: "ACK frames the hub has written back to a UDP sender.",
	})
	m.promByKnd = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatmesh_messages_total", Help: "Messages seen by wire type.",
	}, []string{"type"})
	m.registry.MustRegister(m.promConn, m.promRej, m.promDg, m.promByte, m.promFail, m.promAcks, m.promByKnd)

	for _, k := range messageKinds {
		m.byType[k] = &atomic.Int64{}
		m.promByKnd.WithLabelValues(string(k))
	}

	return m
}

// Registry exposes the Prometheus registry for admin.go's /metrics route.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// RecordMessage counts one observed frame of the given kind, for both the
// JSON snapshot and the Prometheus counter vector. Kinds outside
// messageKinds (there are none on the wire today) are silently ignored
// rather than growing the label set unboundedly.
func (m *Metrics) RecordMessage(kind protocol.Kind) {
	m.byTypeMu.Lock()
	counter, ok := m.byType[kind]
	m.byTypeMu.Unlock()
	if !ok {
		return
	}
	counter.Add(1)
}

// MetricsSnapshot is a point-in-time copy for the admin JSON surface
// (GET /api/metrics).
type MetricsSnapshot struct {
	Connections         int64            `json:"connections"`
	RejectedConnections int64            `json:"rejected_connections"`
	Datagrams           int64            `json:"datagrams"`
	Bytes               int64            `json:"bytes"`
	FramingFailures     int64            `json:"framing_failures"`
	AcksSent            int64            `json:"acks_sent"`
	MessagesByType      map[string]int64 `json:"messages_by_type"`
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	m.byTypeMu.Lock()
	byType := make(map[string]int64, len(m.byType))
	for k, c := range m.byType {
		byType[string(k)] = c.Load()
	}
	m.byTypeMu.Unlock()

	return MetricsSnapshot{
		Connections:         m.Connections.Load(),
		RejectedConnections: m.RejectedConnections.Load(),
		Datagrams:           m.Datagrams.Load(),
		Bytes:               m.Bytes.Load(),
		FramingFailures:     m.FramingFailures.Load(),
		AcksSent:            m.AcksSent.Load(),
		MessagesByType:      byType,
	}
}

// sync pushes the atomic counters into their Prometheus counterparts.
// Counters only ever increase, so this publishes the delta since the last
// call; the gauge is republished outright.
func (m *Metrics) sync(prevDg, prevByte, prevRej, prevFail, prevAcks *int64, prevByType map[protocol.Kind]int64) {
	m.promConn.Set(float64(m.Connections.Load()))

	if dg := m.Datagrams.Load(); dg > *prevDg {
		m.promDg.Add(float64(dg - *prevDg))
		*prevDg = dg
	}
	if b := m.Bytes.Load(); b > *prevByte {
		m.promByte.Add(float64(b - *prevByte))
		*prevByte = b
	}
	if r := m.RejectedConnections.Load(); r > *prevRej {
		m.promRej.Add(float64(r - *prevRej))
		*prevRej = r
	}
	if f := m.FramingFailures.Load(); f > *prevFail {
		m.promFail.Add(float64(f - *prevFail))
		*prevFail = f
	}
	if a := m.AcksSent.Load(); a > *prevAcks {
		m.promAcks.Add(float64(a - *prevAcks))
		*prevAcks = a
	}

	m.byTypeMu.Lock()
	for k, c := range m.byType {
		cur := c.Load()
		if cur > prevByType[k] {
			m.promByKnd.WithLabelValues(string(k)).Add(float64(cur - prevByType[k]))
			prevByType[k] = cur
		}
	}
	m.byTypeMu.Unlock()
}

// RunMetrics logs a stats line every interval until ctx is canceled,
// matching the teacher's metrics.go ticker shape.
func RunMetrics(ctx context.Context, m *Metrics, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var prevDg, prevByte, prevRej, prevFail, prevAcks int64
	var lastBytes int64
	prevByType := make(map[protocol.Kind]int64, len(messageKinds))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sync(&prevDg, &prevByte, &prevRej, &prevFail, &prevAcks, prevByType)

			conns := m.Connections.Load()
			bytes := m.Bytes.Load()
			rate := float64(bytes-lastBytes) / interval.Seconds()
			lastBytes = bytes

			if conns > 0 || bytes > 0 {
				log.Printf("[metrics] connections=%d datagrams=%d bytes=%s (%s/s) framing_failures=%d rejected=%d",
					conns, m.Datagrams.Load(), humanize.Bytes(uint64(bytes)),
					humanize.Bytes(uint64(rate)), m.FramingFailures.Load(), m.RejectedConnections.Load())
			}
		}
	}
}
