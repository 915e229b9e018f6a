package host

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bitpay/bitpay-app-sub010/pkg/wire"
)

// Metrics collects the activity of one or more hosts.
type Metrics struct {
	requests    *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	objects     *prometheus.GaugeVec
	queued      prometheus.Gauge
	connections prometheus.Gauge
}

// NewMetrics creates the host collectors and registers them on reg, if not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dkls",
			Subsystem: "host",
			Name:      "requests_total",
			Help:      "Requests handled, by type and outcome.",
		}, []string{"type", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dkls",
			Subsystem: "host",
			Name:      "request_duration_seconds",
			Help:      "Time from receiving a request to its reply.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 10),
		}, []string{"type"}),
		objects: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "dkls",
			Subsystem: "host",
			Name:      "live_objects",
			Help:      "Objects currently held in host registries, by class.",
		}, []string{"class"}),
		queued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dkls",
			Subsystem: "host",
			Name:      "queued_calls",
			Help:      "Object calls waiting for or running in their per-object queue.",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dkls",
			Subsystem: "host",
			Name:      "connections",
			Help:      "Transport sessions being served.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.requests, m.duration, m.objects, m.queued, m.connections)
	}
	return m
}

func (m *Metrics) observe(typ wire.RequestType, err error, d time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = string(wire.KindOf(err))
	}
	m.requests.WithLabelValues(string(typ), outcome).Inc()
	m.duration.WithLabelValues(string(typ)).Observe(d.Seconds())
}
