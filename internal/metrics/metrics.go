// Package metrics exports relay counters in the Prometheus format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"streamrelay/internal/relay"
	"streamrelay/internal/sse"
)

const namespace = "streamrelay"

// Metrics owns a private registry so tests and multiple apps in one process
// do not collide on the default one.
type Metrics struct {
	registry *prometheus.Registry

	framesTotal     *prometheus.CounterVec
	malformedTotal  *prometheus.CounterVec
	suppressedTotal *prometheus.CounterVec
	upstreamErrors  *prometheus.CounterVec
	streamsTotal    *prometheus.CounterVec
	streamsActive   *prometheus.GaugeVec
	bytesTotal      *prometheus.CounterVec
	streamDuration  *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		framesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "frames_total",
				Help:      "Frames decoded from upstream streams by kind",
			},
			[]string{"endpoint", "kind"},
		),
		malformedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "malformed_frames_total",
				Help:      "Frames or fragments skipped because they could not be interpreted",
			},
			[]string{"endpoint"},
		),
		suppressedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "suppressed_tokens_total",
				Help:      "Text tokens withheld by suppress rules",
			},
			[]string{"endpoint"},
		),
		upstreamErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upstream_errors_total",
				Help:      "Upstream transport failures",
			},
			[]string{"endpoint"},
		),
		streamsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "streams_total",
				Help:      "Finished relay streams by outcome",
			},
			[]string{"endpoint", "outcome"}, // outcome: done, failed
		),
		streamsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "streams_active",
				Help:      "Relay streams currently in flight",
			},
			[]string{"endpoint"},
		),
		bytesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stream_bytes_total",
				Help:      "Bytes read from upstream and written to clients",
			},
			[]string{"endpoint", "direction"}, // direction: in, out
		),
		streamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stream_duration_seconds",
				Help:      "Wall time of relay streams in seconds",
				Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"endpoint", "outcome"},
		),
	}
	m.registry.MustRegister(
		m.framesTotal,
		m.malformedTotal,
		m.suppressedTotal,
		m.upstreamErrors,
		m.streamsTotal,
		m.streamsActive,
		m.bytesTotal,
		m.streamDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry for GET /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Start marks a stream as in flight and returns the observer that records
// it. The stream counts as active until the observer sees OnComplete.
func (m *Metrics) Start(endpoint string) relay.Observer {
	m.streamsActive.WithLabelValues(endpoint).Inc()
	return &observer{m: m, endpoint: endpoint}
}

type observer struct {
	m        *Metrics
	endpoint string
}

func (o *observer) OnEvent(kind sse.EventKind) {
	o.m.framesTotal.WithLabelValues(o.endpoint, kind.String()).Inc()
}

func (o *observer) OnMalformed(sse.Frame, string) {
	o.m.malformedTotal.WithLabelValues(o.endpoint).Inc()
}

func (o *observer) OnTransportError(error) {
	o.m.upstreamErrors.WithLabelValues(o.endpoint).Inc()
}

func (o *observer) OnComplete(s relay.Stats) {
	outcome := "done"
	if s.Phase != relay.PhaseDone {
		outcome = "failed"
	}
	o.m.streamsActive.WithLabelValues(o.endpoint).Dec()
	o.m.streamsTotal.WithLabelValues(o.endpoint, outcome).Inc()
	o.m.streamDuration.WithLabelValues(o.endpoint, outcome).Observe(s.Duration.Seconds())
	o.m.bytesTotal.WithLabelValues(o.endpoint, "in").Add(float64(s.BytesIn))
	o.m.bytesTotal.WithLabelValues(o.endpoint, "out").Add(float64(s.BytesOut))
	if s.Suppressed > 0 {
		o.m.suppressedTotal.WithLabelValues(o.endpoint).Add(float64(s.Suppressed))
	}
}
