package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the collector's Prometheus instruments. A nil *Metrics is a
// valid no-op so components can run without a registry.
type Metrics struct {
	EventsReceived  *prometheus.CounterVec
	EventsAccepted  *prometheus.CounterVec
	EventsDuplicate prometheus.Counter
	EventsRejected  *prometheus.CounterVec
	Conversions     *prometheus.CounterVec
	ForwardLatency  prometheus.Histogram
	ConversionQueue prometheus.Gauge
	RedisLatency    *prometheus.HistogramVec
	ShipperDropped  *prometheus.CounterVec
	BatchSizeEvents prometheus.Histogram
}

// New registers every instrument on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		EventsReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pixel_events_received_total",
			Help: "Events received by the collector, by event name",
		}, []string{"event"}),
		EventsAccepted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pixel_events_accepted_total",
			Help: "Events persisted by the collector, by event name",
		}, []string{"event"}),
		EventsDuplicate: f.NewCounter(prometheus.CounterOpts{
			Name: "pixel_events_duplicate_total",
			Help: "Events ignored because their event id was already seen",
		}),
		EventsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pixel_events_rejected_total",
			Help: "Events rejected by validation, by reason",
		}, []string{"reason"}),
		Conversions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pixel_conversions_forwarded_total",
			Help: "Conversion submissions to the ad platform, by outcome",
		}, []string{"outcome"}),
		ForwardLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "pixel_conversion_forward_seconds",
			Help:    "Latency of conversion submissions",
			Buckets: prometheus.DefBuckets,
		}),
		ConversionQueue: f.NewGauge(prometheus.GaugeOpts{
			Name: "pixel_conversion_queue_depth",
			Help: "Conversions waiting for a forwarder worker",
		}),
		RedisLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pixel_redis_command_seconds",
			Help:    "Latency of instrumented Redis calls",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
		}, []string{"status"}),
		ShipperDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pixel_shipper_dropped_total",
			Help: "Records dropped by the stream shipper under backpressure",
		}, []string{"stream"}),
		BatchSizeEvents: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "pixel_batch_events",
			Help:    "Number of events per received batch",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500},
		}),
	}
}

func (m *Metrics) Received(event string) {
	if m == nil {
		return
	}
	m.EventsReceived.WithLabelValues(event).Inc()
}

func (m *Metrics) Accepted(event string) {
	if m == nil {
		return
	}
	m.EventsAccepted.WithLabelValues(event).Inc()
}

func (m *Metrics) Duplicate() {
	if m == nil {
		return
	}
	m.EventsDuplicate.Inc()
}

func (m *Metrics) Rejected(reason string) {
	if m == nil {
		return
	}
	m.EventsRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) Batch(n int) {
	if m == nil {
		return
	}
	m.BatchSizeEvents.Observe(float64(n))
}

// Forwarded records one conversion submission.
func (m *Metrics) Forwarded(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Conversions.WithLabelValues(outcome).Inc()
	m.ForwardLatency.Observe(d.Seconds())
}

// ConversionSkipped counts a conversion that never reached the platform.
func (m *Metrics) ConversionSkipped(reason string) {
	if m == nil {
		return
	}
	m.Conversions.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetConversionQueue(n int) {
	if m == nil {
		return
	}
	m.ConversionQueue.Set(float64(n))
}

func (m *Metrics) ObserveRedis(d time.Duration, ok bool) {
	if m == nil {
		return
	}
	status := "ok"
	if !ok {
		status = "error"
	}
	m.RedisLatency.WithLabelValues(status).Observe(d.Seconds())
}

func (m *Metrics) Dropped(stream string) {
	if m == nil {
		return
	}
	m.ShipperDropped.WithLabelValues(stream).Inc()
}
