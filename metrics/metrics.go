package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gige"

// Metrics holds the pipeline collectors
type Metrics struct {
	FramesPublished  *prometheus.CounterVec
	FramesDropped    *prometheus.CounterVec
	PublishErrors    *prometheus.CounterVec
	ConversionErrors *prometheus.CounterVec
	BuffersRejected  *prometheus.CounterVec
	PoolGrowth       *prometheus.CounterVec
	PoolSize         *prometheus.GaugeVec
	ProcessingTime   *prometheus.HistogramVec
	Subscribers      *prometheus.GaugeVec
	TriggersMissed   prometheus.Counter

	gatherer prometheus.Gatherer
}

// New creates the collectors and registers them with reg
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		FramesPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_published_total",
			Help:      "Images handed to the sink per substream.",
		}, []string{"stream", "substream"}),
		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Mailbox entries overwritten before the worker took them.",
		}, []string{"stream", "substream"}),
		PublishErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_errors_total",
			Help:      "Sink publish failures per substream.",
		}, []string{"stream", "substream"}),
		ConversionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversion_errors_total",
			Help:      "Pixel format conversion failures per substream.",
		}, []string{"stream", "substream"}),
		BuffersRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "buffers_rejected_total",
			Help:      "Hardware buffers returned without routing, by reason.",
		}, []string{"stream", "reason"}),
		PoolGrowth: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_growth_total",
			Help:      "Buffers added because the hardware ran out of empty buffers.",
		}, []string{"stream"}),
		PoolSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_buffers",
			Help:      "Hardware buffers allocated per stream.",
		}, []string{"stream"}),
		ProcessingTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "processing_seconds",
			Help:      "Time from mailbox take to publish per substream.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
		}, []string{"stream", "substream"}),
		Subscribers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscribers",
			Help:      "Connected subscribers per topic.",
		}, []string{"topic"}),
		TriggersMissed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "software_triggers_missed_total",
			Help:      "Software triggers skipped because the previous one overran.",
		}),
		gatherer: reg,
	}

	reg.MustRegister(
		m.FramesPublished,
		m.FramesDropped,
		m.PublishErrors,
		m.ConversionErrors,
		m.BuffersRejected,
		m.PoolGrowth,
		m.PoolSize,
		m.ProcessingTime,
		m.Subscribers,
		m.TriggersMissed,
	)
	return m
}

// NewDefault creates metrics on a fresh registry that also exports Go runtime
// and process collectors.
func NewDefault() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return New(reg)
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
