// Package metrics holds the Prometheus collectors for the ingestion pipeline.
//
// A nil *Pipeline is valid and records nothing, so components can be built
// without a registry in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Pipeline struct {
	gatherer prometheus.Gatherer

	Readings     *prometheus.CounterVec
	Rejected     *prometheus.CounterVec
	Verdicts     *prometheus.CounterVec
	Alerts       *prometheus.CounterVec
	Subscribers  prometheus.Gauge
	HubDropped   *prometheus.CounterVec
	AdapterUp    *prometheus.GaugeVec
	Consecutive  prometheus.Gauge
	ClassifyTime prometheus.Histogram
}

// New creates the collectors and registers them on reg. A fresh registry is
// created when reg is nil.
func New(reg *prometheus.Registry) *Pipeline {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	p := &Pipeline{
		gatherer: reg,
		Readings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "water_readings_total",
			Help: "Readings accepted by the normalizer.",
		}, []string{"source"}),
		Rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "water_rejected_total",
			Help: "Raw payloads dropped by the normalizer.",
		}, []string{"source", "reason"}),
		Verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "water_verdicts_total",
			Help: "Classified readings by label.",
		}, []string{"label"}),
		Alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "water_alerts_total",
			Help: "Contamination alert dispatch outcomes.",
		}, []string{"outcome"}),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "water_hub_subscribers",
			Help: "Currently connected viewer sessions.",
		}),
		HubDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "water_hub_dropped_total",
			Help: "Events not delivered to a viewer because its queue was full.",
		}, []string{"reason"}),
		AdapterUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "water_adapter_up",
			Help: "1 while an ingestion adapter holds a live connection.",
		}, []string{"adapter"}),
		Consecutive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "water_consecutive_unsafe",
			Help: "Length of the current run of Unsafe verdicts.",
		}),
		ClassifyTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "water_classify_seconds",
			Help:    "Time spent classifying one reading.",
			Buckets: prometheus.ExponentialBuckets(0.00001, 2, 14),
		}),
	}
	reg.MustRegister(p.Readings, p.Rejected, p.Verdicts, p.Alerts, p.Subscribers,
		p.HubDropped, p.AdapterUp, p.Consecutive, p.ClassifyTime)
	return p
}

// Handler serves the registry in the Prometheus exposition format.
func (p *Pipeline) Handler() http.Handler {
	if p == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(p.gatherer, promhttp.HandlerOpts{})
}

func (p *Pipeline) IncReading(source string) {
	if p == nil {
		return
	}
	p.Readings.WithLabelValues(source).Inc()
}

func (p *Pipeline) IncRejected(source, reason string) {
	if p == nil {
		return
	}
	p.Rejected.WithLabelValues(source, reason).Inc()
}

func (p *Pipeline) IncVerdict(label string) {
	if p == nil {
		return
	}
	p.Verdicts.WithLabelValues(label).Inc()
}

func (p *Pipeline) IncAlert(outcome string) {
	if p == nil {
		return
	}
	p.Alerts.WithLabelValues(outcome).Inc()
}

func (p *Pipeline) SetSubscribers(n int) {
	if p == nil {
		return
	}
	p.Subscribers.Set(float64(n))
}

func (p *Pipeline) IncHubDropped(reason string) {
	if p == nil {
		return
	}
	p.HubDropped.WithLabelValues(reason).Inc()
}

func (p *Pipeline) SetAdapterUp(adapter string, up bool) {
	if p == nil {
		return
	}
	v := 0.0
	if up {
		v = 1
	}
	p.AdapterUp.WithLabelValues(adapter).Set(v)
}

func (p *Pipeline) SetConsecutive(n int) {
	if p == nil {
		return
	}
	p.Consecutive.Set(float64(n))
}

func (p *Pipeline) ObserveClassify(seconds float64) {
	if p == nil {
		return
	}
	p.ClassifyTime.Observe(seconds)
}
