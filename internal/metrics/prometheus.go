package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"alerting/internal/alert"
)

// Prometheus exposes pipeline counters on a dedicated registry.
type Prometheus struct {
	registry    *prometheus.Registry
	evaluations prometheus.Histogram
	alerts      *prometheus.CounterVec
	deliveries  *prometheus.CounterVec
	errors      prometheus.Counter
	custom      *prometheus.CounterVec
}

// NewPrometheus creates a recorder whose metrics are prefixed with namespace.
func NewPrometheus(namespace string) *Prometheus {
	p := &Prometheus{
		registry: prometheus.NewRegistry(),
		evaluations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "device_evaluation_seconds",
			Help:      "Duration of one device evaluation.",
			Buckets:   prometheus.DefBuckets,
		}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Alert records persisted, by initial status.",
		}, []string{"status"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Channel delivery attempts, by method and outcome.",
		}, []string{"method", "outcome"}),
		errors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Unit-of-work failures.",
		}),
		custom: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Named pipeline events.",
		}, []string{"event"}),
	}
	p.registry.MustRegister(p.evaluations, p.alerts, p.deliveries, p.errors, p.custom)
	return p
}

func (p *Prometheus) RecordEvaluation(d time.Duration) {
	p.evaluations.Observe(d.Seconds())
}

func (p *Prometheus) RecordAlert(status alert.Status) {
	p.alerts.WithLabelValues(string(status)).Inc()
}

func (p *Prometheus) RecordDelivery(method alert.Method, success bool) {
	outcome := "failed"
	if success {
		outcome = "success"
	}
	p.deliveries.WithLabelValues(string(method), outcome).Inc()
}

func (p *Prometheus) RecordError() {
	p.errors.Inc()
}

func (p *Prometheus) IncrementCustom(name string) {
	p.custom.WithLabelValues(name).Inc()
}

// Registry returns the registry the recorder's metrics are registered on.
func (p *Prometheus) Registry() *prometheus.Registry {
	return p.registry
}

// Handler serves the registry in the Prometheus text format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
