// Package metrics exposes Prometheus instruments for the pipeline, intake,
// queue, and HTTP surface on a private registry.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"clipline/internal/jobqueue"
	"clipline/internal/metadata"
	"clipline/internal/services"
)

const namespace = "clipline"

// Metrics holds every collector. It implements pipeline.Observer and
// intake.Listener.
type Metrics struct {
	registry *prometheus.Registry

	stepDuration *prometheus.HistogramVec
	stepResults  *prometheus.CounterVec
	pipelines    *prometheus.CounterVec
	uploads      prometheus.Counter
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New registers the collectors on a fresh registry, including the Go and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "step_duration_seconds",
			Help:      "Wall time of pipeline step executions.",
			Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"step"}),
		stepResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "step_results_total",
			Help:      "Step executions by step and error code (empty on success).",
		}, []string{"step", "code"}),
		pipelines: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "runs_total",
			Help:      "Pipeline runs by resulting video status.",
		}, []string{"status"}),
		uploads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "intake",
			Name:      "uploads_total",
			Help:      "Accepted uploads.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, route, and status code.",
		}, []string{"method", "route", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.stepDuration, m.stepResults, m.pipelines, m.uploads, m.httpRequests, m.httpDuration,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) StepFinished(step string, elapsed time.Duration, err error) {
	m.stepDuration.WithLabelValues(step).Observe(elapsed.Seconds())
	m.stepResults.WithLabelValues(step, services.Code(err)).Inc()
}

// PipelineFinished counts runs by the video status they left behind. A
// failure that could not be persisted counts as "unrecorded".
func (m *Metrics) PipelineFinished(_ context.Context, v *metadata.Video, _ error) {
	status := "unrecorded"
	if v != nil {
		status = string(v.Status)
	}
	m.pipelines.WithLabelValues(status).Inc()
}

func (m *Metrics) Uploaded(context.Context, *metadata.Video) {
	m.uploads.Inc()
}

// ObserveRequest records one served HTTP request.
func (m *Metrics) ObserveRequest(method, route string, code int, elapsed time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

// WatchQueue exports the inspector's per-status job counts as a gauge
// collected on scrape.
func (m *Metrics) WatchQueue(inspector jobqueue.Inspector) error {
	return m.registry.Register(&queueCollector{
		inspector: inspector,
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "queue", "jobs"),
			"Jobs in the queue by status.",
			[]string{"status"}, nil,
		),
		up: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "queue", "up"),
			"Whether the queue answered the last scrape.",
			nil, nil,
		),
	})
}

type queueCollector struct {
	inspector jobqueue.Inspector
	desc      *prometheus.Desc
	up        *prometheus.Desc
}

func (c *queueCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
	ch <- c.up
}

func (c *queueCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	stats, err := c.inspector.Stats(ctx)
	if err != nil {
		ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 0)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 1)
	for status, count := range stats {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(count), string(status))
	}
}
