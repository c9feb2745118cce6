package worker

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry             *prometheus.Registry
	jobsTotal            *prometheus.CounterVec
	jobDuration          *prometheus.HistogramVec
	activeJobs           prometheus.Gauge
	encodeAttempts       *prometheus.HistogramVec
	encodeModeTotal      *prometheus.CounterVec
	budgetMissTotal      *prometheus.CounterVec
	pixelsProcessedTotal prometheus.Counter
	bytesSavedTotal      prometheus.Counter
	computeTimeMSTotal   prometheus.Counter
	webhookFailures      *prometheus.CounterVec
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &metrics{
		registry: registry,
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pixelfit_worker_jobs_total",
			Help: "Total worker jobs by source type and final status.",
		}, []string{"source_type", "status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pixelfit_worker_job_duration_seconds",
			Help:    "Total processing duration for each worker job.",
			Buckets: prometheus.DefBuckets,
		}, []string{"source_type", "status"}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pixelfit_worker_active_jobs",
			Help: "Current number of active processing jobs in the worker.",
		}),
		encodeAttempts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pixelfit_encode_attempts",
			Help:    "Encoder invocations needed per job.",
			Buckets: []float64{1, 2, 4, 8, 13, 20, 34},
		}, []string{"format"}),
		encodeModeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pixelfit_encode_mode_total",
			Help: "Finished encodes by the search mode that produced them.",
		}, []string{"format", "mode"}),
		budgetMissTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pixelfit_encode_budget_miss_total",
			Help: "Encodes returned above their byte budget.",
		}, []string{"format"}),
		pixelsProcessedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pixelfit_usage_pixels_processed_total",
			Help: "Total output pixels across all successful jobs.",
		}),
		bytesSavedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pixelfit_usage_bytes_saved_total",
			Help: "Total bytes saved across all successful jobs.",
		}),
		computeTimeMSTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pixelfit_usage_compute_time_ms_total",
			Help: "Total compute time in milliseconds across successful jobs.",
		}),
		webhookFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pixelfit_webhook_failures_total",
			Help: "Webhook deliveries that failed after all retries.",
		}, []string{"event"}),
	}

	registry.MustRegister(
		m.jobsTotal,
		m.jobDuration,
		m.activeJobs,
		m.encodeAttempts,
		m.encodeModeTotal,
		m.budgetMissTotal,
		m.pixelsProcessedTotal,
		m.bytesSavedTotal,
		m.computeTimeMSTotal,
		m.webhookFailures,
	)
	return m
}

func (m *metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
