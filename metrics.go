package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var jobDurationBuckets = []float64{.1, .5, 1, 5, 10, 30, 60, 300, 900}

// jobMetrics instruments the job server. Each server owns its registry.
type jobMetrics struct {
	registry *prometheus.Registry
	jobs     *prometheus.CounterVec
	running  prometheus.Gauge
	duration prometheus.Histogram
	pairs    *prometheus.CounterVec
	matches  *prometheus.CounterVec
}

func newJobMetrics() *jobMetrics {
	m := &jobMetrics{
		registry: prometheus.NewRegistry(),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gradients_jobs_total",
			Help: "Analysis jobs by final status.",
		}, []string{"status"}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gradients_jobs_running",
			Help: "Analysis jobs currently running.",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gradients_job_duration_seconds",
			Help:    "Wall time of finished analysis jobs.",
			Buckets: jobDurationBuckets,
		}),
		pairs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gradients_pairs_compared_total",
			Help: "School pairs visited by the comparator.",
		}, []string{"group"}),
		matches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gradients_matches_total",
			Help: "School pairs that passed the distance and difference filters.",
		}, []string{"group"}),
	}
	m.registry.MustRegister(
		m.jobs, m.running, m.duration, m.pairs, m.matches,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *jobMetrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
