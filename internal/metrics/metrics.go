package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Health check metrics
	ChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "monitor_checks_total",
			Help: "Total number of health checks by service type and status",
		},
		[]string{"service_type", "status"},
	)

	CheckDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "monitor_check_duration_seconds",
			Help:    "Health check response time in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service_type"},
	)

	CheckRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "monitor_check_retries_total",
			Help: "Total number of health check retries by service type",
		},
		[]string{"service_type"},
	)

	// Incident metrics
	IncidentsOpened = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "monitor_incidents_opened_total",
			Help: "Total number of incidents opened",
		},
	)

	IncidentsClosed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "monitor_incidents_closed_total",
			Help: "Total number of incidents closed",
		},
	)

	IncidentsCorrelated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "monitor_incidents_correlated_total",
			Help: "Total number of incidents linked to a root cause",
		},
	)

	// Alert metrics
	AlertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "monitor_alerts_total",
			Help: "Total number of alerts by type and delivery status",
		},
		[]string{"type", "status"},
	)

	AlertsSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "monitor_alerts_skipped_total",
			Help: "Total number of alerts skipped by reason",
		},
		[]string{"reason"},
	)

	// Scheduler metrics
	JobExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "monitor_job_executions_total",
			Help: "Total number of scheduled job executions",
		},
		[]string{"job"},
	)

	JobFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "monitor_job_failures_total",
			Help: "Total number of failed scheduled job executions",
		},
		[]string{"job"},
	)

	// Connection pool metrics
	PooledClients = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "monitor_pooled_clients",
			Help: "Number of cached clients by service type",
		},
		[]string{"service_type"},
	)

	// Host metrics
	HostCPUPercent = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "monitor_host_cpu_percent",
			Help: "CPU usage of the monitoring host",
		},
	)

	HostMemoryPercent = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "monitor_host_memory_percent",
			Help: "Memory usage of the monitoring host",
		},
	)
)

func init() {
	prometheus.MustRegister(ChecksTotal)
	prometheus.MustRegister(CheckDuration)
	prometheus.MustRegister(CheckRetries)
	prometheus.MustRegister(IncidentsOpened)
	prometheus.MustRegister(IncidentsClosed)
	prometheus.MustRegister(IncidentsCorrelated)
	prometheus.MustRegister(AlertsTotal)
	prometheus.MustRegister(AlertsSkipped)
	prometheus.MustRegister(JobExecutions)
	prometheus.MustRegister(JobFailures)
	prometheus.MustRegister(PooledClients)
	prometheus.MustRegister(HostCPUPercent)
	prometheus.MustRegister(HostMemoryPercent)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
