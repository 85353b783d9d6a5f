package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Deployment metrics
	DeploymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mender_agent_deployments_total",
			Help: "Total number of deployments processed by final status",
		},
		[]string{"status"},
	)

	DeploymentDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mender_agent_deployment_duration_seconds",
			Help:    "Time from deployment discovery to terminal state, in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
	)

	RollbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mender_agent_rollbacks_total",
			Help: "Total number of payload rollbacks by reason",
		},
		[]string{"reason"},
	)

	ArtifactBytesWritten = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mender_agent_artifact_bytes_written_total",
			Help: "Total number of payload bytes streamed into flash",
		},
	)

	// Scheduler metrics
	WorkItemExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mender_agent_work_item_executions_total",
			Help: "Total number of work item executions by name and outcome",
		},
		[]string{"name", "outcome"},
	)

	WorkItemDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mender_agent_work_item_dropped_total",
			Help: "Total number of timer firings dropped because the work item was already busy",
		},
		[]string{"name"},
	)

	WorkItemLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mender_agent_work_item_duration_seconds",
			Help:    "Work item execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"name"},
	)

	// Authentication metrics
	AuthAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mender_agent_auth_attempts_total",
			Help: "Total number of authentication attempts by outcome",
		},
		[]string{"outcome"},
	)

	// Interactive channel metrics
	ProtocolMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mender_agent_protocol_messages_total",
			Help: "Total number of interactive channel messages by proto and direction",
		},
		[]string{"proto", "direction"},
	)

	ShellSessionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mender_agent_shell_sessions_total",
			Help: "Total number of shell sessions opened",
		},
	)

	ShellSessionsClosed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mender_agent_shell_sessions_closed_total",
			Help: "Total number of shell sessions closed",
		},
	)
)

func init() {
	prometheus.MustRegister(
		DeploymentsTotal,
		DeploymentDuration,
		RollbacksTotal,
		ArtifactBytesWritten,
		WorkItemExecutions,
		WorkItemDropped,
		WorkItemLatency,
		AuthAttemptsTotal,
		ProtocolMessagesTotal,
		ShellSessionsTotal,
		ShellSessionsClosed,
	)
}

// Handler returns the Prometheus HTTP handler for the agent's local metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations against a histogram.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
