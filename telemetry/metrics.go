package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus instruments exposed on /metrics.
type Metrics struct {
	registry *prometheus.Registry

	TasksTotal    *prometheus.CounterVec
	TaskDuration  *prometheus.HistogramVec
	ToolCalls     *prometheus.CounterVec
	ActiveTasks   prometheus.Gauge
	StreamClients prometheus.Gauge
}

// NewMetrics creates a self-contained metrics set on its own registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		TasksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "arbiter_tasks_total",
			Help: "Agent task executions by agent and outcome.",
		}, []string{"agent", "outcome"}),
		TaskDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "arbiter_task_duration_seconds",
			Help:    "Agent task execution time.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"agent"}),
		ToolCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "arbiter_tool_calls_total",
			Help: "Tool invocations by tool and outcome.",
		}, []string{"tool", "outcome"}),
		ActiveTasks: factory.NewGauge(prometheus.GaugeOpts{
			Name: "arbiter_active_tasks",
			Help: "Tasks currently executing.",
		}),
		StreamClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "arbiter_stream_clients",
			Help: "Connected SSE clients.",
		}),
	}
}

// Handler returns the HTTP handler serving this metrics set.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func outcomeLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// ObserveTask records one completed task.
func (m *Metrics) ObserveTask(agent string, seconds float64, success bool) {
	m.TasksTotal.WithLabelValues(agent, outcomeLabel(success)).Inc()
	m.TaskDuration.WithLabelValues(agent).Observe(seconds)
}

// ObserveToolCall records one tool invocation.
func (m *Metrics) ObserveToolCall(tool string, success bool) {
	m.ToolCalls.WithLabelValues(tool, outcomeLabel(success)).Inc()
}
