package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	statusSuccess = "success"
	statusError   = "error"
)

// PrometheusRecorder implements Recorder with Prometheus collectors.
type PrometheusRecorder struct {
	requestsTotal   *prometheus.CounterVec
	tokensTotal     *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	retriesTotal    *prometheus.CounterVec
	tasksTotal      *prometheus.CounterVec
	taskDuration    *prometheus.HistogramVec
	toolCallsTotal  *prometheus.CounterVec
}

// NewPrometheusRecorder registers collectors on reg. A nil reg uses the default
// registerer.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusRecorder{
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_requests_total",
				Help: "Total number of LLM requests by model, agent and status",
			},
			[]string{"model", "agent_id", "status", "error_type"},
		),
		tokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_tokens_total",
				Help: "Total number of tokens used in LLM requests",
			},
			[]string{"model", "agent_id", "type"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "llm_request_duration_seconds",
				Help:    "Duration of LLM requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"model", "agent_id"},
		),
		retriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_retries_total",
				Help: "Total number of retried LLM requests",
			},
			[]string{"model", "error_type"},
		),
		tasksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_tasks_total",
				Help: "Total number of finished tasks by outcome",
			},
			[]string{"outcome"},
		),
		taskDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agent_task_duration_seconds",
				Help:    "Wall time of tasks from start to terminal state",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
			},
			[]string{"outcome"},
		),
		toolCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_tool_calls_total",
				Help: "Total number of sandbox tool executions",
			},
			[]string{"tool", "status"},
		),
	}
}

// ObserveRequest records metrics for a completed LLM request.
func (p *PrometheusRecorder) ObserveRequest(
	model, agentID string,
	promptTokens, completionTokens int,
	success bool,
	errorType string,
	duration time.Duration,
) {
	status := statusSuccess
	if !success {
		status = statusError
	}
	p.requestsTotal.WithLabelValues(model, agentID, status, errorType).Inc()

	if success {
		p.tokensTotal.WithLabelValues(model, agentID, "prompt").Add(float64(promptTokens))
		p.tokensTotal.WithLabelValues(model, agentID, "completion").Add(float64(completionTokens))
	}
	p.requestDuration.WithLabelValues(model, agentID).Observe(duration.Seconds())
}

func (p *PrometheusRecorder) IncRetry(model, errorType string) {
	p.retriesTotal.WithLabelValues(model, errorType).Inc()
}

func (p *PrometheusRecorder) ObserveTask(outcome string, duration time.Duration) {
	p.tasksTotal.WithLabelValues(outcome).Inc()
	p.taskDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

func (p *PrometheusRecorder) IncToolCall(tool string, success bool) {
	status := statusSuccess
	if !success {
		status = statusError
	}
	p.toolCallsTotal.WithLabelValues(tool, status).Inc()
}

// Handler serves the collectors registered on g. A nil g serves the default gatherer.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
