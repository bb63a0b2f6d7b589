// Package metrics records AI backend, task and tool metrics and queries them back
// from Prometheus.
package metrics

import (
	"context"
	"errors"
	"time"

	"agentd/pkg/llmerrors"
)

// Recorder receives operational measurements.
type Recorder interface {
	// ObserveRequest records one completed backend call.
	ObserveRequest(
		model, agentID string,
		promptTokens, completionTokens int,
		success bool,
		errorType string,
		duration time.Duration,
	)

	// IncRetry counts one retry scheduled by the retry wrapper.
	IncRetry(model, errorType string)

	// ObserveTask records a task reaching a terminal state.
	ObserveTask(outcome string, duration time.Duration)

	// IncToolCall counts one tool execution.
	IncToolCall(tool string, success bool)
}

// NoopRecorder discards everything.
type NoopRecorder struct{}

// Nop returns a recorder that discards all metrics.
func Nop() Recorder {
	return &NoopRecorder{}
}

func (n *NoopRecorder) ObserveRequest(_, _ string, _, _ int, _ bool, _ string, _ time.Duration) {}

func (n *NoopRecorder) IncRetry(_, _ string) {}

func (n *NoopRecorder) ObserveTask(_ string, _ time.Duration) {}

func (n *NoopRecorder) IncToolCall(_ string, _ bool) {}

// ErrorType classifies err for metric labels.
func ErrorType(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	}
	var llmErr *llmerrors.Error
	if errors.As(err, &llmErr) {
		return llmErr.Type.String()
	}
	return "unknown"
}
