// Package retry retries AI backend calls with linear backoff.
//
// The schedule is deliberately simple and auditable: attempt 1 runs immediately and
// attempt n waits BaseDelay × (n-1) before it runs. There is no exponent, cap, or
// jitter, so with the defaults (3 attempts, 1s) a failing call takes 0s + 1s + 2s of
// waiting before the last error is returned.
package retry

import (
	"context"
	"errors"
	"strings"
	"time"

	"agentd/pkg/llmerrors"
)

// Defaults.
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = time.Second
)

// Config defines retry behaviour. MaxAttempts counts the first call.
type Config struct {
	MaxAttempts int           `json:"max_attempts"`
	BaseDelay   time.Duration `json:"base_delay"`
}

// DefaultConfig is 3 attempts with a 1s linear step.
//
//nolint:gochecknoglobals // default config pattern
var DefaultConfig = Config{
	MaxAttempts: DefaultMaxAttempts,
	BaseDelay:   DefaultBaseDelay,
}

// Classifier decides whether an error is worth another attempt.
type Classifier func(error) bool

// Observer is told about each retry before the backoff sleep.
type Observer func(attempt int, err error, delay time.Duration)

//nolint:gochecknoglobals // fixed marker list
var retryableMarkers = []string{
	"connection reset",
	"connection refused",
	"timeout",
	"rate limit",
	"rate_limit",
	"429",
	"502",
	"503",
	"504",
}

// ShouldRetry is the default classifier. Matching is a case-insensitive substring
// check against retryableMarkers, plus classified llmerrors and per-request deadlines.
// Caller cancellation is never retried.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	// Per-request HTTP timeouts surface as DeadlineExceeded while the caller's
	// context is still live; the retry loop checks the caller context separately.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var llmErr *llmerrors.Error
	if errors.As(err, &llmErr) && llmErr.IsRetryable() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range retryableMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// Policy bundles a Config with a classifier and an optional observer.
//
//nolint:govet // logical grouping preferred
type Policy struct {
	Config     Config
	Classifier Classifier
	OnRetry    Observer
}

// NewPolicy creates a policy. A nil classifier means ShouldRetry; zero fields take defaults.
func NewPolicy(config Config, classifier Classifier) *Policy {
	if classifier == nil {
		classifier = ShouldRetry
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultMaxAttempts
	}
	if config.BaseDelay < 0 {
		config.BaseDelay = 0
	}
	return &Policy{
		Config:     config,
		Classifier: classifier,
	}
}

// CalculateDelay returns the wait before the given 1-based attempt.
func (p *Policy) CalculateDelay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	return p.Config.BaseDelay * time.Duration(attempt-1)
}

func (p *Policy) ShouldRetry(err error) bool {
	return p.Classifier(err)
}
