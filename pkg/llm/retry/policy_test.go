package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"agentd/pkg/llmerrors"
)

func TestShouldRetry(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"wrapped canceled", fmt.Errorf("post: %w", context.Canceled), false},
		{"deadline", context.DeadlineExceeded, true},
		{"wrapped deadline", fmt.Errorf("http: %w", context.DeadlineExceeded), true},
		{"connection reset", errors.New("read tcp: connection reset by peer"), true},
		{"connection refused", errors.New("dial tcp: Connection Refused"), true},
		{"timeout", errors.New("i/o Timeout"), true},
		{"rate limit text", errors.New("Rate Limit exceeded"), true},
		{"rate_limit marker", errors.New(`{"type":"rate_limit_error"}`), true},
		{"429", errors.New("status 429"), true},
		{"502", errors.New("502 bad gateway"), true},
		{"503", errors.New("503 service unavailable"), true},
		{"504", errors.New("504 gateway timeout"), true},
		{"classified transient", llmerrors.NewError(llmerrors.ErrorTypeTransient, "overloaded"), true},
		{"classified rate limit", llmerrors.NewError(llmerrors.ErrorTypeRateLimit, "slow"), true},
		{"auth", llmerrors.NewErrorWithStatus(llmerrors.ErrorTypeAuth, 401, "bad key"), false},
		{"400", errors.New("400 bad request"), false},
		{"plain", errors.New("model said no"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ShouldRetry(tt.err))
		})
	}
}

func TestCalculateDelayIsLinear(t *testing.T) {
	p := NewPolicy(DefaultConfig, nil)

	assert.Equal(t, time.Duration(0), p.CalculateDelay(1))
	assert.Equal(t, 1*time.Second, p.CalculateDelay(2))
	assert.Equal(t, 2*time.Second, p.CalculateDelay(3))
	assert.Equal(t, 9*time.Second, p.CalculateDelay(10))
}

func TestNewPolicyDefaults(t *testing.T) {
	p := NewPolicy(Config{BaseDelay: -time.Second}, nil)
	assert.Equal(t, DefaultMaxAttempts, p.Config.MaxAttempts)
	assert.Equal(t, time.Duration(0), p.Config.BaseDelay)
	assert.NotNil(t, p.Classifier)
}
