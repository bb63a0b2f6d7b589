package retry

import (
	"context"
	"fmt"
	"time"

	"agentd/pkg/llm"
	"agentd/pkg/llmerrors"
)

// Do runs fn until it succeeds, returns a non-retryable error, the attempt budget is
// spent, or ctx ends. An exhausted budget on a retryable error is reported as
// llmerrors.ErrorTypeRetriesExhausted wrapping the last error.
func Do[T any](ctx context.Context, policy *Policy, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 1; attempt <= policy.Config.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := policy.CalculateDelay(attempt)
			if policy.OnRetry != nil {
				policy.OnRetry(attempt, lastErr, delay)
			}
			if delay > 0 {
				timer := time.NewTimer(delay)
				select {
				case <-ctx.Done():
					timer.Stop()
					return zero, fmt.Errorf("retry cancelled: %w", ctx.Err())
				case <-timer.C:
				}
			}
		}

		if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("retry cancelled: %w", err)
		}

		out, err := fn(ctx)
		if err == nil {
			return out, nil
		}
		lastErr = err

		// The caller's own context ending is final even if the error text looks transient.
		if ctx.Err() != nil || !policy.ShouldRetry(err) {
			return zero, err
		}
	}

	return zero, llmerrors.NewRetriesExhaustedError(lastErr, policy.Config.MaxAttempts)
}

// Middleware wraps an LLM client so Complete and Stream setup are retried per policy.
func Middleware(policy *Policy) llm.Middleware {
	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				return Do(ctx, policy, func(ctx context.Context) (llm.CompletionResponse, error) {
					return next.Complete(ctx, req)
				})
			},
			func(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
				return Do(ctx, policy, func(ctx context.Context) (<-chan llm.StreamChunk, error) {
					return next.Stream(ctx, req)
				})
			},
			next.GetModelName,
		)
	}
}
