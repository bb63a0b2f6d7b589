package metrics

import (
	"context"
	"time"

	"agentd/pkg/llm"
	"agentd/pkg/logx"
)

// Middleware records every Complete and Stream call on recorder. Token counts come
// from the provider's usage report when present and from counter otherwise. The
// agent label is taken from logx.AgentIDFromContext.
func Middleware(recorder Recorder, counter *llm.TokenCounter, logger *logx.Logger) llm.Middleware {
	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				start := time.Now()
				resp, err := next.Complete(ctx, req)
				duration := time.Since(start)

				var promptTokens, completionTokens int
				if err == nil {
					promptTokens, completionTokens = usage(counter, &req, &resp)
				}
				model := next.GetModelName()
				agentID := logx.AgentIDFromContext(ctx)
				recorder.ObserveRequest(model, agentID, promptTokens, completionTokens, err == nil, ErrorType(err), duration)

				if logger != nil {
					status := statusSuccess
					if err != nil {
						status = statusError
					}
					logger.Info("🎯 LLM Request: model=%s agent=%s tokens=%d+%d=%d status=%s duration=%dms",
						model, agentID, promptTokens, completionTokens, promptTokens+completionTokens, status, duration.Milliseconds())
				}
				return resp, err //nolint:wrapcheck // middleware passes errors through unchanged
			},
			func(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
				start := time.Now()
				ch, err := next.Stream(ctx, req)
				// Only setup is measured; counting tokens would mean consuming the stream.
				recorder.ObserveRequest(next.GetModelName(), logx.AgentIDFromContext(ctx), 0, 0, err == nil, ErrorType(err), time.Since(start))
				return ch, err //nolint:wrapcheck // middleware passes errors through unchanged
			},
			next.GetModelName,
		)
	}
}

func usage(counter *llm.TokenCounter, req *llm.CompletionRequest, resp *llm.CompletionResponse) (int, int) {
	prompt, completion := resp.Usage.PromptTokens, resp.Usage.CompletionTokens
	if prompt == 0 {
		prompt = counter.CountMessages(req.Messages)
	}
	if completion == 0 {
		completion = counter.Count(resp.Content)
	}
	return prompt, completion
}
