// Package factory builds AI backend clients from configuration with the standard
// middleware chain.
package factory

import (
	"errors"
	"fmt"

	anthropicopt "github.com/anthropics/anthropic-sdk-go/option"
	openaiopt "github.com/openai/openai-go/option"

	"agentd/internal/llmimpl/anthropic"
	"agentd/internal/llmimpl/google"
	"agentd/internal/llmimpl/ollama"
	"agentd/internal/llmimpl/openaiofficial"
	"agentd/pkg/config"
	"agentd/pkg/llm"
	"agentd/pkg/logx"
	"agentd/pkg/metrics"
	"agentd/pkg/telemetry"
)

// ErrUnknownProvider is returned for a provider name with no client implementation.
var ErrUnknownProvider = errors.New("unknown provider")

// LLMClientFactory creates clients for the configured provider. Retry is not part
// of the chain; the task engine applies its own retry policy around each call.
type LLMClientFactory struct {
	cfg      *config.Config
	recorder metrics.Recorder
	counter  *llm.TokenCounter
	logger   *logx.Logger
}

// NewLLMClientFactory creates a factory. A nil recorder disables metrics.
func NewLLMClientFactory(cfg *config.Config, recorder metrics.Recorder) *LLMClientFactory {
	if recorder == nil {
		recorder = metrics.Nop()
	}
	return &LLMClientFactory{
		cfg:      cfg,
		recorder: recorder,
		counter:  llm.NewTokenCounter(),
		logger:   logx.NewLogger("llm-factory"),
	}
}

// CreateClient returns a client for model on the configured provider, wrapped as
// Telemetry -> Metrics -> RawClient. An empty model selects llm.model.
func (f *LLMClientFactory) CreateClient(model string) (llm.LLMClient, error) {
	if model == "" {
		model = f.cfg.LLM.Model
	}
	provider := f.cfg.LLM.Provider

	apiKey, err := config.GetAPIKey(f.cfg, provider)
	if err != nil {
		return nil, fmt.Errorf("failed to get API key for provider %s: %w", provider, err)
	}

	raw, err := NewRawClient(provider, apiKey, model, f.cfg.LLM.BaseURL)
	if err != nil {
		return nil, err
	}
	f.logger.Info("🔌 Created %s client for model %s", provider, model)

	return llm.Chain(raw,
		telemetry.Middleware(),
		metrics.Middleware(f.recorder, f.counter, f.logger),
	), nil
}

// NewRawClient creates an unwrapped provider client. For Ollama apiKey is the host
// URL, as returned by config.GetAPIKey.
func NewRawClient(provider, apiKey, model, baseURL string) (llm.LLMClient, error) {
	switch provider {
	case config.ProviderAnthropic:
		var opts []anthropicopt.RequestOption
		if baseURL != "" {
			opts = append(opts, anthropicopt.WithBaseURL(baseURL))
		}
		return anthropic.NewClaudeClientWithModel(apiKey, model, opts...), nil
	case config.ProviderOpenAI:
		var opts []openaiopt.RequestOption
		if baseURL != "" {
			opts = append(opts, openaiopt.WithBaseURL(baseURL))
		}
		return openaiofficial.NewOfficialClientWithModel(apiKey, model, opts...), nil
	case config.ProviderGoogle:
		return google.NewGeminiClientWithModel(apiKey, model, baseURL), nil
	case config.ProviderOllama:
		return ollama.NewOllamaClientWithModel(apiKey, model), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
}
