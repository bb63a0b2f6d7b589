// Package toolloop drives the request/response cycle in which the model calls
// workspace tools until it produces a final answer.
package toolloop

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"agentd/pkg/llm"
	"agentd/pkg/logx"
	"agentd/pkg/permission"
	"agentd/pkg/tools"
)

// Defaults.
const (
	DefaultMaxIterations = 20
	DefaultMaxTokens     = llm.DefaultMaxTokens
)

// ToolProvider is what the loop needs from a tool registry.
type ToolProvider interface {
	Get(name string) (tools.Tool, bool)
	Definitions() []tools.ToolDefinition
}

// Gate authorises mutating tool calls. *permission.Gate implements it.
type Gate interface {
	Authorize(ctx context.Context, action permission.Action, mode permission.Mode) (bool, string, error)
}

// Observer sees every call and result, including those of a loop that later fails.
type Observer interface {
	OnToolCall(call llm.ToolCall)
	OnToolResult(call llm.ToolCall, result llm.ToolResult)
}

// Config defines one loop run.
//
//nolint:govet // fields ordered for readability
type Config struct {
	SystemPrompt string
	UserPrompt   string
	// History is prior conversation inserted between the system and user prompts.
	History []llm.CompletionMessage

	Tools    ToolProvider
	Gate     Gate // nil allows everything
	Mode     permission.Mode
	Observer Observer // optional

	AgentID       string
	MaxIterations int
	MaxTokens     int
	Temperature   float32
}

// Result is a completed run.
type Result struct {
	Content    string
	Iterations int
	ToolCalls  int
	Messages   []llm.CompletionMessage
}

// ToolLoop runs tool-calling conversations against one client.
type ToolLoop struct {
	llmClient llm.LLMClient
	logger    *logx.Logger
	tracer    trace.Tracer
}

// New creates a ToolLoop. A nil logger gets a "toolloop" logger.
func New(llmClient llm.LLMClient, logger *logx.Logger) *ToolLoop {
	if logger == nil {
		logger = logx.NewLogger("toolloop")
	}
	return &ToolLoop{
		llmClient: llmClient,
		logger:    logger,
		tracer:    otel.Tracer("agentd/toolloop"),
	}
}

// Run sends the conversation until a response carries no tool calls, then returns
// its content. Tool calls in one response run in order; gated tools pass the
// permission gate first and a refusal becomes a failed tool result for the model.
// ctx is checked before every backend call and every tool call.
func (tl *ToolLoop) Run(ctx context.Context, cfg *Config) (*Result, error) {
	if cfg.Tools == nil {
		return nil, ErrNoTools
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}

	messages := make([]llm.CompletionMessage, 0, len(cfg.History)+2)
	if cfg.SystemPrompt != "" {
		messages = append(messages, llm.NewSystemMessage(cfg.SystemPrompt))
	}
	messages = append(messages, cfg.History...)
	if cfg.UserPrompt != "" {
		messages = append(messages, llm.NewUserMessage(cfg.UserPrompt))
	}
	toolDefs := cfg.Tools.Definitions()
	result := &Result{}

	for iteration := 1; iteration <= cfg.MaxIterations; iteration++ {
		if err := ctx.Err(); err != nil {
			return result, fmt.Errorf("tool loop interrupted: %w", err)
		}
		result.Iterations = iteration

		req := llm.CompletionRequest{
			Messages:    messages,
			Tools:       toolDefs,
			MaxTokens:   cfg.MaxTokens,
			Temperature: cfg.Temperature,
		}

		tl.logger.Info("🔄 Starting LLM call to model '%s' with %d messages, %d tools (iteration %d)",
			tl.llmClient.GetModelName(), len(messages), len(toolDefs), iteration)

		start := time.Now()
		resp, err := tl.llmClient.Complete(ctx, req)
		if err != nil {
			tl.logger.Error("❌ LLM call failed after %.3gs: %v", time.Since(start).Seconds(), err)
			return result, fmt.Errorf("LLM completion failed: %w", err)
		}
		tl.logger.Info("✅ LLM call completed in %.3gs, response length: %d chars, tool calls: %d",
			time.Since(start).Seconds(), len(resp.Content), len(resp.ToolCalls))

		messages = append(messages, llm.NewAssistantMessage(resp.Content, resp.ToolCalls))

		if len(resp.ToolCalls) == 0 {
			result.Content = resp.Content
			result.Messages = messages
			return result, nil
		}

		results := make([]llm.ToolResult, 0, len(resp.ToolCalls))
		for i := range resp.ToolCalls {
			if err := ctx.Err(); err != nil {
				return result, fmt.Errorf("tool loop interrupted: %w", err)
			}
			tr, err := tl.runTool(ctx, cfg, &resp.ToolCalls[i])
			if err != nil {
				return result, err
			}
			result.ToolCalls++
			results = append(results, tr)
		}
		messages = append(messages, llm.NewToolResultMessage(results))
	}

	tl.logger.Warn("⚠️  Maximum tool iterations (%d) reached", cfg.MaxIterations)
	result.Messages = messages
	return result, fmt.Errorf("%w (%d)", ErrMaxIterations, cfg.MaxIterations)
}

// runTool executes one call. Only a cancelled permission wait is returned as an error;
// every other failure becomes an error result for the model.
func (tl *ToolLoop) runTool(ctx context.Context, cfg *Config, call *llm.ToolCall) (llm.ToolResult, error) {
	ctx, span := tl.tracer.Start(ctx, "tool."+call.Name, trace.WithAttributes(
		attribute.String("agent.id", cfg.AgentID),
		attribute.String("tool.name", call.Name),
	))
	defer span.End()

	if cfg.Observer != nil {
		cfg.Observer.OnToolCall(*call)
	}
	finish := func(content string, isError bool) llm.ToolResult {
		tr := llm.ToolResult{ToolCallID: call.ID, Name: call.Name, Content: content, IsError: isError}
		if isError {
			span.SetStatus(codes.Error, "tool failed")
		}
		if cfg.Observer != nil {
			cfg.Observer.OnToolResult(*call, tr)
		}
		return tr
	}

	tool, ok := cfg.Tools.Get(call.Name)
	if !ok {
		tl.logger.Warn("model requested unknown tool %q", call.Name)
		return finish(failureJSON(fmt.Sprintf("unknown tool %q", call.Name)), true), nil
	}

	if gated, isGated := tool.(tools.Gated); isGated && cfg.Gate != nil {
		action := gated.PermissionAction(call.Parameters)
		allowed, reason, err := cfg.Gate.Authorize(ctx, permission.Action{
			AgentID:    cfg.AgentID,
			ActionType: action.Type,
			Descriptor: action.Descriptor,
			Details:    action.Details,
		}, cfg.Mode)
		if err != nil {
			finish(failureJSON(err.Error()), true)
			return llm.ToolResult{}, fmt.Errorf("permission wait for %s: %w", call.Name, err)
		}
		if !allowed {
			tl.logger.Info("🚫 Tool %s not permitted: %s", call.Name, reason)
			return finish(failureJSON(reason), true), nil
		}
	}

	start := time.Now()
	out, err := tool.Exec(ctx, call.Parameters)
	if err != nil {
		tl.logger.Error("Tool %s failed after %.3fs: %v", call.Name, time.Since(start).Seconds(), err)
		return finish(failureJSON(fmt.Sprintf("Tool failed: %v", err)), true), nil
	}
	tl.logger.Info("Tool %s completed in %.3fs", call.Name, time.Since(start).Seconds())
	return finish(out.Content, out.IsError), nil
}

func failureJSON(msg string) string {
	b, _ := json.Marshal(map[string]any{"success": false, "error": msg})
	return string(b)
}
