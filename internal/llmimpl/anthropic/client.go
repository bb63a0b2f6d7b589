// Package anthropic provides the Anthropic Claude implementation of llm.LLMClient.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"agentd/pkg/llm"
	"agentd/pkg/llmerrors"
	"agentd/pkg/tools"
)

// ClaudeClient wraps the Anthropic API client to implement llm.LLMClient.
//
//nolint:govet // Simple client struct, logical grouping preferred
type ClaudeClient struct {
	client anthropic.Client
	model  anthropic.Model
}

// NewClaudeClientWithModel creates a raw Claude client. SDK-level retries are
// disabled; retry policy is applied above the client.
func NewClaudeClientWithModel(apiKey, model string, opts ...option.RequestOption) llm.LLMClient {
	all := append([]option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}, opts...)
	return &ClaudeClient{
		client: anthropic.NewClient(all...),
		model:  anthropic.Model(model),
	}
}

// turn is one role-homogeneous message being assembled for the API.
type turn struct {
	role   llm.CompletionRole
	blocks []anthropic.ContentBlockParamUnion
}

// ensureAlternation prepares messages for Anthropic API requirements.
//  1. System messages are lifted into the top-level system parameter.
//  2. User and tool messages are merged into user turns; tool results become
//     tool_result blocks.
//  3. Consecutive assistant messages are merged.
//  4. The sequence must start and end with a user turn.
func ensureAlternation(messages []llm.CompletionMessage) (string, []turn, error) {
	if len(messages) == 0 {
		return "", nil, fmt.Errorf("message list cannot be empty")
	}

	systemPrompt, rest := llm.SplitSystem(messages)
	if len(rest) == 0 {
		return "", nil, fmt.Errorf("must have at least one non-system message")
	}

	var turns []turn
	for i := range rest {
		msg := &rest[i]

		role := llm.RoleUser
		var blocks []anthropic.ContentBlockParamUnion
		switch msg.Role {
		case llm.RoleAssistant:
			role = llm.RoleAssistant
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for j := range msg.ToolCalls {
				tc := &msg.ToolCalls[j]
				input := tc.Parameters
				if input == nil {
					input = map[string]any{}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
			}
		case llm.RoleTool:
			for j := range msg.ToolResults {
				tr := &msg.ToolResults[j]
				blocks = append(blocks, anthropic.NewToolResultBlock(tr.ToolCallID, tr.Content, tr.IsError))
			}
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
		case llm.RoleUser:
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
		default:
			return "", nil, fmt.Errorf("unsupported message role %q at index %d", msg.Role, i)
		}

		// Anthropic rejects empty text blocks, so empty messages are skipped entirely.
		if len(blocks) == 0 {
			continue
		}

		if n := len(turns); n > 0 && turns[n-1].role == role {
			turns[n-1].blocks = append(turns[n-1].blocks, blocks...)
			continue
		}
		turns = append(turns, turn{role: role, blocks: blocks})
	}

	if err := validatePreSend(turns); err != nil {
		return "", nil, err
	}
	return systemPrompt, turns, nil
}

// validatePreSend catches sequences the API would reject before spending a request.
func validatePreSend(turns []turn) error {
	if len(turns) == 0 {
		return fmt.Errorf("no non-empty messages to send")
	}
	if turns[0].role != llm.RoleUser {
		return fmt.Errorf("first message must be user role, got: %s", turns[0].role)
	}
	if last := turns[len(turns)-1]; last.role != llm.RoleUser {
		return fmt.Errorf("last message must be user role, got: %s", last.role)
	}
	return nil
}

// convertTools maps tool definitions to Anthropic tool params.
func convertTools(defs []tools.ToolDefinition) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(defs))
	for i := range defs {
		def := &defs[i]
		props := make(map[string]any, len(def.InputSchema.Properties))
		for name := range def.InputSchema.Properties {
			prop := def.InputSchema.Properties[name]
			props[name] = propertySchema(&prop)
		}
		tool := anthropic.ToolParam{
			Name: def.Name,
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: props,
				Required:   def.InputSchema.Required,
			},
		}
		if def.Description != "" {
			tool.Description = anthropic.String(def.Description)
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &tool})
	}
	return out
}

func propertySchema(prop *tools.Property) map[string]any {
	schema := map[string]any{"type": prop.Type}
	if prop.Description != "" {
		schema["description"] = prop.Description
	}
	if len(prop.Enum) > 0 {
		schema["enum"] = prop.Enum
	}
	if prop.Items != nil {
		schema["items"] = propertySchema(prop.Items)
	}
	if len(prop.Properties) > 0 {
		children := make(map[string]any, len(prop.Properties))
		for name, child := range prop.Properties {
			if child != nil {
				children[name] = propertySchema(child)
			}
		}
		schema["properties"] = children
	}
	return schema
}

func toolChoice(choice string) anthropic.ToolChoiceUnionParam {
	switch choice {
	case "any", "tool":
		return anthropic.ToolChoiceUnionParam{OfAny: &anthropic.ToolChoiceAnyParam{}}
	default:
		return anthropic.ToolChoiceUnionParam{OfAuto: &anthropic.ToolChoiceAutoParam{}}
	}
}

// Complete implements llm.LLMClient.
//
//nolint:gocritic // CompletionRequest passed by value to match the interface
func (c *ClaudeClient) Complete(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	systemPrompt, turns, err := ensureAlternation(in.Messages)
	if err != nil {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeBadPrompt, fmt.Sprintf("message alternation error: %v", err))
	}

	messages := make([]anthropic.MessageParam, 0, len(turns))
	for i := range turns {
		if turns[i].role == llm.RoleAssistant {
			messages = append(messages, anthropic.NewAssistantMessage(turns[i].blocks...))
		} else {
			messages = append(messages, anthropic.NewUserMessage(turns[i].blocks...))
		}
	}

	maxTokens := in.MaxTokens
	if maxTokens <= 0 {
		maxTokens = llm.DefaultMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:       c.model,
		Messages:    messages,
		MaxTokens:   int64(maxTokens),
		Temperature: anthropic.Float(float64(in.Temperature)),
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemPrompt}}
	}
	if len(in.Tools) > 0 {
		params.Tools = convertTools(in.Tools)
		params.ToolChoice = toolChoice(in.ToolChoice)
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return llm.CompletionResponse{}, classifyError(err)
	}
	if resp == nil || len(resp.Content) == 0 {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "received empty or nil response from Claude API")
	}

	var text strings.Builder
	var toolCalls []llm.ToolCall
	for i := range resp.Content {
		block := &resp.Content[i]
		switch block.Type {
		case "text":
			text.WriteString(block.AsText().Text)
		case "tool_use":
			use := block.AsToolUse()
			var params map[string]any
			if len(use.Input) > 0 {
				if err := json.Unmarshal(use.Input, &params); err != nil {
					return llm.CompletionResponse{}, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeUnknown, err, "failed to parse tool input")
				}
			}
			toolCalls = append(toolCalls, llm.ToolCall{
				ID:         use.ID,
				Name:       use.Name,
				Parameters: params,
			})
		}
	}

	return llm.CompletionResponse{
		Content:    text.String(),
		ToolCalls:  toolCalls,
		StopReason: string(resp.StopReason),
		Usage: llm.Usage{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
		},
	}, nil
}

// Stream implements llm.LLMClient as a single chunk from Complete.
//
//nolint:gocritic // CompletionRequest passed by value to match the interface
func (c *ClaudeClient) Stream(ctx context.Context, in llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	return llm.StreamFromComplete(ctx, c, in)
}

// GetModelName returns the model name for this client.
func (c *ClaudeClient) GetModelName() string {
	return string(c.model)
}

// classifyError maps Anthropic SDK errors to llmerrors types. The SDK's typed
// error carries the HTTP status; anything else falls back to message patterns.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTransient, err, "request timeout")
	}
	if errors.Is(err, context.Canceled) {
		// Not retryable: the caller went away.
		return fmt.Errorf("anthropic request canceled: %w", err)
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		status := apiErr.StatusCode
		e := llmerrors.NewErrorWithCause(llmerrors.TypeForStatus(status), err, fmt.Sprintf("anthropic API returned status %d", status))
		e.StatusCode = status
		return e
	}

	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "timeout"),
		strings.Contains(lower, "connection"),
		strings.Contains(lower, "eof"),
		strings.Contains(lower, "reset"):
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTransient, err, "network or connection error")
	case strings.Contains(lower, "rate"), strings.Contains(lower, "quota"):
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeRateLimit, err, "rate limiting detected")
	case strings.Contains(lower, "unauthorized"), strings.Contains(lower, "api key"):
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeAuth, err, "authentication error")
	default:
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeUnknown, err, "unclassified error")
	}
}
