// Package ollama provides the Ollama implementation of llm.LLMClient.
// Ollama is a local runtime for open-weight models.
package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"

	"agentd/pkg/llm"
	"agentd/pkg/llmerrors"
	"agentd/pkg/tools"
)

// DefaultHost is used when the configured host URL cannot be parsed.
const DefaultHost = "http://localhost:11434"

// Client wraps the Ollama API client.
type Client struct {
	client  *api.Client
	model   string
	hostURL string
}

// NewOllamaClientWithModel creates a client for the server at hostURL.
func NewOllamaClientWithModel(hostURL, model string) llm.LLMClient {
	parsedURL, err := url.Parse(hostURL)
	if err != nil || parsedURL.Host == "" {
		parsedURL, _ = url.Parse(DefaultHost)
	}

	return &Client{
		client:  api.NewClient(parsedURL, http.DefaultClient),
		model:   model,
		hostURL: parsedURL.String(),
	}
}

func (o *Client) chatRequest(in *llm.CompletionRequest, stream bool) (*api.ChatRequest, error) {
	messages, err := convertMessagesToOllama(in.Messages)
	if err != nil {
		return nil, llmerrors.NewError(llmerrors.ErrorTypeBadPrompt, fmt.Sprintf("message conversion error: %v", err))
	}

	req := &api.ChatRequest{
		Model:    o.model,
		Messages: messages,
		Stream:   &stream,
		Options: map[string]any{
			"temperature": in.Temperature,
			"num_predict": in.MaxTokens,
		},
	}
	if len(in.Tools) > 0 {
		if req.Tools, err = convertToolsToOllama(in.Tools); err != nil {
			return nil, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeBadPrompt, err, "tool conversion error")
		}
	}
	return req, nil
}

// Complete implements llm.LLMClient.
//
//nolint:gocritic // CompletionRequest passed by value to match the interface
func (o *Client) Complete(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	req, err := o.chatRequest(&in, false)
	if err != nil {
		return llm.CompletionResponse{}, err
	}

	var response api.ChatResponse
	err = o.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		response = resp
		return nil
	})
	if err != nil {
		return llm.CompletionResponse{}, classifyError(err)
	}

	result := llm.CompletionResponse{
		Content:    response.Message.Content,
		StopReason: getStopReason(&response),
		Usage: llm.Usage{
			PromptTokens:     response.PromptEvalCount,
			CompletionTokens: response.EvalCount,
		},
	}
	if len(response.Message.ToolCalls) > 0 {
		if result.ToolCalls, err = convertToolCallsFromOllama(response.Message.ToolCalls); err != nil {
			return llm.CompletionResponse{}, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeUnknown, err, "malformed tool call")
		}
		result.StopReason = "tool_use"
	}
	if result.Content == "" && len(result.ToolCalls) == 0 {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "empty response from Ollama")
	}
	return result, nil
}

// Stream implements llm.LLMClient with Ollama's native streaming. Tool calls are
// not surfaced on the stream; use Complete for tool use.
//
//nolint:gocritic // CompletionRequest passed by value to match the interface
func (o *Client) Stream(ctx context.Context, in llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	req, err := o.chatRequest(&in, true)
	if err != nil {
		return nil, err
	}

	ch := make(chan llm.StreamChunk, 16)
	go func() {
		defer close(ch)
		err := o.client.Chat(ctx, req, func(resp api.ChatResponse) error {
			if resp.Message.Content != "" {
				select {
				case ch <- llm.StreamChunk{Content: resp.Message.Content}:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return nil
		})
		if err != nil {
			ch <- llm.StreamChunk{Error: classifyError(err)}
			return
		}
		ch <- llm.StreamChunk{Done: true}
	}()
	return ch, nil
}

// GetModelName returns the model name for this client.
func (o *Client) GetModelName() string {
	return o.model
}

// convertMessagesToOllama converts messages to Ollama's format. Tool results are
// sent as separate messages with role "tool".
func convertMessagesToOllama(messages []llm.CompletionMessage) ([]api.Message, error) {
	if len(messages) == 0 {
		return nil, fmt.Errorf("message list cannot be empty")
	}

	result := make([]api.Message, 0, len(messages))
	for i := range messages {
		msg := &messages[i]

		if len(msg.ToolResults) > 0 {
			for j := range msg.ToolResults {
				tr := &msg.ToolResults[j]
				result = append(result, api.Message{
					Role:       "tool",
					Content:    tr.Content,
					ToolCallID: tr.ToolCallID,
				})
			}
			if msg.Content != "" {
				result = append(result, api.Message{Role: string(llm.RoleUser), Content: msg.Content})
			}
			continue
		}

		ollamaMsg := api.Message{
			Role:    string(msg.Role),
			Content: msg.Content,
		}
		if len(msg.ToolCalls) > 0 {
			ollamaMsg.ToolCalls = make([]api.ToolCall, len(msg.ToolCalls))
			for j := range msg.ToolCalls {
				tc := &msg.ToolCalls[j]
				args := api.NewToolCallFunctionArguments()
				for k, v := range tc.Parameters {
					args.Set(k, v)
				}
				ollamaMsg.ToolCalls[j] = api.ToolCall{
					ID: tc.ID,
					Function: api.ToolCallFunction{
						Name:      tc.Name,
						Arguments: args,
					},
				}
			}
		}
		result = append(result, ollamaMsg)
	}
	return result, nil
}

// convertToolsToOllama converts tool definitions to Ollama's Tool format. The
// schema goes through JSON so Ollama's ordered property map is populated by its
// own decoder.
func convertToolsToOllama(toolDefs []tools.ToolDefinition) (api.Tools, error) {
	ollamaTools := make(api.Tools, len(toolDefs))
	for i := range toolDefs {
		td := &toolDefs[i]

		schema := td.InputSchema
		if schema.Type == "" {
			schema.Type = "object"
		}
		raw, err := json.Marshal(schema)
		if err != nil {
			return nil, fmt.Errorf("failed to encode schema for tool %s: %w", td.Name, err)
		}
		var params api.ToolFunctionParameters
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, fmt.Errorf("failed to decode schema for tool %s: %w", td.Name, err)
		}

		ollamaTools[i] = api.Tool{
			Type: "function",
			Function: api.ToolFunction{
				Name:        td.Name,
				Description: td.Description,
				Parameters:  params,
			},
		}
	}
	return ollamaTools, nil
}

// convertToolCallsFromOllama extracts tool calls, inventing IDs where the model
// did not supply one.
func convertToolCallsFromOllama(calls []api.ToolCall) ([]llm.ToolCall, error) {
	result := make([]llm.ToolCall, len(calls))
	for i := range calls {
		call := &calls[i]
		id := call.ID
		if id == "" {
			id = fmt.Sprintf("call_%d", i)
		}

		raw, err := json.Marshal(&call.Function.Arguments)
		if err != nil {
			return nil, fmt.Errorf("failed to encode arguments for %s: %w", call.Function.Name, err)
		}
		params := map[string]any{}
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, fmt.Errorf("failed to decode arguments for %s: %w", call.Function.Name, err)
		}

		result[i] = llm.ToolCall{
			ID:         id,
			Name:       call.Function.Name,
			Parameters: params,
		}
	}
	return result, nil
}

func getStopReason(resp *api.ChatResponse) string {
	if !resp.Done {
		return "incomplete"
	}
	switch resp.DoneReason {
	case "stop", "":
		return "end_turn"
	case "length":
		return "max_tokens"
	default:
		return resp.DoneReason
	}
}

func classifyError(err error) error {
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("ollama request canceled: %w", err)
	}

	var statusErr api.StatusError
	if errors.As(err, &statusErr) {
		e := llmerrors.NewErrorWithCause(llmerrors.TypeForStatus(statusErr.StatusCode), err, "Ollama API error")
		e.StatusCode = statusErr.StatusCode
		return e
	}

	errStr := err.Error()
	switch {
	case strings.Contains(errStr, "connection refused"):
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTransient, err, "Ollama server not reachable")
	case strings.Contains(errStr, "model") && strings.Contains(errStr, "not found"):
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeBadPrompt, err, "Ollama model not found")
	case errors.Is(err, context.DeadlineExceeded), strings.Contains(errStr, "timeout"):
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTransient, err, "request timeout")
	default:
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeUnknown, err, "Ollama API error")
	}
}
