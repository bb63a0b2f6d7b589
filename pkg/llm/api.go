// Package llm defines the provider-neutral AI backend interface used by agents.
package llm

import (
	"context"
	"fmt"
	"io"
	"strings"

	"agentd/pkg/tools"
)

// CompletionRole is the author of a conversation message.
type CompletionRole string

const (
	RoleSystem    CompletionRole = "system"
	RoleUser      CompletionRole = "user"
	RoleAssistant CompletionRole = "assistant"
	// RoleTool carries tool results back to the model.
	RoleTool CompletionRole = "tool"
)

// Request defaults.
const (
	DefaultMaxTokens = 4096

	// TemperatureDeterministic is used for code generation.
	TemperatureDeterministic = 0.2
)

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	Parameters map[string]any `json:"parameters"`
	ID         string         `json:"id"`
	Name       string         `json:"name"`
}

// ToolResult answers a ToolCall.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error"`
}

// CompletionMessage is one entry of the conversation sent to the backend.
// Assistant messages may carry ToolCalls; tool messages carry ToolResults.
type CompletionMessage struct {
	Role        CompletionRole
	Content     string
	ToolCalls   []ToolCall
	ToolResults []ToolResult
}

// CompletionRequest is a single backend call.
//
//nolint:govet // fieldalignment: value semantics preferred
type CompletionRequest struct {
	Messages    []CompletionMessage
	Tools       []tools.ToolDefinition
	ToolChoice  string
	MaxTokens   int
	Temperature float32
}

// CompletionResponse is the backend reply.
//
//nolint:govet // fieldalignment: value semantics preferred
type CompletionResponse struct {
	ToolCalls  []ToolCall
	Content    string
	StopReason string // "end_turn", "tool_use", "max_tokens", ...
	Usage      Usage
}

// Usage reports token accounting when the provider returns it.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// StreamChunk is one piece of a streamed completion.
type StreamChunk struct {
	Error   error
	Content string
	Done    bool
}

// LLMClient is the AI backend abstraction.
type LLMClient interface { //nolint:revive // established name
	// Complete generates a completion synchronously.
	Complete(ctx context.Context, in CompletionRequest) (CompletionResponse, error)

	// Stream generates a completion as a stream of chunks. The channel is closed after
	// the chunk with Done or Error set.
	Stream(ctx context.Context, in CompletionRequest) (<-chan StreamChunk, error)

	GetModelName() string
}

// NewCompletionRequest creates a request with default limits.
func NewCompletionRequest(messages []CompletionMessage) CompletionRequest {
	return CompletionRequest{
		Messages:    messages,
		MaxTokens:   DefaultMaxTokens,
		Temperature: TemperatureDeterministic,
	}
}

func NewSystemMessage(content string) CompletionMessage {
	return CompletionMessage{Role: RoleSystem, Content: content}
}

func NewUserMessage(content string) CompletionMessage {
	return CompletionMessage{Role: RoleUser, Content: content}
}

func NewAssistantMessage(content string, calls []ToolCall) CompletionMessage {
	return CompletionMessage{Role: RoleAssistant, Content: content, ToolCalls: calls}
}

func NewToolResultMessage(results []ToolResult) CompletionMessage {
	return CompletionMessage{Role: RoleTool, ToolResults: results}
}

// SplitSystem separates system messages from the rest. Providers that take the system
// prompt out of band use it; multiple system messages are joined by blank lines.
func SplitSystem(messages []CompletionMessage) (string, []CompletionMessage) {
	var system []string
	rest := make([]CompletionMessage, 0, len(messages))
	for i := range messages {
		if messages[i].Role == RoleSystem {
			if messages[i].Content != "" {
				system = append(system, messages[i].Content)
			}
			continue
		}
		rest = append(rest, messages[i])
	}
	return strings.Join(system, "\n\n"), rest
}

// Config is what a provider client is constructed from.
type Config struct {
	APIKey      string
	BaseURL     string
	ModelName   string
	MaxTokens   int
	Temperature float32
}

// Validate checks the fields every provider needs.
func (c *Config) Validate() error {
	if c.ModelName == "" {
		return fmt.Errorf("model name cannot be empty")
	}
	if c.MaxTokens <= 0 {
		return fmt.Errorf("max tokens must be positive")
	}
	if c.Temperature < 0.0 || c.Temperature > 2.0 {
		return fmt.Errorf("temperature must be between 0.0 and 2.0")
	}
	return nil
}

// StreamToReader adapts a chunk channel to an io.Reader.
func StreamToReader(stream <-chan StreamChunk) io.Reader {
	pr, pw := io.Pipe()

	go func() {
		defer pw.Close()
		for chunk := range stream {
			if chunk.Error != nil {
				pw.CloseWithError(chunk.Error)
				return
			}
			if _, err := pw.Write([]byte(chunk.Content)); err != nil {
				pw.CloseWithError(err)
				return
			}
			if chunk.Done {
				return
			}
		}
	}()

	return pr
}

// StreamFromComplete builds a Stream implementation for backends that only do
// synchronous completion: one content chunk followed by Done.
func StreamFromComplete(ctx context.Context, client LLMClient, in CompletionRequest) (<-chan StreamChunk, error) {
	ch := make(chan StreamChunk, 2)
	go func() {
		defer close(ch)
		resp, err := client.Complete(ctx, in)
		if err != nil {
			ch <- StreamChunk{Error: err}
			return
		}
		ch <- StreamChunk{Content: resp.Content}
		ch <- StreamChunk{Done: true}
	}()
	return ch, nil
}
