package llm

import (
	"fmt"

	"github.com/tiktoken-go/tokenizer"
)

// perMessageOverhead approximates role and framing tokens per message.
const perMessageOverhead = 4

// TokenCounter estimates prompt size. Every provider is approximated with the GPT-4
// encoding; exact counts are not needed for budgeting.
type TokenCounter struct {
	codec tokenizer.Codec
}

// NewTokenCounter creates a counter. On codec failure it falls back to len/4.
func NewTokenCounter() *TokenCounter {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return &TokenCounter{}
	}
	return &TokenCounter{codec: codec}
}

// Count returns the token estimate for text.
func (tc *TokenCounter) Count(text string) int {
	if tc == nil || tc.codec == nil {
		return len(text) / 4
	}
	n, err := tc.codec.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return n
}

// CountMessage estimates one message including tool traffic.
func (tc *TokenCounter) CountMessage(m *CompletionMessage) int {
	n := perMessageOverhead + tc.Count(m.Content)
	for i := range m.ToolCalls {
		n += tc.Count(m.ToolCalls[i].Name) + tc.Count(fmt.Sprint(m.ToolCalls[i].Parameters))
	}
	for i := range m.ToolResults {
		n += tc.Count(m.ToolResults[i].Content)
	}
	return n
}

// CountMessages estimates a whole conversation.
func (tc *TokenCounter) CountMessages(messages []CompletionMessage) int {
	total := 0
	for i := range messages {
		total += tc.CountMessage(&messages[i])
	}
	return total
}

// TrimToBudget drops the oldest messages until the estimate fits budget. System
// messages and the final message are always kept, so the result may still exceed
// budget. A non-positive budget disables trimming.
func (tc *TokenCounter) TrimToBudget(messages []CompletionMessage, budget int) []CompletionMessage {
	if budget <= 0 || len(messages) == 0 || tc.CountMessages(messages) <= budget {
		return messages
	}

	last := len(messages) - 1
	drop := make([]bool, len(messages))
	total := tc.CountMessages(messages)
	for i := 0; i < last && total > budget; i++ {
		if messages[i].Role == RoleSystem {
			continue
		}
		drop[i] = true
		total -= tc.CountMessage(&messages[i])
	}

	out := make([]CompletionMessage, 0, len(messages))
	for i := range messages {
		if !drop[i] {
			out = append(out, messages[i])
		}
	}
	return out
}
