package llm

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubClient struct {
	content string
	calls   int
}

func (s *stubClient) Complete(_ context.Context, _ CompletionRequest) (CompletionResponse, error) {
	s.calls++
	return CompletionResponse{Content: s.content}, nil
}

func (s *stubClient) Stream(ctx context.Context, in CompletionRequest) (<-chan StreamChunk, error) {
	return StreamFromComplete(ctx, s, in)
}

func (s *stubClient) GetModelName() string { return "stub-model" }

func tagging(tag string, order *[]string) Middleware {
	return func(next LLMClient) LLMClient {
		return WrapClient(
			func(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
				*order = append(*order, tag)
				return next.Complete(ctx, req)
			},
			next.Stream,
			next.GetModelName,
		)
	}
}

func TestChainOrder(t *testing.T) {
	var order []string
	base := &stubClient{content: "ok"}
	client := Chain(base, tagging("outer", &order), tagging("inner", &order))

	resp, err := client.Complete(context.Background(), NewCompletionRequest([]CompletionMessage{NewUserMessage("hi")}))
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, []string{"outer", "inner"}, order)
	assert.Equal(t, "stub-model", client.GetModelName())
	assert.Equal(t, 1, base.calls)
}

func TestChainNoMiddleware(t *testing.T) {
	base := &stubClient{}
	assert.Same(t, base, Chain(base))
}

func TestStreamFromCompleteAndReader(t *testing.T) {
	base := &stubClient{content: "streamed text"}
	ch, err := base.Stream(context.Background(), CompletionRequest{})
	require.NoError(t, err)

	data, err := io.ReadAll(StreamToReader(ch))
	require.NoError(t, err)
	assert.Equal(t, "streamed text", string(data))
}

func TestSplitSystem(t *testing.T) {
	system, rest := SplitSystem([]CompletionMessage{
		NewSystemMessage("be terse"),
		NewUserMessage("hi"),
		NewSystemMessage("use go"),
		NewAssistantMessage("hello", nil),
	})
	assert.Equal(t, "be terse\n\nuse go", system)
	require.Len(t, rest, 2)
	assert.Equal(t, RoleUser, rest[0].Role)
	assert.Equal(t, RoleAssistant, rest[1].Role)
}

func TestConfigValidate(t *testing.T) {
	ok := Config{ModelName: "m", MaxTokens: 10, Temperature: 0.2}
	require.NoError(t, ok.Validate())

	bad := ok
	bad.ModelName = ""
	require.Error(t, bad.Validate())

	bad = ok
	bad.Temperature = 3
	require.Error(t, bad.Validate())
}
