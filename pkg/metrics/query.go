package metrics

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// AgentUsage is aggregated backend usage for one agent.
type AgentUsage struct {
	AgentID          string `json:"agent_id"`
	Model            string `json:"model,omitempty"`
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
	TotalTokens      int64  `json:"total_tokens"`
	Requests         int64  `json:"requests"`
	FailedRequests   int64  `json:"failed_requests"`
}

// QueryService reads recorded metrics back from a Prometheus server.
type QueryService struct {
	client   api.Client
	queryAPI v1.API
}

// NewQueryService creates a query service for prometheusURL.
func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{
		Address: prometheusURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}

	return &QueryService{
		client:   client,
		queryAPI: v1.NewAPI(client),
	}, nil
}

// GetAgentUsage returns token and request totals for agentID across all models.
func (q *QueryService) GetAgentUsage(ctx context.Context, agentID string) (*AgentUsage, error) {
	return q.usage(ctx, agentID, fmt.Sprintf(`agent_id=%q`, agentID))
}

// GetAgentUsageByModel returns usage for agentID per model, sorted by model name.
func (q *QueryService) GetAgentUsageByModel(ctx context.Context, agentID string) ([]*AgentUsage, error) {
	modelsQuery := fmt.Sprintf(`group by (model) (llm_requests_total{agent_id=%q})`, agentID)
	result, _, err := q.queryAPI.Query(ctx, modelsQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query models: %w", err)
	}

	var models []string
	if vector, ok := result.(model.Vector); ok {
		for _, sample := range vector {
			if name, ok := sample.Metric["model"]; ok {
				models = append(models, string(name))
			}
		}
	}
	sort.Strings(models)

	out := make([]*AgentUsage, 0, len(models))
	for _, m := range models {
		u, err := q.usage(ctx, agentID, fmt.Sprintf(`agent_id=%q, model=%q`, agentID, m))
		if err != nil {
			return nil, fmt.Errorf("model %s: %w", m, err)
		}
		u.Model = m
		out = append(out, u)
	}
	return out, nil
}

func (q *QueryService) usage(ctx context.Context, agentID, selector string) (*AgentUsage, error) {
	u := &AgentUsage{AgentID: agentID}

	var err error
	if u.PromptTokens, err = q.scalar(ctx, fmt.Sprintf(`sum(llm_tokens_total{%s, type="prompt"})`, selector)); err != nil {
		return nil, fmt.Errorf("failed to query prompt tokens: %w", err)
	}
	if u.CompletionTokens, err = q.scalar(ctx, fmt.Sprintf(`sum(llm_tokens_total{%s, type="completion"})`, selector)); err != nil {
		return nil, fmt.Errorf("failed to query completion tokens: %w", err)
	}
	u.TotalTokens = u.PromptTokens + u.CompletionTokens

	if u.Requests, err = q.scalar(ctx, fmt.Sprintf(`sum(llm_requests_total{%s})`, selector)); err != nil {
		return nil, fmt.Errorf("failed to query requests: %w", err)
	}
	if u.FailedRequests, err = q.scalar(ctx, fmt.Sprintf(`sum(llm_requests_total{%s, status="error"})`, selector)); err != nil {
		return nil, fmt.Errorf("failed to query failed requests: %w", err)
	}
	return u, nil
}

// scalar runs an instant query and returns the first sample, or 0 for no data.
func (q *QueryService) scalar(ctx context.Context, query string) (int64, error) {
	result, _, err := q.queryAPI.Query(ctx, query, time.Now())
	if err != nil {
		return 0, err //nolint:wrapcheck // callers add context
	}
	if vector, ok := result.(model.Vector); ok && len(vector) > 0 {
		return int64(vector[0].Value), nil
	}
	return 0, nil
}
