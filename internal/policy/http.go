package policy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/agentoven/supportdesk/pkg/models"
)

// HTTPRetriever queries a remote policy search service.
type HTTPRetriever struct {
	baseURL    string
	httpClient *resty.Client
}

type searchRequest struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k"`
}

type searchResponse struct {
	Hits []models.PolicyHit `json:"hits"`
}

// NewHTTPRetriever returns nil when baseURL is empty.
func NewHTTPRetriever(baseURL string, timeout time.Duration) *HTTPRetriever {
	baseURL = strings.TrimRight(baseURL, "/")
	if baseURL == "" {
		return nil
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPRetriever{
		baseURL: baseURL,
		httpClient: resty.New().
			SetBaseURL(baseURL).
			SetHeader("User-Agent", "supportdesk-policy/1.0").
			SetTimeout(timeout),
	}
}

func (r *HTTPRetriever) SearchPolicies(ctx context.Context, query string, topK int) ([]models.PolicyHit, error) {
	if r == nil {
		return nil, fmt.Errorf("policy retriever is not configured")
	}
	var resp searchResponse
	httpResp, err := r.httpClient.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(searchRequest{Query: query, TopK: topK}).
		SetResult(&resp).
		Post("/v1/policies/search")
	if err != nil {
		return nil, fmt.Errorf("policy search request failed: %w", err)
	}
	if httpResp.IsError() {
		return nil, fmt.Errorf("policy search error (%d): %s", httpResp.StatusCode(), httpResp.String())
	}
	if resp.Hits == nil {
		resp.Hits = []models.PolicyHit{}
	}
	return resp.Hits, nil
}
