package main

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/spf13/viper"

	"github.com/agentoven/supportdesk/internal/refund"
	"github.com/agentoven/supportdesk/pkg/models"
)

// apiClient wraps the staff console endpoints under /api/v1/admin.
type apiClient struct {
	http *resty.Client
}

type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type page[T any] struct {
	Items []T `json:"items"`
}

type traceResponse struct {
	TraceID string              `json:"trace_id"`
	Events  []models.AgentEvent `json:"events"`
}

func newClientFromConfig() *apiClient {
	return newClient(viper.GetString("server"), viper.GetString("api-key"))
}

func newClient(baseURL, apiKey string) *apiClient {
	c := resty.New().
		SetBaseURL(baseURL+"/api/v1/admin").
		SetTimeout(30*time.Second).
		SetHeader("Accept", "application/json")
	if apiKey != "" {
		c.SetHeader("X-API-Key", apiKey)
	}
	return &apiClient{http: c}
}

func (c *apiClient) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	req := c.http.R().SetContext(ctx).SetError(&apiError{})
	if out != nil {
		req.SetResult(out)
	}
	if body != nil {
		req.SetBody(body)
	}
	if query != nil {
		req.SetQueryParamsFromValues(query)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.IsError() {
		msg := resp.Status()
		if e, ok := resp.Error().(*apiError); ok && (e.Message != "" || e.Error != "") {
			msg = e.Error
			if e.Message != "" {
				msg = e.Message
			}
		}
		return fmt.Errorf("%s %s: %s (HTTP %d)", method, path, msg, resp.StatusCode())
	}
	return nil
}

// ── Conversations ───────────────────────────────────────────

func (c *apiClient) ListConversations(ctx context.Context, state, userID string, limit int) ([]models.Conversation, error) {
	q := url.Values{}
	setIf(q, "state", state)
	setIf(q, "user_id", userID)
	setLimit(q, limit)
	var p page[models.Conversation]
	err := c.do(ctx, resty.MethodGet, "/conversations", q, nil, &p)
	return p.Items, err
}

func (c *apiClient) Messages(ctx context.Context, conversationID string) ([]models.Message, error) {
	var p page[models.Message]
	err := c.do(ctx, resty.MethodGet, "/conversations/"+url.PathEscape(conversationID)+"/messages", nil, nil, &p)
	return p.Items, err
}

func (c *apiClient) Claim(ctx context.Context, conversationID string) (*models.Conversation, error) {
	var conv models.Conversation
	err := c.do(ctx, resty.MethodPost, "/conversations/"+url.PathEscape(conversationID)+"/claim", nil, nil, &conv)
	return &conv, err
}

func (c *apiClient) Release(ctx context.Context, conversationID string) (*models.Conversation, error) {
	var conv models.Conversation
	err := c.do(ctx, resty.MethodPost, "/conversations/"+url.PathEscape(conversationID)+"/release", nil, nil, &conv)
	return &conv, err
}

func (c *apiClient) Reply(ctx context.Context, conversationID, content string) (*models.Message, error) {
	var msg models.Message
	body := map[string]string{"conversation_id": conversationID, "content": content}
	err := c.do(ctx, resty.MethodPost, "/messages", nil, body, &msg)
	return &msg, err
}

func (c *apiClient) Purge(ctx context.Context, conversationID string) error {
	return c.do(ctx, resty.MethodDelete, "/conversations/"+url.PathEscape(conversationID), nil, nil, nil)
}

// ── Returns & approvals ─────────────────────────────────────

func (c *apiClient) ListReturns(ctx context.Context, status, orderID, userID string, limit int) ([]models.ReturnRecord, error) {
	q := url.Values{}
	setIf(q, "status", status)
	setIf(q, "order_id", orderID)
	setIf(q, "user_id", userID)
	setLimit(q, limit)
	var p page[models.ReturnRecord]
	err := c.do(ctx, resty.MethodGet, "/returns", q, nil, &p)
	return p.Items, err
}

func (c *apiClient) Refund(ctx context.Context, returnID string) (*refund.Outcome, error) {
	var out refund.Outcome
	err := c.do(ctx, resty.MethodPost, "/returns/"+url.PathEscape(returnID)+"/refund", nil, nil, &out)
	return &out, err
}

func (c *apiClient) ListApprovals(ctx context.Context, status string, limit int) ([]models.ApprovalTask, error) {
	q := url.Values{}
	setIf(q, "status", status)
	setLimit(q, limit)
	var p page[models.ApprovalTask]
	err := c.do(ctx, resty.MethodGet, "/approvals", q, nil, &p)
	return p.Items, err
}

func (c *apiClient) Approve(ctx context.Context, taskID string) (*refund.Outcome, error) {
	var out refund.Outcome
	err := c.do(ctx, resty.MethodPost, "/approvals/"+url.PathEscape(taskID)+"/approve", nil, nil, &out)
	return &out, err
}

func (c *apiClient) Reject(ctx context.Context, taskID, reason string) (*refund.Outcome, error) {
	var out refund.Outcome
	err := c.do(ctx, resty.MethodPost, "/approvals/"+url.PathEscape(taskID)+"/reject", nil, map[string]string{"reason": reason}, &out)
	return &out, err
}

func (c *apiClient) Trace(ctx context.Context, traceID string) ([]models.AgentEvent, error) {
	var tr traceResponse
	err := c.do(ctx, resty.MethodGet, "/traces/"+url.PathEscape(traceID), nil, nil, &tr)
	return tr.Events, err
}

func setIf(q url.Values, key, value string) {
	if value != "" {
		q.Set(key, value)
	}
}

func setLimit(q url.Values, limit int) {
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
}
