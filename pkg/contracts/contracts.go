// Package contracts defines the ports between supportdesk and the remote
// services it depends on.
//
// Concrete adapters live under internal/ (llm, payment, orders, policy,
// notify). The composition root in pkg/server picks one implementation per
// port, so tests and alternative deployments swap them with a single line.
package contracts

import (
	"context"
	"encoding/json"
	"time"

	"github.com/agentoven/supportdesk/internal/store"
	"github.com/agentoven/supportdesk/pkg/models"
)

// Store is a type alias for the internal Store interface.
type Store = store.Store

// ErrNotFound is a type alias for the internal ErrNotFound error.
type ErrNotFound = store.ErrNotFound

// ── LLM inference ───────────────────────────────────────────

// ToolSpec describes one callable tool to the model.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// CompletionRequest is a single chat completion. An empty Tools slice makes
// it a tool-free "finalize" call.
type CompletionRequest struct {
	System      string               `json:"system"`
	Messages    []models.ChatMessage `json:"messages"`
	Tools       []ToolSpec           `json:"tools,omitempty"`
	JSONMode    bool                 `json:"json_mode,omitempty"`
	Temperature float32              `json:"temperature,omitempty"`
}

// TokenUsage tracks token consumption for one completion.
type TokenUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	TotalTokens  int64 `json:"total_tokens"`
}

// Completion is the model's answer: text, tool calls, or both.
type Completion struct {
	Text      string            `json:"text"`
	ToolCalls []models.ToolCall `json:"tool_calls,omitempty"`
	Provider  string            `json:"provider"`
	Model     string            `json:"model"`
	Usage     TokenUsage        `json:"usage"`
	LatencyMs int64             `json:"latency_ms"`
}

// LLM completes chat requests against a remote language model.
// Implementation: internal/llm.Router
type LLM interface {
	Complete(ctx context.Context, req *CompletionRequest) (*Completion, error)
}

// ── Payment gateway ─────────────────────────────────────────

// TradeStatus is the settlement state of a merchant order.
type TradeStatus struct {
	Settled bool   `json:"settled"`
	Status  string `json:"status"`
}

// RefundRequest carries the idempotency key the gateway uses to collapse
// retried requests into a single effect.
type RefundRequest struct {
	MerchantOrderID string `json:"merchant_order_id"`
	Amount          int64  `json:"amount"`
	Currency        string `json:"currency"`
	IdempotencyKey  string `json:"idempotency_key"`
	Reason          string `json:"reason"`
}

// RefundResponse is the gateway's verdict on one refund call.
type RefundResponse struct {
	Success          bool   `json:"success"`
	ProviderRefundID string `json:"provider_refund_id,omitempty"`
	Error            string `json:"error,omitempty"`
}

// PaymentGateway settles refunds with the external payment provider.
// Implementations: internal/payment.HTTPGateway, internal/payment.SandboxGateway
type PaymentGateway interface {
	QueryTrade(ctx context.Context, merchantOrderID string) (*TradeStatus, error)
	Refund(ctx context.Context, req *RefundRequest) (*RefundResponse, error)
}

// ── Order access ────────────────────────────────────────────

// OrderAccess is a read-only view of the order system. A missing order (or
// one owned by another user) is reported as *store.ErrNotFound.
// Implementation: internal/orders.Catalog
type OrderAccess interface {
	GetOrder(ctx context.Context, orderID, userID string) (*models.Order, error)
	GetLogistics(ctx context.Context, orderID, userID string) (*models.Logistics, error)
	// SearchOrders lists the user's orders; an empty keyword lists all of them.
	SearchOrders(ctx context.Context, userID, keyword string) ([]models.Order, error)
}

// ── Policy retrieval ────────────────────────────────────────

// PolicyRetriever returns ranked policy snippets for a query.
// Implementations: internal/policy.KnowledgeBase, internal/policy.HTTPRetriever
type PolicyRetriever interface {
	SearchPolicies(ctx context.Context, query string, topK int) ([]models.PolicyHit, error)
}

// ── Notifications ───────────────────────────────────────────

// NotificationEvent is the payload sent to reviewer channels.
type NotificationEvent struct {
	Type           string                 `json:"type"`
	ConversationID string                 `json:"conversation_id,omitempty"`
	OrderID        string                 `json:"order_id,omitempty"`
	ReturnID       string                 `json:"return_id,omitempty"`
	ApprovalID     string                 `json:"approval_id,omitempty"`
	Reason         string                 `json:"reason,omitempty"`
	Payload        map[string]interface{} `json:"payload,omitempty"`
	Timestamp      time.Time              `json:"timestamp"`
}

// Notifier delivers reviewer notifications. Delivery is best effort.
// Implementation: internal/notify.Service
type Notifier interface {
	Notify(ctx context.Context, event NotificationEvent)
}

// NopNotifier drops every event.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, NotificationEvent) {}
