// Package models holds the domain types shared by every supportdesk component.
package models

import (
	"encoding/json"
	"strings"
	"time"
)

// ── Conversation ─────────────────────────────────────────────

// ControlState says who currently owns the conversation.
type ControlState string

const (
	ControlAutomated    ControlState = "automated"
	ControlPendingHuman ControlState = "pending_human"
	ControlHuman        ControlState = "human"
)

// Conversation is created on the first inbound message and mutated only by
// hand-off transitions.
type Conversation struct {
	ID              string       `json:"id"`
	UserID          string       `json:"user_id"`
	Title           string       `json:"title,omitempty"`
	ControlState    ControlState `json:"control_state"`
	AssignedAgentID string       `json:"assigned_agent_id,omitempty"`
	HandoffReason   string       `json:"handoff_reason,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// Automated reports whether the assistant may reply.
func (c *Conversation) Automated() bool {
	return c.ControlState == "" || c.ControlState == ControlAutomated
}

// ── Message ──────────────────────────────────────────────────

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Message is immutable once written. IDs are ULIDs, so ordering by ID is
// ordering by arrival.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id,omitempty"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	AuthorID       string    `json:"author_id,omitempty"`
	TraceID        string    `json:"trace_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// ChatMessage is the provider-neutral shape sent to a language model.
type ChatMessage struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// ToolCall is a model-issued request to invoke a catalog tool.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ── Orders ───────────────────────────────────────────────────

const (
	OrderStatusPending   = "pending"
	OrderStatusPaid      = "paid"
	OrderStatusShipped   = "shipped"
	OrderStatusDelivered = "delivered"
	OrderStatusCompleted = "completed"
	OrderStatusCancelled = "cancelled"
)

// Order is owned by the order system; supportdesk never mutates it.
// Money is always integer minor units.
type Order struct {
	ID             string      `json:"id" yaml:"id"`
	UserID         string      `json:"user_id" yaml:"user_id"`
	PaidAmount     int64       `json:"paid_amount" yaml:"paid_amount"`
	Currency       string      `json:"currency" yaml:"currency"`
	Status         string      `json:"status" yaml:"status"`
	ShippingStatus string      `json:"shipping_status,omitempty" yaml:"shipping_status"`
	TradeNo        string      `json:"trade_no,omitempty" yaml:"trade_no"`
	Items          []OrderItem `json:"items,omitempty" yaml:"items"`
	CreatedAt      time.Time   `json:"created_at" yaml:"-"`
	DeliveredAt    *time.Time  `json:"delivered_at,omitempty" yaml:"-"`
	Logistics      *Logistics  `json:"logistics,omitempty" yaml:"logistics"`
}

// Delivered reports whether either status field marks the order as received.
func (o *Order) Delivered() bool {
	for _, s := range []string{o.Status, o.ShippingStatus} {
		switch strings.ToLower(strings.TrimSpace(s)) {
		case OrderStatusDelivered, OrderStatusCompleted:
			return true
		}
	}
	return false
}

type OrderItem struct {
	SKU       string `json:"sku" yaml:"sku"`
	Name      string `json:"name" yaml:"name"`
	Quantity  int    `json:"quantity" yaml:"quantity"`
	UnitPrice int64  `json:"unit_price" yaml:"unit_price"`
}

type Logistics struct {
	OrderID           string           `json:"order_id" yaml:"-"`
	Carrier           string           `json:"carrier" yaml:"carrier"`
	TrackingNumber    string           `json:"tracking_number" yaml:"tracking_number"`
	Status            string           `json:"status" yaml:"status"`
	EstimatedDelivery string           `json:"estimated_delivery,omitempty" yaml:"estimated_delivery"`
	Events            []LogisticsEvent `json:"events,omitempty" yaml:"events"`
}

type LogisticsEvent struct {
	Time        string `json:"time" yaml:"time"`
	Location    string `json:"location" yaml:"location"`
	Description string `json:"description" yaml:"description"`
}

// ── Returns ──────────────────────────────────────────────────

type ReturnStatus string

const (
	ReturnRejected         ReturnStatus = "rejected"
	ReturnAwaitingApproval ReturnStatus = "awaiting_approval"
	ReturnRefundProcessing ReturnStatus = "refund_processing"
	ReturnRefunded         ReturnStatus = "refunded"
	ReturnRefundFailed     ReturnStatus = "refund_failed"
)

type RefundStatus string

const (
	RefundNone       RefundStatus = "none"
	RefundProcessing RefundStatus = "processing"
	RefundSuccess    RefundStatus = "success"
	RefundFailed     RefundStatus = "failed"
)

// ReturnSource records who started a refund attempt.
type ReturnSource string

const (
	SourceAgent      ReturnSource = "agent"
	SourceAdmin      ReturnSource = "admin"
	SourceReconciler ReturnSource = "reconciler"
)

// ReturnRecord is the single logical ledger entry for an order. RefundID is
// assigned once and presented to the gateway on every retry.
type ReturnRecord struct {
	ID               string       `json:"id"`
	OrderID          string       `json:"order_id"`
	UserID           string       `json:"user_id"`
	ConversationID   string       `json:"conversation_id,omitempty"`
	Reason           string       `json:"reason"`
	RequestedAmount  int64        `json:"requested_amount"`
	ConditionOK      bool         `json:"condition_ok"`
	Status           ReturnStatus `json:"status"`
	RefundStatus     RefundStatus `json:"refund_status"`
	RefundID         string       `json:"refund_id,omitempty"`
	RefundAmount     int64        `json:"refund_amount"`
	ProviderRefundID string       `json:"provider_refund_id,omitempty"`
	RMA              string       `json:"rma,omitempty"`
	Source           ReturnSource `json:"source"`
	Attempts         int          `json:"attempts"`
	Error            string       `json:"error,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
	CompletedAt      *time.Time   `json:"completed_at,omitempty"`
}

// ── Approvals ────────────────────────────────────────────────

type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// ApprovalTask is terminal once approved or rejected.
type ApprovalTask struct {
	ID         string         `json:"id"`
	ReturnID   string         `json:"return_id"`
	OrderID    string         `json:"order_id"`
	UserID     string         `json:"user_id"`
	Amount     int64          `json:"amount"`
	Status     ApprovalStatus `json:"status"`
	Reason     string         `json:"reason"`
	ReviewerID string         `json:"reviewer_id,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	DecidedAt  *time.Time     `json:"decided_at,omitempty"`
}

// ── Agent events ─────────────────────────────────────────────

type EventType string

const (
	EventRouteDecision   EventType = "ROUTE_DECISION"
	EventToolCall        EventType = "TOOL_CALL"
	EventToolResult      EventType = "TOOL_RESULT"
	EventPolicyHit       EventType = "POLICY_HIT"
	EventApprovalCreated EventType = "APPROVAL_CREATED"
	EventError           EventType = "ERROR"
	// EventReplySuppressed keeps a reply produced after a human took over.
	EventReplySuppressed EventType = "REPLY_SUPPRESSED"
)

// AgentEvent is write-once. All events for one inbound message share TraceID.
type AgentEvent struct {
	ID             string          `json:"id"`
	TraceID        string          `json:"trace_id"`
	Type           EventType       `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	ConversationID string          `json:"conversation_id,omitempty"`
	UserID         string          `json:"user_id,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// ── Policy ───────────────────────────────────────────────────

// PolicyHit is one ranked snippet from the policy knowledge base.
type PolicyHit struct {
	Title   string  `json:"title"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}
