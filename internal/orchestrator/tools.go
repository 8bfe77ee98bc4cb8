package orchestrator

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"

	"github.com/agentoven/supportdesk/pkg/contracts"
	"github.com/agentoven/supportdesk/pkg/models"
)

// ToolName is the closed set of department capabilities the model may call.
type ToolName string

const (
	ToolOrder     ToolName = "call_order_department"
	ToolLogistics ToolName = "call_logistics_department"
	ToolReturn    ToolName = "call_return_department"
	ToolTransfer  ToolName = "transfer_to_human"
)

// UnknownToolError is returned for a tool name outside the catalog.
type UnknownToolError struct {
	Name string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("unknown tool %q", e.Name)
}

// ParseToolName maps a model-supplied name onto the catalog.
func ParseToolName(name string) (ToolName, error) {
	switch t := ToolName(name); t {
	case ToolOrder, ToolLogistics, ToolReturn, ToolTransfer:
		return t, nil
	}
	return "", &UnknownToolError{Name: name}
}

// Mutating reports whether the tool changes the Return Ledger or the
// conversation's control state. Mutating tools never run concurrently.
func (t ToolName) Mutating() bool {
	return t == ToolReturn || t == ToolTransfer
}

// ── Arguments ───────────────────────────────────────────────

type OrderArgs struct {
	OrderID string `json:"order_id,omitempty" jsonschema:"description=Order number such as ORD-1001. Omit to list the customer's orders."`
	Keyword string `json:"keyword,omitempty" jsonschema:"description=Optional keyword to filter the customer's orders by product name or status."`
}

type LogisticsArgs struct {
	OrderID string `json:"order_id" jsonschema:"description=Order number such as ORD-1001."`
}

type ReturnArgs struct {
	OrderID string `json:"order_id" jsonschema:"description=Order number such as ORD-1001."`
	Reason  string `json:"reason,omitempty" jsonschema:"description=Why the customer wants to return the order."`
}

type TransferArgs struct {
	Reason string `json:"reason" jsonschema:"description=Why a human agent is needed."`
}

// ── Results ─────────────────────────────────────────────────

// Result is the typed payload returned to the model for one tool call.
type Result interface {
	Succeeded() bool
}

type OrderView struct {
	OrderID   string             `json:"order_id"`
	Status    string             `json:"status"`
	Shipping  string             `json:"shipping_status,omitempty"`
	Amount    string             `json:"amount"`
	Currency  string             `json:"currency"`
	OrderDate string             `json:"order_date"`
	Products  []models.OrderItem `json:"products,omitempty"`
	CanReturn bool               `json:"can_return"`
}

type OrderResult struct {
	Success bool        `json:"success"`
	Order   *OrderView  `json:"order,omitempty"`
	Orders  []OrderView `json:"orders,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func (r *OrderResult) Succeeded() bool { return r.Success }

type LogisticsResult struct {
	Success           bool                    `json:"success"`
	OrderID           string                  `json:"order_id"`
	Status            string                  `json:"status,omitempty"`
	Carrier           string                  `json:"carrier,omitempty"`
	TrackingNumber    string                  `json:"tracking_number,omitempty"`
	EstimatedDelivery string                  `json:"estimated_delivery,omitempty"`
	Timeline          []models.LogisticsEvent `json:"timeline,omitempty"`
	Error             string                  `json:"error,omitempty"`
}

func (r *LogisticsResult) Succeeded() bool { return r.Success }

type RefundResult struct {
	Success        bool   `json:"success"`
	Action         string `json:"action"`
	Status         string `json:"status,omitempty"`
	OrderID        string `json:"order_id"`
	ReturnID       string `json:"return_id,omitempty"`
	ApprovalTaskID string `json:"approval_task_id,omitempty"`
	RefundAmount   string `json:"refund_amount,omitempty"`
	RMA            string `json:"rma_number,omitempty"`
	NeedHuman      bool   `json:"need_human"`
	Reason         string `json:"reason"`
	Suggestion     string `json:"suggestion,omitempty"`
	Error          string `json:"error,omitempty"`
}

func (r *RefundResult) Succeeded() bool { return r.Success }

type TransferResult struct {
	Success     bool   `json:"success"`
	Transferred bool   `json:"transferred"`
	Reason      string `json:"reason"`
	Message     string `json:"message"`
}

func (r *TransferResult) Succeeded() bool { return r.Success }

// ErrorResult is fed back when a tool could not run. Error never carries
// internal error text.
type ErrorResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func (r *ErrorResult) Succeeded() bool { return false }

// ── Catalog ─────────────────────────────────────────────────

var toolDescriptions = []struct {
	name ToolName
	desc string
	args interface{}
}{
	{ToolOrder, "Ask the order department for order details. Use it when the customer asks about an order or wants to see their orders.", &OrderArgs{}},
	{ToolLogistics, "Ask the logistics department where a parcel is and when it will arrive.", &LogisticsArgs{}},
	{ToolReturn, "Ask the return department to process a return or refund for an order.", &ReturnArgs{}},
	{ToolTransfer, "Transfer the conversation to a human agent. Use it when the customer asks for a person, is very upset, or the problem is beyond the assistant.", &TransferArgs{}},
}

// Catalog returns the tool specs sent to the model, with parameter schemas
// reflected from the argument structs.
func Catalog() []contracts.ToolSpec {
	r := &jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
		ExpandedStruct:            true,
	}
	specs := make([]contracts.ToolSpec, 0, len(toolDescriptions))
	for _, t := range toolDescriptions {
		schema := r.Reflect(t.args)
		schema.Version = ""
		schema.ID = ""
		params, err := json.Marshal(schema)
		if err != nil {
			panic(fmt.Sprintf("tool %s schema: %v", t.name, err))
		}
		specs = append(specs, contracts.ToolSpec{Name: string(t.name), Description: t.desc, Parameters: params})
	}
	return specs
}
