// Package orchestrator runs one tool-calling turn against the language
// model:
//
//	history → truncate → decide call (with tool catalog) →
//	  no tool calls: reply with the text
//	  tool calls: execute (reads concurrently, mutations serialised) →
//	    feed typed results back → finalize call (no tools) → reply
//
// Every requested tool gets a result, even when its handler fails or
// panics. Hand-off is reported as a separate signal; callers never infer it
// from the reply text.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/agentoven/supportdesk/internal/audit"
	"github.com/agentoven/supportdesk/internal/eligibility"
	"github.com/agentoven/supportdesk/internal/metrics"
	"github.com/agentoven/supportdesk/internal/money"
	"github.com/agentoven/supportdesk/internal/refund"
	"github.com/agentoven/supportdesk/internal/store"
	"github.com/agentoven/supportdesk/pkg/contracts"
	"github.com/agentoven/supportdesk/pkg/models"
)

var tracer = otel.Tracer("supportdesk/orchestrator")

// DefaultMaxHistory is how many recent messages are sent to the model.
const DefaultMaxHistory = 30

// Refunder is the slice of the refund executor the return tool needs.
type Refunder interface {
	Process(ctx context.Context, req refund.Request) (*refund.Outcome, error)
}

// Config tunes the orchestrator.
type Config struct {
	MaxHistory int
	// PolicySnippets is how many policy hits are placed in the system prompt.
	PolicySnippets int
	WindowDays     int
}

// Input is one turn's context.
type Input struct {
	ConversationID string
	UserID         string
	History        []models.ChatMessage
}

// ToolExecution records one tool call and its result.
type ToolExecution struct {
	CallID     string          `json:"call_id"`
	Tool       string          `json:"tool"`
	Arguments  json.RawMessage `json:"arguments"`
	Result     Result          `json:"result"`
	DurationMs int64           `json:"duration_ms"`
	// err is the internal failure, kept for the audit trail only.
	err error
}

// ToolData is a structured payload for UI card rendering.
type ToolData struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// HandoffSignal asks the caller to move the conversation to a human.
type HandoffSignal struct {
	Tool   ToolName `json:"tool"`
	Reason string   `json:"reason"`
}

// Outcome is the result of Converse.
type Outcome struct {
	Reply     string               `json:"reply"`
	ToolTrace []ToolExecution      `json:"tool_trace,omitempty"`
	Data      []ToolData           `json:"data,omitempty"`
	Handoff   *HandoffSignal       `json:"handoff,omitempty"`
	Usage     contracts.TokenUsage `json:"usage"`
}

type handler func(ctx context.Context, in *Input, raw json.RawMessage) (Result, error)

// Orchestrator drives the tool-calling loop.
type Orchestrator struct {
	llm      contracts.LLM
	orders   contracts.OrderAccess
	refunds  Refunder
	policies contracts.PolicyRetriever
	catalog  []contracts.ToolSpec
	handlers map[ToolName]handler
	cfg      Config
	now      func() time.Time
}

// New creates an orchestrator. policies may be nil.
func New(llm contracts.LLM, orders contracts.OrderAccess, refunds Refunder, policies contracts.PolicyRetriever, cfg Config) *Orchestrator {
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = DefaultMaxHistory
	}
	if cfg.PolicySnippets <= 0 {
		cfg.PolicySnippets = 2
	}
	if cfg.WindowDays <= 0 {
		cfg.WindowDays = eligibility.DefaultWindowDays
	}
	o := &Orchestrator{
		llm:      llm,
		orders:   orders,
		refunds:  refunds,
		policies: policies,
		catalog:  Catalog(),
		cfg:      cfg,
		now:      time.Now,
	}
	o.handlers = map[ToolName]handler{
		ToolOrder:     o.orderTool,
		ToolLogistics: o.logisticsTool,
		ToolReturn:    o.returnTool,
		ToolTransfer:  o.transferTool,
	}
	return o
}

// Converse runs one turn. When the decide call fails no tool has run and a
// nil Outcome is returned with the typed LLM error. When the finalize call
// fails the Outcome still carries the tool trace, data and hand-off signal
// alongside the error, since tools may already have changed state.
func (o *Orchestrator) Converse(ctx context.Context, in Input) (*Outcome, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.Converse")
	defer span.End()
	tr := audit.FromContext(ctx)

	history := in.History
	if len(history) > o.cfg.MaxHistory {
		history = history[len(history)-o.cfg.MaxHistory:]
	}
	system := o.systemPrompt(ctx, in.UserID, history)

	decide, err := o.llm.Complete(ctx, &contracts.CompletionRequest{
		System:      system,
		Messages:    history,
		Tools:       o.catalog,
		Temperature: 0.3,
	})
	if err != nil {
		return nil, tr.Fail(ctx, "llm_decide", err)
	}
	out := &Outcome{Usage: decide.Usage}
	if len(decide.ToolCalls) == 0 {
		out.Reply = strings.TrimSpace(decide.Text)
		return out, nil
	}
	span.SetAttributes(attribute.Int("tool_calls", len(decide.ToolCalls)))

	out.ToolTrace = o.runTools(ctx, &in, decide.ToolCalls)
	o.collect(out)

	msgs := make([]models.ChatMessage, 0, len(history)+1+len(out.ToolTrace))
	msgs = append(msgs, history...)
	msgs = append(msgs, models.ChatMessage{Role: models.RoleAssistant, Content: decide.Text, ToolCalls: decide.ToolCalls})
	for _, ex := range out.ToolTrace {
		body, _ := json.Marshal(ex.Result)
		msgs = append(msgs, models.ChatMessage{Role: models.RoleTool, ToolCallID: ex.CallID, Name: ex.Tool, Content: string(body)})
	}

	final, err := o.llm.Complete(ctx, &contracts.CompletionRequest{System: system, Messages: msgs, Temperature: 0.3})
	if err != nil {
		return out, tr.Fail(ctx, "llm_finalize", err)
	}
	out.Reply = strings.TrimSpace(final.Text)
	out.Usage.InputTokens += final.Usage.InputTokens
	out.Usage.OutputTokens += final.Usage.OutputTokens
	out.Usage.TotalTokens += final.Usage.TotalTokens
	return out, nil
}

// runTools executes calls in the order given. Consecutive read-only calls
// form a batch that runs concurrently; a mutating call runs alone.
func (o *Orchestrator) runTools(ctx context.Context, in *Input, calls []models.ToolCall) []ToolExecution {
	tr := audit.FromContext(ctx)
	execs := make([]ToolExecution, len(calls))

	for i := 0; i < len(calls); {
		j := i + 1
		if isRead(calls[i].Name) {
			for j < len(calls) && isRead(calls[j].Name) {
				j++
			}
		}
		for k := i; k < j; k++ {
			tr.Emit(ctx, models.EventToolCall, map[string]interface{}{
				"call_id": calls[k].ID, "tool": calls[k].Name, "arguments": calls[k].Arguments,
			})
		}

		if j-i == 1 {
			execs[i] = o.execute(ctx, in, calls[i])
		} else {
			g, gctx := errgroup.WithContext(ctx)
			for k := i; k < j; k++ {
				k := k
				g.Go(func() error {
					execs[k] = o.execute(gctx, in, calls[k])
					return nil
				})
			}
			_ = g.Wait()
		}

		for k := i; k < j; k++ {
			payload := map[string]interface{}{
				"call_id": execs[k].CallID, "tool": execs[k].Tool, "result": execs[k].Result, "duration_ms": execs[k].DurationMs,
			}
			if execs[k].err != nil {
				payload["error"] = execs[k].err.Error()
			}
			tr.Emit(ctx, models.EventToolResult, payload)
		}
		i = j
	}
	return execs
}

func isRead(name string) bool {
	t, err := ParseToolName(name)
	return err == nil && !t.Mutating()
}

// execute runs one call. Failures and panics become an ErrorResult.
func (o *Orchestrator) execute(ctx context.Context, in *Input, call models.ToolCall) (ex ToolExecution) {
	start := time.Now()
	ex = ToolExecution{CallID: call.ID, Tool: call.Name, Arguments: call.Arguments}
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("tool", call.Name).
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("Tool handler panicked")
			ex.err = fmt.Errorf("tool %s panicked: %v", call.Name, r)
			ex.Result = &ErrorResult{Error: "The " + departmentName(call.Name) + " is unavailable right now."}
		}
		ex.DurationMs = time.Since(start).Milliseconds()
		result := "success"
		if ex.Result == nil || !ex.Result.Succeeded() {
			result = "failure"
		}
		metrics.ToolCalls.WithLabelValues(call.Name, result).Inc()
	}()

	name, err := ParseToolName(call.Name)
	if err != nil {
		ex.err = err
		ex.Result = &ErrorResult{Error: err.Error()}
		log.Warn().Str("tool", call.Name).Msg("Model requested an unknown tool")
		return ex
	}

	res, err := o.handlers[name](ctx, in, call.Arguments)
	if err != nil {
		ex.err = err
		ex.Result = &ErrorResult{Error: "The " + departmentName(call.Name) + " is unavailable right now."}
		log.Warn().Err(err).Str("tool", call.Name).Str("conversation_id", in.ConversationID).Msg("Tool execution failed")
		return ex
	}
	ex.Result = res
	return ex
}

// collect derives UI data and the hand-off signal from typed results.
func (o *Orchestrator) collect(out *Outcome) {
	for _, ex := range out.ToolTrace {
		switch r := ex.Result.(type) {
		case *OrderResult:
			if r.Order != nil {
				out.Data = append(out.Data, ToolData{Type: "order", Data: r.Order})
			} else if r.Success {
				out.Data = append(out.Data, ToolData{Type: "orders", Data: r.Orders})
			}
		case *LogisticsResult:
			if r.Success {
				out.Data = append(out.Data, ToolData{Type: "logistics", Data: r})
			}
		case *RefundResult:
			out.Data = append(out.Data, ToolData{Type: "refund", Data: r})
			if r.NeedHuman && out.Handoff == nil {
				out.Handoff = &HandoffSignal{Tool: ToolReturn, Reason: r.Reason}
			}
		case *TransferResult:
			out.Data = append(out.Data, ToolData{Type: "transfer", Data: r})
			if out.Handoff == nil {
				out.Handoff = &HandoffSignal{Tool: ToolTransfer, Reason: r.Reason}
			}
		}
	}
}

// ── Handlers ────────────────────────────────────────────────

func decodeArgs(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid tool arguments: %w", err)
	}
	return nil
}

func (o *Orchestrator) orderTool(ctx context.Context, in *Input, raw json.RawMessage) (Result, error) {
	var args OrderArgs
	if err := decodeArgs(raw, &args); err != nil {
		return &OrderResult{Error: "The order request could not be understood."}, nil
	}
	if args.OrderID != "" {
		order, err := o.orders.GetOrder(ctx, args.OrderID, in.UserID)
		if store.IsNotFound(err) {
			return &OrderResult{Error: fmt.Sprintf("Order %s was not found under your account.", args.OrderID)}, nil
		}
		if err != nil {
			return nil, err
		}
		view := o.view(order)
		return &OrderResult{Success: true, Order: &view}, nil
	}

	list, err := o.orders.SearchOrders(ctx, in.UserID, args.Keyword)
	if err != nil {
		return nil, err
	}
	res := &OrderResult{Success: true, Orders: make([]OrderView, 0, len(list))}
	for i := range list {
		res.Orders = append(res.Orders, o.view(&list[i]))
	}
	return res, nil
}

func (o *Orchestrator) logisticsTool(ctx context.Context, in *Input, raw json.RawMessage) (Result, error) {
	var args LogisticsArgs
	if err := decodeArgs(raw, &args); err != nil || args.OrderID == "" {
		return &LogisticsResult{Error: "An order number is required to look up shipping."}, nil
	}
	lg, err := o.orders.GetLogistics(ctx, args.OrderID, in.UserID)
	if store.IsNotFound(err) {
		return &LogisticsResult{OrderID: args.OrderID, Error: fmt.Sprintf("No shipping information was found for order %s.", args.OrderID)}, nil
	}
	if err != nil {
		return nil, err
	}
	return &LogisticsResult{
		Success:           true,
		OrderID:           lg.OrderID,
		Status:            lg.Status,
		Carrier:           lg.Carrier,
		TrackingNumber:    lg.TrackingNumber,
		EstimatedDelivery: lg.EstimatedDelivery,
		Timeline:          lg.Events,
	}, nil
}

func (o *Orchestrator) returnTool(ctx context.Context, in *Input, raw json.RawMessage) (Result, error) {
	var args ReturnArgs
	if err := decodeArgs(raw, &args); err != nil || args.OrderID == "" {
		return &RefundResult{Action: string(refund.ActionRejected), Reason: "An order number is required to process a return."}, nil
	}
	reason := args.Reason
	if reason == "" {
		reason = "customer requested"
	}
	out, err := o.refunds.Process(ctx, refund.Request{
		OrderID:        args.OrderID,
		UserID:         in.UserID,
		ConversationID: in.ConversationID,
		Reason:         reason,
		Source:         models.SourceAgent,
	})
	if err != nil {
		return nil, err
	}
	return RefundResultFrom(out), nil
}

func (o *Orchestrator) transferTool(_ context.Context, _ *Input, raw json.RawMessage) (Result, error) {
	var args TransferArgs
	_ = decodeArgs(raw, &args)
	if args.Reason == "" {
		args.Reason = "customer requested a human agent"
	}
	return &TransferResult{
		Success:     true,
		Transferred: true,
		Reason:      args.Reason,
		Message:     "Connecting the customer to a human agent.",
	}, nil
}

// RefundResultFrom converts an executor outcome into the tool payload. The
// executor's internal error text is left out.
func RefundResultFrom(out *refund.Outcome) *RefundResult {
	r := &RefundResult{
		Success:        out.Success,
		Action:         string(out.Action),
		Status:         string(out.Status),
		OrderID:        out.OrderID,
		ReturnID:       out.ReturnID,
		ApprovalTaskID: out.ApprovalTaskID,
		RMA:            out.RMA,
		NeedHuman:      out.NeedHuman,
		Reason:         out.Reason,
		Suggestion:     out.Suggestion,
	}
	if out.Amount > 0 {
		r.RefundAmount = money.Display(out.Amount, out.Currency)
	}
	return r
}

func (o *Orchestrator) view(order *models.Order) OrderView {
	ref := order.CreatedAt
	if order.DeliveredAt != nil {
		ref = *order.DeliveredAt
	}
	return OrderView{
		OrderID:   order.ID,
		Status:    order.Status,
		Shipping:  order.ShippingStatus,
		Amount:    money.Format(order.PaidAmount),
		Currency:  order.Currency,
		OrderDate: order.CreatedAt.Format("2006-01-02"),
		Products:  order.Items,
		CanReturn: order.Delivered() && eligibility.DaysSince(ref, o.now()) <= o.cfg.WindowDays,
	}
}

// ── Prompt ──────────────────────────────────────────────────

const basePrompt = `You are a friendly and professional customer support assistant for an online store.
You help customers with orders, shipping, returns and refunds.

Tools:
- call_order_department: look up order details or list the customer's orders
- call_logistics_department: look up shipping progress
- call_return_department: process a return or refund
- transfer_to_human: hand the conversation to a human agent

Rules:
1. Use the tools for any order, shipping or return question. Never invent order data.
2. Keep answers short and clear. Reply in the customer's language.
3. When a tool reports a failure, explain it politely without technical details.`

func (o *Orchestrator) systemPrompt(ctx context.Context, userID string, history []models.ChatMessage) string {
	var b strings.Builder
	b.WriteString(basePrompt)
	fmt.Fprintf(&b, "\n\nCurrent customer id: %s\nToday: %s\n", userID, o.now().UTC().Format("2006-01-02"))

	if o.policies == nil {
		return b.String()
	}
	query := lastUserMessage(history)
	if query == "" {
		return b.String()
	}
	hits, err := o.policies.SearchPolicies(ctx, query, o.cfg.PolicySnippets)
	if err != nil {
		log.Warn().Err(err).Msg("Policy lookup for prompt failed")
		return b.String()
	}
	if len(hits) > 0 {
		b.WriteString("\nRelevant store policies:\n")
		for _, h := range hits {
			fmt.Fprintf(&b, "- %s: %s\n", h.Title, h.Content)
		}
	}
	return b.String()
}

func lastUserMessage(history []models.ChatMessage) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == models.RoleUser {
			return history[i].Content
		}
	}
	return ""
}

func departmentName(tool string) string {
	switch ToolName(tool) {
	case ToolOrder:
		return "order department"
	case ToolLogistics:
		return "logistics department"
	case ToolReturn:
		return "return department"
	case ToolTransfer:
		return "transfer service"
	}
	return "requested service"
}

// IsUnknownTool reports whether err is an *UnknownToolError.
func IsUnknownTool(err error) bool {
	var u *UnknownToolError
	return errors.As(err, &u)
}
