// Package chat runs the inbound-message pipeline:
//
//	ensure conversation → store user message → control-state gate →
//	guardrails → intent route → return flow | orchestrator | hand-off →
//	delivery gate → store assistant message
//
// Handle never streams. It returns a Reply that the HTTP layer renders as
// SSE frames, so streaming stays a presentation concern.
package chat

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/agentoven/supportdesk/internal/audit"
	"github.com/agentoven/supportdesk/internal/guardrails"
	"github.com/agentoven/supportdesk/internal/handoff"
	"github.com/agentoven/supportdesk/internal/intent"
	"github.com/agentoven/supportdesk/internal/metrics"
	"github.com/agentoven/supportdesk/internal/orchestrator"
	"github.com/agentoven/supportdesk/internal/refund"
	"github.com/agentoven/supportdesk/internal/replies"
	"github.com/agentoven/supportdesk/internal/sessions"
	"github.com/agentoven/supportdesk/internal/stream"
	"github.com/agentoven/supportdesk/pkg/models"
)

var tracer = otel.Tracer("supportdesk/chat")

// ErrEmptyMessage is returned for a blank inbound message.
var ErrEmptyMessage = errors.New("message cannot be empty")

var orderIDPattern = regexp.MustCompile(`ORD[-_A-Z0-9]{3,}`)

// ExtractOrderID returns the first order number in text, upper-cased.
func ExtractOrderID(text string) string {
	return orderIDPattern.FindString(strings.ToUpper(text))
}

// Conversor runs one orchestrated turn.
type Conversor interface {
	Converse(ctx context.Context, in orchestrator.Input) (*orchestrator.Outcome, error)
}

// Inbound is one customer message.
type Inbound struct {
	ConversationID string
	UserID         string
	Message        string
}

// Transfer tells the client the conversation is moving to a human.
type Transfer struct {
	Reason string `json:"reason"`
}

// Reply is the result of one turn.
type Reply struct {
	ConversationID string                  `json:"conversation_id"`
	TraceID        string                  `json:"trace_id,omitempty"`
	Content        string                  `json:"content,omitempty"`
	ToolData       []orchestrator.ToolData `json:"tool_data,omitempty"`
	Transfer       *Transfer               `json:"transfer,omitempty"`
	SkipReason     string                  `json:"skip_reason,omitempty"`
	// Error is a user-facing apology; internal detail lives in the trace.
	Error string           `json:"error,omitempty"`
	Route *intent.Decision `json:"route,omitempty"`
}

// Skipped reports whether no automated reply is delivered.
func (r *Reply) Skipped() bool { return r.SkipReason != "" }

// Service wires the pipeline components.
type Service struct {
	sessions     *sessions.Manager
	recorder     *audit.Recorder
	detector     *guardrails.Detector
	router       *intent.Router
	handoff      *handoff.Machine
	orchestrator Conversor
	refunds      orchestrator.Refunder
}

// NewService creates the chat pipeline.
func NewService(
	sm *sessions.Manager,
	recorder *audit.Recorder,
	detector *guardrails.Detector,
	router *intent.Router,
	machine *handoff.Machine,
	conv Conversor,
	refunds orchestrator.Refunder,
) *Service {
	if detector == nil {
		detector = guardrails.NewDetector()
	}
	return &Service{
		sessions:     sm,
		recorder:     recorder,
		detector:     detector,
		router:       router,
		handoff:      machine,
		orchestrator: conv,
		refunds:      refunds,
	}
}

// Handle processes one inbound message. A returned error means nothing was
// stored (empty message, foreign conversation, store failure); every later
// failure is reported in Reply.Error.
func (s *Service) Handle(ctx context.Context, in Inbound) (*Reply, error) {
	text := strings.TrimSpace(in.Message)
	if text == "" {
		return nil, ErrEmptyMessage
	}

	conv, _, err := s.sessions.Ensure(ctx, in.ConversationID, in.UserID, text)
	if err != nil {
		return nil, err
	}

	tr := s.recorder.Begin(conv.ID, in.UserID)
	ctx = audit.WithTrace(ctx, tr)
	ctx, span := tracer.Start(ctx, "chat.Handle")
	defer span.End()
	span.SetAttributes(
		attribute.String("conversation_id", conv.ID),
		attribute.String("trace_id", tr.ID),
	)

	if _, err := s.sessions.Append(ctx, conv, models.RoleUser, text, tr.ID); err != nil {
		return nil, err
	}
	reply := &Reply{ConversationID: conv.ID, TraceID: tr.ID}

	// Human-owned conversations get no automated reply.
	if !conv.Automated() {
		reply.SkipReason = stream.SkipHumanTakeover
		return reply, nil
	}

	if sig := s.detector.Inspect(text); sig != nil {
		trigger := handoff.TriggerSentiment
		if sig.Kind == guardrails.KindTransfer {
			trigger = handoff.TriggerKeyword
		}
		tr.Emit(ctx, models.EventRouteDecision, map[string]interface{}{"guardrail": sig, "handoff": true})
		if _, _, err := s.handoff.RequestHandoff(ctx, conv.ID, trigger, sig.Reason); err != nil {
			reply.Error = replies.Apology(tr.Fail(ctx, "handoff", err))
			return reply, nil
		}
		s.systemNote(ctx, conv, "Transfer to a human agent requested: "+sig.Reason, tr.ID)
		reply.Transfer = &Transfer{Reason: sig.Reason}
		reply.SkipReason = stream.SkipTransferRequested
		return reply, nil
	}

	history, err := s.sessions.History(ctx, conv.ID)
	if err != nil {
		reply.Error = replies.Apology(tr.Fail(ctx, "history", err))
		return reply, nil
	}
	prior := history
	if n := len(prior); n > 0 && prior[n-1].Role == models.RoleUser && prior[n-1].Content == text {
		prior = prior[:n-1]
	}

	decision := s.router.Route(ctx, text, prior)
	reply.Route = decision
	tr.Emit(ctx, models.EventRouteDecision, decision)
	span.SetAttributes(attribute.String("category", string(decision.Category)))

	// selfHandoff marks a transfer this turn started; its notice is delivered.
	var selfHandoff bool
	switch {
	case decision.Escalate || decision.Category == intent.CategoryHuman:
		reason := decision.Reason
		if len(decision.EscalateReasons) > 0 {
			reason = strings.Join(decision.EscalateReasons, ", ")
		}
		selfHandoff = s.transfer(ctx, conv, reply, handoff.TriggerRouter, reason)
		reply.Content = replies.Transfer("")

	case decision.Category.Transactional():
		selfHandoff = s.returnFlow(ctx, conv, reply, text)

	default:
		selfHandoff = s.converse(ctx, conv, reply, sessions.ChatHistory(history))
	}

	return s.deliver(ctx, conv, reply, selfHandoff), nil
}

// returnFlow handles RETURN and EXCHANGE intents directly with the refund
// executor.
func (s *Service) returnFlow(ctx context.Context, conv *models.Conversation, reply *Reply, text string) bool {
	tr := audit.FromContext(ctx)
	orderID := ExtractOrderID(text)
	if orderID == "" {
		reply.Content = replies.AskOrderID()
		return false
	}

	tr.Emit(ctx, models.EventToolCall, map[string]string{"tool": "return_flow", "order_id": orderID})
	out, err := s.refunds.Process(ctx, refund.Request{
		OrderID:        orderID,
		UserID:         conv.UserID,
		ConversationID: conv.ID,
		Reason:         text,
		Source:         models.SourceAgent,
	})
	if err != nil {
		reply.Error = replies.Apology(tr.Fail(ctx, "return_flow", err))
		return false
	}
	tr.Emit(ctx, models.EventToolResult, map[string]interface{}{"tool": "return_flow", "outcome": out})

	reply.Content = replies.Refund(out)
	reply.ToolData = append(reply.ToolData, orchestrator.ToolData{Type: "refund", Data: orchestrator.RefundResultFrom(out)})
	if out.NeedHuman {
		return s.transfer(ctx, conv, reply, handoff.TriggerRefund, out.Reason)
	}
	return false
}

// converse hands WISMO and FAQ turns to the tool-calling orchestrator.
func (s *Service) converse(ctx context.Context, conv *models.Conversation, reply *Reply, history []models.ChatMessage) bool {
	out, err := s.orchestrator.Converse(ctx, orchestrator.Input{
		ConversationID: conv.ID,
		UserID:         conv.UserID,
		History:        history,
	})
	if err != nil {
		reply.Error = replies.Apology(err)
	}
	if out == nil {
		return false
	}
	reply.Content = out.Reply
	reply.ToolData = append(reply.ToolData, out.Data...)
	if out.Handoff == nil {
		return false
	}
	self := s.transfer(ctx, conv, reply, triggerFor(out.Handoff.Tool), out.Handoff.Reason)
	if reply.Content == "" && reply.Error == "" {
		reply.Content = replies.Transfer(out.Handoff.Reason)
	}
	return self
}

func triggerFor(tool orchestrator.ToolName) handoff.Trigger {
	if tool == orchestrator.ToolReturn {
		return handoff.TriggerRefund
	}
	return handoff.TriggerTool
}

// transfer requests a hand-off and records it on the reply. It reports
// whether this call moved the conversation.
func (s *Service) transfer(ctx context.Context, conv *models.Conversation, reply *Reply, trigger handoff.Trigger, reason string) bool {
	_, changed, err := s.handoff.RequestHandoff(ctx, conv.ID, trigger, reason)
	if err != nil {
		audit.FromContext(ctx).Fail(ctx, "handoff", err)
		return false
	}
	reply.Transfer = &Transfer{Reason: reason}
	if changed {
		s.systemNote(ctx, conv, "Transfer to a human agent requested: "+reason, reply.TraceID)
	}
	return changed
}

// deliver re-checks the control state before the reply goes out. A reply
// produced after a human took over is kept in the audit trail only.
func (s *Service) deliver(ctx context.Context, conv *models.Conversation, reply *Reply, selfHandoff bool) *Reply {
	tr := audit.FromContext(ctx)
	if !selfHandoff {
		automated, err := s.handoff.Automated(ctx, conv.ID)
		if err != nil {
			log.Warn().Err(err).Str("conversation_id", conv.ID).Msg("Delivery gate check failed")
		}
		if err == nil && !automated {
			tr.Emit(ctx, models.EventReplySuppressed, map[string]interface{}{
				"content":   reply.Content,
				"tool_data": reply.ToolData,
			})
			metrics.RepliesSuppressed.Inc()
			log.Info().Str("conversation_id", conv.ID).Str("trace_id", reply.TraceID).Msg("Reply suppressed after human takeover")
			return &Reply{ConversationID: reply.ConversationID, TraceID: reply.TraceID, SkipReason: stream.SkipHumanTakeover, Route: reply.Route}
		}
	}

	if reply.Content != "" {
		if _, err := s.sessions.Append(context.WithoutCancel(ctx), conv, models.RoleAssistant, reply.Content, reply.TraceID); err != nil {
			log.Error().Err(err).Str("conversation_id", conv.ID).Msg("Failed to store assistant reply")
		}
	}
	return reply
}

func (s *Service) systemNote(ctx context.Context, conv *models.Conversation, text, traceID string) {
	if _, err := s.sessions.Append(context.WithoutCancel(ctx), conv, models.RoleSystem, text, traceID); err != nil {
		log.Error().Err(err).Str("conversation_id", conv.ID).Msg("Failed to store system note")
	}
}
