package chat_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentoven/supportdesk/internal/audit"
	"github.com/agentoven/supportdesk/internal/chat"
	"github.com/agentoven/supportdesk/internal/handoff"
	"github.com/agentoven/supportdesk/internal/intent"
	"github.com/agentoven/supportdesk/internal/llm"
	"github.com/agentoven/supportdesk/internal/orchestrator"
	"github.com/agentoven/supportdesk/internal/orders"
	"github.com/agentoven/supportdesk/internal/payment"
	"github.com/agentoven/supportdesk/internal/policy"
	"github.com/agentoven/supportdesk/internal/refund"
	"github.com/agentoven/supportdesk/internal/replies"
	"github.com/agentoven/supportdesk/internal/sessions"
	"github.com/agentoven/supportdesk/internal/store"
	"github.com/agentoven/supportdesk/internal/stream"
	"github.com/agentoven/supportdesk/pkg/models"
)

var now = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type conversorFunc func(ctx context.Context, in orchestrator.Input) (*orchestrator.Outcome, error)

func (f conversorFunc) Converse(ctx context.Context, in orchestrator.Input) (*orchestrator.Outcome, error) {
	return f(ctx, in)
}

type fixture struct {
	store   *store.MemoryStore
	machine *handoff.Machine
	gateway *payment.SandboxGateway
	svc     *chat.Service
	conv    conversorFunc
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	catalog, err := orders.Load("", now)
	require.NoError(t, err)
	kb, err := policy.LoadKnowledgeBase("", 16)
	require.NoError(t, err)

	f := &fixture{store: store.NewMemoryStore(), gateway: payment.NewSandboxGateway()}
	f.machine = handoff.NewMachine(f.store, nil)
	executor := refund.NewExecutor(f.store, catalog, kb, f.gateway,
		refund.Config{MaxAttempts: 3, RetryDelay: time.Millisecond},
		refund.WithClock(func() time.Time { return now }),
	)
	f.conv = func(context.Context, orchestrator.Input) (*orchestrator.Outcome, error) {
		return &orchestrator.Outcome{Reply: "Happy to help."}, nil
	}
	f.svc = chat.NewService(
		sessions.NewManager(f.store, 30),
		audit.NewRecorder(f.store),
		nil,
		intent.NewRouter(nil, nil),
		f.machine,
		conversorFunc(func(ctx context.Context, in orchestrator.Input) (*orchestrator.Outcome, error) {
			return f.conv(ctx, in)
		}),
		executor,
	)
	return f
}

func (f *fixture) send(t *testing.T, convID, text string) *chat.Reply {
	t.Helper()
	reply, err := f.svc.Handle(context.Background(), chat.Inbound{ConversationID: convID, UserID: "demo-user", Message: text})
	require.NoError(t, err)
	return reply
}

func (f *fixture) messages(t *testing.T, convID string) []models.Message {
	t.Helper()
	msgs, err := f.store.ListMessages(context.Background(), convID, 0)
	require.NoError(t, err)
	return msgs
}

func (f *fixture) eventTypes(t *testing.T, traceID string) []models.EventType {
	t.Helper()
	events, err := f.store.ListEventsByTrace(context.Background(), traceID)
	require.NoError(t, err)
	var types []models.EventType
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	return types
}

func TestHandle_ReturnFlowRefunds(t *testing.T) {
	f := newFixture(t)

	reply := f.send(t, "", "I want to return ORD-1001, it does not fit")
	assert.False(t, reply.Skipped())
	assert.Empty(t, reply.Error)
	assert.Contains(t, reply.Content, "89.00 CNY")
	require.Len(t, reply.ToolData, 1)
	assert.Equal(t, "refund", reply.ToolData[0].Type)
	assert.Equal(t, intent.CategoryReturn, reply.Route.Category)
	assert.Equal(t, 1, f.gateway.Effects())

	msgs := f.messages(t, reply.ConversationID)
	require.Len(t, msgs, 2)
	assert.Equal(t, models.RoleUser, msgs[0].Role)
	assert.Equal(t, models.RoleAssistant, msgs[1].Role)
	assert.Equal(t, reply.TraceID, msgs[1].TraceID)

	types := f.eventTypes(t, reply.TraceID)
	require.NotEmpty(t, types)
	assert.Equal(t, models.EventRouteDecision, types[0])
	assert.Contains(t, types, models.EventPolicyHit)
	assert.Contains(t, types, models.EventToolResult)
}

func TestHandle_ReturnWithoutOrderAsks(t *testing.T) {
	f := newFixture(t)
	reply := f.send(t, "", "I want a refund")
	assert.Equal(t, replies.AskOrderID(), reply.Content)
	assert.Zero(t, f.gateway.Effects())
}

func TestHandle_TransferKeywordThenTakeover(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	reply := f.send(t, "", "转人工")
	assert.Equal(t, stream.SkipTransferRequested, reply.SkipReason)
	require.NotNil(t, reply.Transfer)

	conv, err := f.store.GetConversation(ctx, reply.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, models.ControlPendingHuman, conv.ControlState)

	called := false
	f.conv = func(context.Context, orchestrator.Input) (*orchestrator.Outcome, error) {
		called = true
		return &orchestrator.Outcome{Reply: "should not run"}, nil
	}
	next := f.send(t, reply.ConversationID, "hello? where is my parcel")
	assert.Equal(t, stream.SkipHumanTakeover, next.SkipReason)
	assert.Empty(t, next.Content)
	assert.False(t, called)

	// The user message is still stored.
	msgs := f.messages(t, reply.ConversationID)
	assert.Equal(t, "hello? where is my parcel", msgs[len(msgs)-1].Content)
}

func TestHandle_FAQGoesToOrchestrator(t *testing.T) {
	f := newFixture(t)
	var got orchestrator.Input
	f.conv = func(_ context.Context, in orchestrator.Input) (*orchestrator.Outcome, error) {
		got = in
		return &orchestrator.Outcome{
			Reply: "Returns are accepted within 30 days.",
			Data:  []orchestrator.ToolData{{Type: "orders", Data: []string{"ORD-1001"}}},
		}, nil
	}

	reply := f.send(t, "", "what is your return policy")
	assert.Equal(t, "Returns are accepted within 30 days.", reply.Content)
	assert.Len(t, reply.ToolData, 1)
	assert.Equal(t, "demo-user", got.UserID)
	require.Len(t, got.History, 1)
	assert.Equal(t, "what is your return policy", got.History[0].Content)
}

func TestHandle_OrchestratorHandoffIsDelivered(t *testing.T) {
	f := newFixture(t)
	f.conv = func(context.Context, orchestrator.Input) (*orchestrator.Outcome, error) {
		return &orchestrator.Outcome{
			Reply:   "Let me get a colleague for you.",
			Handoff: &orchestrator.HandoffSignal{Tool: orchestrator.ToolTransfer, Reason: "billing dispute"},
		}, nil
	}

	reply := f.send(t, "", "where is my parcel")
	assert.False(t, reply.Skipped())
	assert.Equal(t, "Let me get a colleague for you.", reply.Content)
	require.NotNil(t, reply.Transfer)
	assert.Equal(t, "billing dispute", reply.Transfer.Reason)

	conv, err := f.store.GetConversation(context.Background(), reply.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, models.ControlPendingHuman, conv.ControlState)
}

func TestHandle_ReplySuppressedAfterMidTurnTakeover(t *testing.T) {
	f := newFixture(t)
	f.conv = func(ctx context.Context, in orchestrator.Input) (*orchestrator.Outcome, error) {
		// An agent grabs the conversation while the model is thinking.
		if _, _, err := f.machine.RequestHandoff(ctx, in.ConversationID, handoff.TriggerKeyword, "reviewer"); err != nil {
			return nil, err
		}
		if _, err := f.machine.Claim(ctx, in.ConversationID, "agent-a"); err != nil {
			return nil, err
		}
		return &orchestrator.Outcome{Reply: "Your parcel is in Suzhou."}, nil
	}

	reply := f.send(t, "", "where is my parcel")
	assert.Equal(t, stream.SkipHumanTakeover, reply.SkipReason)
	assert.Empty(t, reply.Content)
	assert.Contains(t, f.eventTypes(t, reply.TraceID), models.EventReplySuppressed)

	for _, msg := range f.messages(t, reply.ConversationID) {
		assert.NotEqual(t, "Your parcel is in Suzhou.", msg.Content)
	}
}

func TestHandle_OrchestratorErrorApologises(t *testing.T) {
	f := newFixture(t)
	f.conv = func(context.Context, orchestrator.Input) (*orchestrator.Outcome, error) {
		return nil, &llm.CallError{Kind: llm.ErrTimeout, Provider: "primary", Err: errors.New("context deadline exceeded")}
	}

	reply := f.send(t, "", "where is my parcel")
	assert.Equal(t, replies.TimeoutApology, reply.Error)
	assert.Empty(t, reply.Content)
	assert.Len(t, f.messages(t, reply.ConversationID), 1)
}

func TestHandle_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Handle(ctx, chat.Inbound{UserID: "demo-user", Message: "   "})
	assert.ErrorIs(t, err, chat.ErrEmptyMessage)

	reply := f.send(t, "", "hello")
	_, err = f.svc.Handle(ctx, chat.Inbound{ConversationID: reply.ConversationID, UserID: "intruder", Message: "hi"})
	assert.ErrorIs(t, err, sessions.ErrForbidden)
}

func TestExtractOrderID(t *testing.T) {
	tests := map[string]string{
		"return ORD-1001 please": "ORD-1001",
		"退货 ord_20260310ab":      "ORD_20260310AB",
		"order 1001":             "",
		"ORD-1":                  "",
	}
	for in, want := range tests {
		if got := chat.ExtractOrderID(in); got != want {
			t.Errorf("ExtractOrderID(%q) = %q, want %q", in, got, want)
		}
	}
}
