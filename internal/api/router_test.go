package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentoven/supportdesk/internal/api"
	"github.com/agentoven/supportdesk/internal/api/handlers"
	"github.com/agentoven/supportdesk/internal/api/middleware"
	"github.com/agentoven/supportdesk/internal/audit"
	"github.com/agentoven/supportdesk/internal/auth"
	"github.com/agentoven/supportdesk/internal/chat"
	"github.com/agentoven/supportdesk/internal/config"
	"github.com/agentoven/supportdesk/internal/handoff"
	"github.com/agentoven/supportdesk/internal/intent"
	"github.com/agentoven/supportdesk/internal/orchestrator"
	"github.com/agentoven/supportdesk/internal/orders"
	"github.com/agentoven/supportdesk/internal/payment"
	"github.com/agentoven/supportdesk/internal/policy"
	"github.com/agentoven/supportdesk/internal/refund"
	"github.com/agentoven/supportdesk/internal/sessions"
	"github.com/agentoven/supportdesk/internal/store"
	"github.com/agentoven/supportdesk/pkg/models"
)

type staticConversor string

func (s staticConversor) Converse(context.Context, orchestrator.Input) (*orchestrator.Outcome, error) {
	return &orchestrator.Outcome{Reply: string(s)}, nil
}

func newServer(t *testing.T) http.Handler {
	t.Helper()
	srv, _ := newServerWithStore(t)
	return srv
}

func newServerWithStore(t *testing.T) (http.Handler, *store.MemoryStore) {
	t.Helper()
	now := time.Now()
	catalog, err := orders.Load("", now)
	require.NoError(t, err)
	kb, err := policy.LoadKnowledgeBase("", 16)
	require.NoError(t, err)

	s := store.NewMemoryStore()
	machine := handoff.NewMachine(s, nil)
	sm := sessions.NewManager(s, 30)
	executor := refund.NewExecutor(s, catalog, kb, payment.NewSandboxGateway(),
		refund.Config{MaxAttempts: 2, RetryDelay: time.Millisecond})
	chatSvc := chat.NewService(sm, audit.NewRecorder(s), nil, intent.NewRouter(nil, nil),
		machine, staticConversor("Happy to help."), executor)

	chain := auth.NewProviderChain()
	chain.RegisterProvider(auth.NewHeaderProvider(true))

	h := handlers.New(s, chatSvc, sm, machine, executor, catalog, 4)
	cfg := &config.Config{Version: "test", CORSOrigins: []string{"*"}}
	return api.NewRouter(cfg, h, middleware.NewAuthMiddleware(chain, true)), s
}

func do(t *testing.T, srv http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

var (
	customer = map[string]string{"X-User-Id": "demo-user"}
	agentA   = map[string]string{"X-Agent-Id": "agent-a"}
	agentB   = map[string]string{"X-Agent-Id": "agent-b"}
)

func TestPublicAndAuth(t *testing.T) {
	srv := newServer(t)

	assert.Equal(t, http.StatusOK, do(t, srv, "GET", "/health", "", nil).Code)
	assert.Equal(t, http.StatusOK, do(t, srv, "GET", "/metrics", "", nil).Code)

	rec := do(t, srv, "GET", "/version", "", nil)
	assert.Contains(t, rec.Body.String(), `"version":"test"`)

	assert.Equal(t, http.StatusUnauthorized, do(t, srv, "GET", "/api/v1/conversations", "", nil).Code)
	assert.Equal(t, http.StatusForbidden, do(t, srv, "GET", "/api/v1/admin/conversations", "", customer).Code)
	assert.Equal(t, http.StatusOK, do(t, srv, "GET", "/api/v1/admin/conversations", "", agentA).Code)
}

func TestChatStreamsReply(t *testing.T) {
	srv := newServer(t)

	rec := do(t, srv, "POST", "/api/v1/chat", `{"message":"I want to return ORD-1001"}`, customer)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	convID := rec.Header().Get("X-Conversation-Id")
	traceID := rec.Header().Get("X-Trace-Id")
	require.NotEmpty(t, convID)
	require.NotEmpty(t, traceID)

	body := rec.Body.String()
	assert.True(t, strings.HasPrefix(body, `data: {"tool_data":`), body)
	assert.True(t, strings.HasSuffix(body, "data: {\"done\":true}\n\n"), body)

	// The customer sees their conversation and the refunded return.
	rec = do(t, srv, "GET", "/api/v1/conversations/"+convID+"/messages", "", customer)
	require.Equal(t, http.StatusOK, rec.Code)
	var msgs struct {
		Items []map[string]interface{} `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msgs))
	assert.Len(t, msgs.Items, 2)

	rec = do(t, srv, "GET", "/api/v1/returns", "", customer)
	assert.Contains(t, rec.Body.String(), `"status":"refunded"`)

	// Somebody else's conversation is off limits.
	rec = do(t, srv, "GET", "/api/v1/conversations/"+convID+"/messages", "", map[string]string{"X-User-Id": "other-user"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, srv, "GET", "/api/v1/admin/traces/"+traceID, "", agentA)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ROUTE_DECISION"`)
}

func TestChatRejectsBadInput(t *testing.T) {
	srv := newServer(t)
	assert.Equal(t, http.StatusBadRequest, do(t, srv, "POST", "/api/v1/chat", `{"message":"  "}`, customer).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, srv, "POST", "/api/v1/chat", `not json`, customer).Code)
}

func TestBadBodyDoesNotLeakDecoderErrors(t *testing.T) {
	srv := newServer(t)
	rec := do(t, srv, "POST", "/api/v1/admin/approvals/apr-1/reject", `{"reason":`, agentA)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"Invalid request body"}`, rec.Body.String())
}

func TestHandoffLifecycle(t *testing.T) {
	srv := newServer(t)

	rec := do(t, srv, "POST", "/api/v1/chat", `{"message":"转人工"}`, customer)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"transfer":true`)
	assert.Contains(t, rec.Body.String(), `"reason":"transfer_requested"`)
	convID := rec.Header().Get("X-Conversation-Id")
	base := "/api/v1/admin/conversations/" + convID

	// Agent replies need a claim first.
	msg := `{"conversation_id":"` + convID + `","content":"Hi, this is Ana."}`
	assert.Equal(t, http.StatusConflict, do(t, srv, "POST", "/api/v1/admin/messages", msg, agentA).Code)

	require.Equal(t, http.StatusOK, do(t, srv, "POST", base+"/claim", "", agentA).Code)
	assert.Equal(t, http.StatusConflict, do(t, srv, "POST", base+"/claim", "", agentB).Code)

	assert.Equal(t, http.StatusForbidden, do(t, srv, "POST", "/api/v1/admin/messages", msg, agentB).Code)
	assert.Equal(t, http.StatusCreated, do(t, srv, "POST", "/api/v1/admin/messages", msg, agentA).Code)

	// The assistant stays silent while a human owns the conversation.
	rec = do(t, srv, "POST", "/api/v1/chat", `{"message":"thanks","conversation_id":"`+convID+`"}`, customer)
	assert.Contains(t, rec.Body.String(), `"reason":"human_takeover"`)
	assert.NotContains(t, rec.Body.String(), `"content"`)

	assert.Equal(t, http.StatusForbidden, do(t, srv, "POST", base+"/release", "", agentB).Code)
	require.Equal(t, http.StatusOK, do(t, srv, "POST", base+"/release", "", agentA).Code)

	rec = do(t, srv, "POST", "/api/v1/chat", `{"message":"what is your return policy","conversation_id":"`+convID+`"}`, customer)
	assert.Contains(t, rec.Body.String(), `"content":"Happ"`)

	rec = do(t, srv, "GET", base+"/events", "", agentA)
	assert.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, http.StatusNoContent, do(t, srv, "DELETE", base, "", agentA).Code)
	assert.Equal(t, http.StatusNotFound, do(t, srv, "GET", base+"/messages", "", agentA).Code)
}

func TestOrders(t *testing.T) {
	srv := newServer(t)

	rec := do(t, srv, "GET", "/api/v1/orders", "", customer)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ORD-1001")
	assert.NotContains(t, rec.Body.String(), "ORD-2001")

	assert.Equal(t, http.StatusNotFound, do(t, srv, "GET", "/api/v1/orders/ORD-2001", "", customer).Code)
	assert.Equal(t, http.StatusOK, do(t, srv, "GET", "/api/v1/admin/orders/ORD-2001", "", agentA).Code)
}

func TestApprovalsAndManualRefund(t *testing.T) {
	srv := newServer(t)

	assert.Equal(t, http.StatusNotFound, do(t, srv, "POST", "/api/v1/admin/approvals/missing/approve", "", agentA).Code)
	assert.Equal(t, http.StatusNotFound, do(t, srv, "POST", "/api/v1/admin/returns/missing/refund", "", agentA).Code)

	rec := do(t, srv, "GET", "/api/v1/admin/approvals?status=pending", "", agentA)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"items":[]}`, rec.Body.String())
}

func TestManualRefundRechecksEligibility(t *testing.T) {
	srv, s := newServerWithStore(t)
	ctx := context.Background()

	// Delivered outside the return window, stuck mid-refund.
	require.NoError(t, s.CreateReturn(ctx, &models.ReturnRecord{
		ID:              "ret-stuck",
		OrderID:         "ORD-1003",
		UserID:          "demo-user",
		Status:          models.ReturnRefundProcessing,
		RefundStatus:    models.RefundProcessing,
		RefundID:        "RFSTUCK000000000000000001",
		RefundAmount:    99999,
		RequestedAmount: 99999,
	}))

	rec := do(t, srv, "POST", "/api/v1/admin/returns/ret-stuck/refund", "", agentA)
	require.Equal(t, http.StatusOK, rec.Code)
	var out refund.Outcome
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, refund.ActionRejected, out.Action)

	got, err := s.GetReturn(ctx, "ret-stuck")
	require.NoError(t, err)
	assert.Equal(t, models.ReturnRejected, got.Status)
}
