package refund_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentoven/supportdesk/internal/orders"
	"github.com/agentoven/supportdesk/internal/payment"
	"github.com/agentoven/supportdesk/internal/policy"
	"github.com/agentoven/supportdesk/internal/refund"
	"github.com/agentoven/supportdesk/internal/store"
	"github.com/agentoven/supportdesk/pkg/contracts"
	"github.com/agentoven/supportdesk/pkg/models"
)

var now = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type fixture struct {
	catalog  *orders.Catalog
	policies contracts.PolicyRetriever
	store    *store.MemoryStore
	gateway  *payment.SandboxGateway
	executor *refund.Executor
	notified *recordingNotifier
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []contracts.NotificationEvent
}

func (n *recordingNotifier) Notify(_ context.Context, ev contracts.NotificationEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *recordingNotifier) types() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.events))
	for _, ev := range n.events {
		out = append(out, ev.Type)
	}
	return out
}

type failingRetriever struct{}

func (failingRetriever) SearchPolicies(context.Context, string, int) ([]models.PolicyHit, error) {
	return nil, errors.New("policy service down")
}

func newFixture(t *testing.T, retriever contracts.PolicyRetriever) *fixture {
	t.Helper()
	catalog, err := orders.Load("", now)
	require.NoError(t, err)
	if retriever == nil {
		kb, err := policy.LoadKnowledgeBase("", 16)
		require.NoError(t, err)
		retriever = kb
	}
	f := &fixture{
		catalog:  catalog,
		policies: retriever,
		store:    store.NewMemoryStore(),
		gateway:  payment.NewSandboxGateway(),
		notified: &recordingNotifier{},
	}
	f.executor = f.newExecutor(catalog, f.gateway)
	return f
}

func (f *fixture) newExecutor(orderPort contracts.OrderAccess, gateway contracts.PaymentGateway) *refund.Executor {
	return refund.NewExecutor(f.store, orderPort, f.policies, gateway,
		refund.Config{MaxAttempts: 3, RetryDelay: time.Millisecond},
		refund.WithClock(func() time.Time { return now }),
		refund.WithNotifier(f.notified),
	)
}

// stuckRecord stores a return left in refund_processing.
func (f *fixture) stuckRecord(t *testing.T, orderID string, amount int64) *models.ReturnRecord {
	t.Helper()
	rec := &models.ReturnRecord{
		ID:              "ret-" + orderID,
		OrderID:         orderID,
		UserID:          "demo-user",
		Status:          models.ReturnRefundProcessing,
		RefundStatus:    models.RefundProcessing,
		RefundID:        "RFSTUCK000000000000000001",
		RefundAmount:    amount,
		RequestedAmount: amount,
		UpdatedAt:       now.Add(-time.Hour),
	}
	require.NoError(t, f.store.CreateReturn(context.Background(), rec))
	return rec
}

// cancellingGateway cancels the caller's context as soon as a refund is
// attempted.
type cancellingGateway struct {
	*payment.SandboxGateway
	cancel context.CancelFunc
}

func (g cancellingGateway) Refund(ctx context.Context, req *contracts.RefundRequest) (*contracts.RefundResponse, error) {
	g.cancel()
	return g.SandboxGateway.Refund(ctx, req)
}

// flakyOrders fails order lookups while down is set.
type flakyOrders struct {
	contracts.OrderAccess
	mu   sync.Mutex
	down bool
}

func (o *flakyOrders) setDown(down bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.down = down
}

func (o *flakyOrders) GetOrder(ctx context.Context, orderID, userID string) (*models.Order, error) {
	o.mu.Lock()
	down := o.down
	o.mu.Unlock()
	if down {
		return nil, errors.New("order service unavailable")
	}
	return o.OrderAccess.GetOrder(ctx, orderID, userID)
}

func request(orderID string) refund.Request {
	return refund.Request{OrderID: orderID, UserID: "demo-user", ConversationID: "conv-1", Reason: "does not fit"}
}

func TestProcess_AutoApprovedRefund(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	out, err := f.executor.Process(ctx, request("ORD-1001"))
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, refund.ActionRefunded, out.Action)
	assert.Equal(t, int64(8900), out.Amount)
	assert.NotEmpty(t, out.RMA)

	calls := f.gateway.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, out.RefundID, calls[0].IdempotencyKey)

	rec, err := f.store.GetReturnByOrder(ctx, "ORD-1001")
	require.NoError(t, err)
	assert.Equal(t, models.ReturnRefunded, rec.Status)
	assert.Equal(t, models.RefundSuccess, rec.RefundStatus)
	assert.NotNil(t, rec.CompletedAt)
	assert.Equal(t, 1, rec.Attempts)
}

func TestProcess_AboveThresholdNeedsApproval(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	out, err := f.executor.Process(ctx, request("ORD-1002"))
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Equal(t, refund.ActionApprovalRequired, out.Action)
	assert.Equal(t, models.ReturnAwaitingApproval, out.Status)
	require.NotEmpty(t, out.ApprovalTaskID)
	assert.Empty(t, f.gateway.Calls())

	task, err := f.store.GetApproval(ctx, out.ApprovalTaskID)
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalPending, task.Status)
	assert.Equal(t, int64(35000), task.Amount)
	assert.Contains(t, f.notified.types(), "approval_created")

	// Asking again neither opens a second task nor calls the gateway.
	again, err := f.executor.Process(ctx, request("ORD-1002"))
	require.NoError(t, err)
	assert.Equal(t, refund.ActionApprovalRequired, again.Action)
	assert.Equal(t, out.ApprovalTaskID, again.ApprovalTaskID)
	pending, err := f.store.ListApprovals(ctx, models.ApprovalPending, 0)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestProcess_WindowExpiredRejected(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	out, err := f.executor.Process(ctx, request("ORD-1003"))
	require.NoError(t, err)
	assert.Equal(t, refund.ActionRejected, out.Action)
	assert.Contains(t, out.Reason, "expired")
	assert.Equal(t, "contact support", out.Suggestion)
	assert.Empty(t, f.gateway.Calls())

	approvals, err := f.store.ListApprovals(ctx, "", 0)
	require.NoError(t, err)
	assert.Empty(t, approvals)

	rec, err := f.store.GetReturnByOrder(ctx, "ORD-1003")
	require.NoError(t, err)
	assert.Equal(t, models.ReturnRejected, rec.Status)
}

func TestProcess_NotDeliveredRejected(t *testing.T) {
	f := newFixture(t, nil)

	out, err := f.executor.Process(context.Background(), request("ORD-1004"))
	require.NoError(t, err)
	assert.Equal(t, refund.ActionRejected, out.Action)
	assert.Empty(t, f.gateway.Calls())
}

func TestProcess_RetryExhaustion(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.gateway.FailNext(3, errors.New("gateway timeout"))

	out, err := f.executor.Process(ctx, request("ORD-1001"))
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Equal(t, refund.ActionRefundFailed, out.Action)
	assert.True(t, out.NeedHuman)
	assert.Equal(t, "gateway timeout", out.Error)

	calls := f.gateway.Calls()
	require.Len(t, calls, 3)
	for _, c := range calls {
		assert.Equal(t, calls[0].IdempotencyKey, c.IdempotencyKey)
	}
	assert.Equal(t, 0, f.gateway.Effects())

	rec, err := f.store.GetReturnByOrder(ctx, "ORD-1001")
	require.NoError(t, err)
	assert.Equal(t, models.ReturnRefundFailed, rec.Status)
	assert.Equal(t, models.RefundFailed, rec.RefundStatus)
	assert.Equal(t, 3, rec.Attempts)
	assert.Contains(t, f.notified.types(), "refund_failed")

	// A later request retries the same ledger entry with the same key.
	retry, err := f.executor.Process(ctx, request("ORD-1001"))
	require.NoError(t, err)
	assert.Equal(t, refund.ActionRefunded, retry.Action)
	assert.Equal(t, calls[0].IdempotencyKey, retry.RefundID)
}

func TestProcess_RecoversWithinAttempts(t *testing.T) {
	f := newFixture(t, nil)
	f.gateway.FailNext(2, nil)

	out, err := f.executor.Process(context.Background(), request("ORD-1001"))
	require.NoError(t, err)
	assert.Equal(t, refund.ActionRefunded, out.Action)
	assert.Len(t, f.gateway.Calls(), 3)
	assert.Equal(t, 1, f.gateway.Effects())
}

func TestProcess_DuplicateRequestIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	first, err := f.executor.Process(ctx, request("ORD-1001"))
	require.NoError(t, err)
	require.Equal(t, refund.ActionRefunded, first.Action)

	second, err := f.executor.Process(ctx, request("ORD-1001"))
	require.NoError(t, err)
	assert.Equal(t, refund.ActionAlreadyRefunded, second.Action)
	assert.Equal(t, first.ReturnID, second.ReturnID)
	assert.Len(t, f.gateway.Calls(), 1)
	assert.Equal(t, 1, f.gateway.Effects())
}

func TestProcess_ConcurrentRequestsRefundOnce(t *testing.T) {
	f := newFixture(t, nil)

	var wg sync.WaitGroup
	results := make(chan refund.Action, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := f.executor.Process(context.Background(), request("ORD-1001"))
			if err == nil {
				results <- out.Action
			}
		}()
	}
	wg.Wait()
	close(results)

	refunded := 0
	for a := range results {
		if a == refund.ActionRefunded {
			refunded++
		}
	}
	assert.Equal(t, 1, refunded)
	assert.Equal(t, 1, f.gateway.Effects())
}

func TestProcess_PaymentNotReady(t *testing.T) {
	f := newFixture(t, nil)
	f.gateway.SetTradeStatus("ORD-1001", "WAIT_BUYER_PAY")

	out, err := f.executor.Process(context.Background(), request("ORD-1001"))
	require.NoError(t, err)
	assert.Equal(t, refund.ActionPaymentNotReady, out.Action)
	assert.False(t, out.NeedHuman)
	assert.Empty(t, f.gateway.Calls())

	rec, err := f.store.GetReturnByOrder(context.Background(), "ORD-1001")
	require.NoError(t, err)
	assert.Equal(t, models.ReturnRefundFailed, rec.Status)
	assert.Contains(t, rec.Error, "payment_not_ready")
}

func TestProcess_PolicyUnavailable(t *testing.T) {
	f := newFixture(t, failingRetriever{})

	out, err := f.executor.Process(context.Background(), request("ORD-1001"))
	require.NoError(t, err)
	assert.Equal(t, refund.ActionRejected, out.Action)
	assert.True(t, out.NeedHuman)
	assert.Empty(t, f.gateway.Calls())
}

func TestProcess_UnknownOrder(t *testing.T) {
	f := newFixture(t, nil)

	out, err := f.executor.Process(context.Background(), refund.Request{OrderID: "ORD-2001", UserID: "demo-user"})
	require.NoError(t, err)
	assert.Equal(t, refund.ActionOrderNotFound, out.Action)

	_, err = f.store.GetReturnByOrder(context.Background(), "ORD-2001")
	assert.True(t, store.IsNotFound(err))
}

func TestApprove_ResumesRefund(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	pending, err := f.executor.Process(ctx, request("ORD-1002"))
	require.NoError(t, err)
	require.Equal(t, refund.ActionApprovalRequired, pending.Action)

	out, err := f.executor.Approve(ctx, pending.ApprovalTaskID, "agent-7")
	require.NoError(t, err)
	assert.Equal(t, refund.ActionRefunded, out.Action)
	assert.Equal(t, int64(35000), out.Amount)
	assert.Equal(t, 1, f.gateway.Effects())

	task, err := f.store.GetApproval(ctx, pending.ApprovalTaskID)
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalApproved, task.Status)
	assert.Equal(t, "agent-7", task.ReviewerID)

	_, err = f.executor.Approve(ctx, pending.ApprovalTaskID, "agent-7")
	assert.ErrorIs(t, err, refund.ErrApprovalDecided)
}

func TestReject_ClosesReturn(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	pending, err := f.executor.Process(ctx, request("ORD-1002"))
	require.NoError(t, err)

	out, err := f.executor.Reject(ctx, pending.ApprovalTaskID, "agent-7", "")
	require.NoError(t, err)
	assert.Equal(t, refund.ActionRejected, out.Action)
	assert.Empty(t, f.gateway.Calls())

	rec, err := f.store.GetReturn(ctx, pending.ReturnID)
	require.NoError(t, err)
	assert.Equal(t, models.ReturnRejected, rec.Status)
}

func TestReconciler_ResumesStaleProcessing(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	rec := &models.ReturnRecord{
		ID:           "ret-stale",
		OrderID:      "ORD-1001",
		UserID:       "demo-user",
		Status:       models.ReturnRefundProcessing,
		RefundStatus: models.RefundProcessing,
		RefundID:     "RFSTALE0000000000000000001",
		RefundAmount: 8900,
		UpdatedAt:    now.Add(-time.Hour),
	}
	require.NoError(t, f.store.CreateReturn(ctx, rec))

	r := refund.NewReconciler(f.executor, f.store, "", 10*time.Minute)
	assert.Equal(t, 1, r.Sweep(ctx))

	calls := f.gateway.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "RFSTALE0000000000000000001", calls[0].IdempotencyKey)

	got, err := f.store.GetReturn(ctx, "ret-stale")
	require.NoError(t, err)
	assert.Equal(t, models.ReturnRefunded, got.Status)
}

func TestLocalLocker_SerialisesPerKey(t *testing.T) {
	l := refund.NewLocalLocker()
	ctx := context.Background()

	unlock, err := l.Lock(ctx, "refund:ORD-1")
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(waitCtx, "refund:ORD-1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	other, err := l.Lock(ctx, "refund:ORD-2")
	require.NoError(t, err)
	other()

	unlock()
	again, err := l.Lock(ctx, "refund:ORD-1")
	require.NoError(t, err)
	again()
}

func TestProcess_RetriesSurviveCallerCancellation(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.gateway.FailNext(2, errors.New("gateway timeout"))
	executor := f.newExecutor(f.catalog, cancellingGateway{SandboxGateway: f.gateway, cancel: cancel})

	out, err := executor.Process(ctx, request("ORD-1001"))
	require.NoError(t, err)
	assert.Equal(t, refund.ActionRefunded, out.Action)
	assert.Len(t, f.gateway.Calls(), 3)
	assert.Equal(t, 1, f.gateway.Effects())

	rec, err := f.store.GetReturnByOrder(context.Background(), "ORD-1001")
	require.NoError(t, err)
	assert.Equal(t, models.ReturnRefunded, rec.Status)
	assert.Equal(t, 3, rec.Attempts)
}

func TestProcess_AdminRedriveRechecksEligibility(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.stuckRecord(t, "ORD-1003", 99999)

	req := request("ORD-1003")
	req.Source = models.SourceAdmin
	out, err := f.executor.Process(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, refund.ActionRejected, out.Action)
	assert.Contains(t, out.Reason, "expired")
	assert.Empty(t, f.gateway.Calls())

	rec, err := f.store.GetReturnByOrder(ctx, "ORD-1003")
	require.NoError(t, err)
	assert.Equal(t, models.ReturnRejected, rec.Status)
	assert.Equal(t, models.RefundNone, rec.RefundStatus)
}

func TestProcess_AdminRedriveKeepsRefundID(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	stuck := f.stuckRecord(t, "ORD-1001", 99999)

	// Without staff involvement the record is left to the reconciler.
	agent, err := f.executor.Process(ctx, request("ORD-1001"))
	require.NoError(t, err)
	assert.Equal(t, refund.ActionInProgress, agent.Action)
	assert.Empty(t, f.gateway.Calls())

	req := request("ORD-1001")
	req.Source = models.SourceAdmin
	out, err := f.executor.Process(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, refund.ActionRefunded, out.Action)
	assert.Equal(t, int64(8900), out.Amount)

	calls := f.gateway.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, stuck.RefundID, calls[0].IdempotencyKey)
	assert.Equal(t, int64(8900), calls[0].Amount)
}

func TestProcess_AdminRedriveAboveThresholdNeedsApproval(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.stuckRecord(t, "ORD-1002", 35000)

	req := request("ORD-1002")
	req.Source = models.SourceAdmin
	out, err := f.executor.Process(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, refund.ActionApprovalRequired, out.Action)
	assert.NotEmpty(t, out.ApprovalTaskID)
	assert.Empty(t, f.gateway.Calls())

	rec, err := f.store.GetReturnByOrder(ctx, "ORD-1002")
	require.NoError(t, err)
	assert.Equal(t, models.ReturnAwaitingApproval, rec.Status)
}

func TestApprove_FailureLeavesTaskPending(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	orderPort := &flakyOrders{OrderAccess: f.catalog}
	executor := f.newExecutor(orderPort, f.gateway)

	pending, err := executor.Process(ctx, request("ORD-1002"))
	require.NoError(t, err)
	require.Equal(t, refund.ActionApprovalRequired, pending.Action)

	orderPort.setDown(true)
	_, err = executor.Approve(ctx, pending.ApprovalTaskID, "agent-7")
	require.Error(t, err)

	task, err := f.store.GetApproval(ctx, pending.ApprovalTaskID)
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalPending, task.Status)
	rec, err := f.store.GetReturn(ctx, pending.ReturnID)
	require.NoError(t, err)
	assert.Equal(t, models.ReturnAwaitingApproval, rec.Status)

	orderPort.setDown(false)
	out, err := executor.Approve(ctx, pending.ApprovalTaskID, "agent-7")
	require.NoError(t, err)
	assert.Equal(t, refund.ActionRefunded, out.Action)
	assert.Equal(t, 1, f.gateway.Effects())
}
