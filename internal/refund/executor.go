// Package refund drives the Return Ledger and the payment gateway through
// the refund protocol.
//
// Ledger states:
//
//	none → rejected
//	none → awaiting_approval → refund_processing | rejected
//	none → refund_processing → refunded | refund_failed
//	rejected | refund_failed → (re-evaluated on the next request)
//	refund_processing → (re-evaluated when staff re-drive it)
//
// Every transition is a compare-and-set on the stored status, and every
// order is processed under a per-order lock. The refund id is assigned once
// per record and presented to the gateway on every attempt.
package refund

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/agentoven/supportdesk/internal/audit"
	"github.com/agentoven/supportdesk/internal/eligibility"
	"github.com/agentoven/supportdesk/internal/ids"
	"github.com/agentoven/supportdesk/internal/metrics"
	"github.com/agentoven/supportdesk/internal/store"
	"github.com/agentoven/supportdesk/pkg/contracts"
	"github.com/agentoven/supportdesk/pkg/models"
)

var tracer = otel.Tracer("supportdesk/refund")

// Action is the outcome tag returned to callers.
type Action string

const (
	ActionRefunded         Action = "refunded"
	ActionApprovalRequired Action = "approval_required"
	ActionRejected         Action = "rejected"
	ActionAlreadyRefunded  Action = "already_refunded"
	ActionPaymentNotReady  Action = "payment_not_ready"
	ActionRefundFailed     Action = "refund_failed"
	ActionOrderNotFound    Action = "order_not_found"
	ActionInProgress       Action = "in_progress"
)

var (
	// ErrApprovalDecided is returned when an approval task is no longer pending.
	ErrApprovalDecided = errors.New("approval task already decided")
)

// Config tunes the executor.
type Config struct {
	// MaxAttempts is the number of gateway refund calls per attempt (default 3).
	MaxAttempts int
	// RetryDelay is the fixed pause between gateway calls.
	RetryDelay time.Duration
	// ExecuteTimeout bounds one run of the gateway protocol, which is
	// detached from the caller's context (default 2m).
	ExecuteTimeout   time.Duration
	WindowDays       int
	DefaultThreshold int64
	PolicyQuery      string
	PolicyTopK       int
}

// Request starts or re-evaluates a return for one order.
type Request struct {
	OrderID        string
	UserID         string
	ConversationID string
	Reason         string
	// Amount in minor units; zero requests the full paid amount.
	Amount int64
	Source models.ReturnSource
	// ConditionOK records the customer's statement about item condition.
	// Nil means not stated and is stored as true.
	ConditionOK *bool
}

// Outcome is the typed result of a refund operation.
type Outcome struct {
	Success        bool                `json:"success"`
	Action         Action              `json:"action"`
	Status         models.ReturnStatus `json:"status,omitempty"`
	OrderID        string              `json:"order_id"`
	ReturnID       string              `json:"return_id,omitempty"`
	RefundID       string              `json:"refund_id,omitempty"`
	ApprovalTaskID string              `json:"approval_task_id,omitempty"`
	Amount         int64               `json:"amount"`
	Currency       string              `json:"currency,omitempty"`
	RMA            string              `json:"rma,omitempty"`
	NeedHuman      bool                `json:"need_human"`
	Reason         string              `json:"reason"`
	Suggestion     string              `json:"suggestion,omitempty"`
	Error          string              `json:"error,omitempty"`
}

// Executor implements the refund protocol.
type Executor struct {
	store    store.Store
	orders   contracts.OrderAccess
	policies contracts.PolicyRetriever
	gateway  contracts.PaymentGateway
	notifier contracts.Notifier
	locker   Locker
	recorder *audit.Recorder
	cfg      Config
	now      func() time.Time
}

// Option customises an Executor.
type Option func(*Executor)

// WithLocker replaces the default in-process locker.
func WithLocker(l Locker) Option { return func(e *Executor) { e.locker = l } }

// WithNotifier sets the reviewer notifier.
func WithNotifier(n contracts.Notifier) Option { return func(e *Executor) { e.notifier = n } }

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(e *Executor) { e.now = now } }

// NewExecutor wires the executor to its ports.
func NewExecutor(s store.Store, orders contracts.OrderAccess, policies contracts.PolicyRetriever,
	gateway contracts.PaymentGateway, cfg Config, opts ...Option) *Executor {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.ExecuteTimeout <= 0 {
		cfg.ExecuteTimeout = 2 * time.Minute
	}
	if cfg.PolicyQuery == "" {
		cfg.PolicyQuery = "return policy refund threshold"
	}
	if cfg.PolicyTopK <= 0 {
		cfg.PolicyTopK = 3
	}
	e := &Executor{
		store:    s,
		orders:   orders,
		policies: policies,
		gateway:  gateway,
		notifier: contracts.NopNotifier{},
		locker:   NewLocalLocker(),
		recorder: audit.NewRecorder(s),
		cfg:      cfg,
		now:      time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// ── Process ─────────────────────────────────────────────────

// Process evaluates the order and drives it to a terminal or waiting state.
// Policy outcomes (rejected, already refunded, approval required) are
// returned as an Outcome with a nil error; errors are infrastructure
// failures only.
func (e *Executor) Process(ctx context.Context, req Request) (*Outcome, error) {
	ctx, span := tracer.Start(ctx, "refund.Process")
	defer span.End()
	span.SetAttributes(attribute.String("order_id", req.OrderID), attribute.String("source", string(req.Source)))

	tr := e.trace(ctx, req.ConversationID, req.UserID)
	if req.Source == "" {
		req.Source = models.SourceAgent
	}

	unlock, err := e.locker.Lock(ctx, "refund:"+req.OrderID)
	if err != nil {
		return nil, tr.Fail(ctx, "refund_lock", err)
	}
	defer unlock()

	order, err := e.orders.GetOrder(ctx, req.OrderID, req.UserID)
	if store.IsNotFound(err) {
		return e.finish(req.Source, &Outcome{
			Action:  ActionOrderNotFound,
			OrderID: req.OrderID,
			Reason:  fmt.Sprintf("We could not find order %s under your account.", req.OrderID),
		}), nil
	}
	if err != nil {
		return nil, tr.Fail(ctx, "order_lookup", err)
	}

	existing, err := e.store.GetReturnByOrder(ctx, order.ID)
	if err != nil && !store.IsNotFound(err) {
		return nil, tr.Fail(ctx, "ledger_read", err)
	}
	if err != nil {
		existing = nil
	}

	// An approval waits for its reviewer. A processing record belongs to the
	// reconciler unless staff re-drive it, in which case it goes through the
	// full evaluation below and keeps its refund id.
	if existing != nil {
		switch existing.Status {
		case models.ReturnAwaitingApproval:
			out := outcomeFor(existing, ActionApprovalRequired, "This refund is waiting for a supervisor's approval.")
			out.Currency = order.Currency
			if task, err := e.store.PendingApprovalForReturn(ctx, existing.ID); err == nil {
				out.ApprovalTaskID = task.ID
			}
			return e.finish(req.Source, out), nil
		case models.ReturnRefundProcessing:
			if req.Source == models.SourceAdmin {
				log.Info().Str("order_id", order.ID).Str("return_id", existing.ID).Msg("Re-evaluating refund stuck in processing")
				break
			}
			return e.finish(req.Source, outcomeFor(existing, ActionInProgress, "A refund for this order is already being processed.")), nil
		}
	}

	hits := e.searchPolicies(ctx, tr)
	var history []models.ReturnRecord
	if existing != nil {
		history = append(history, *existing)
	}
	res := eligibility.Evaluate(eligibility.Input{
		Order:            order,
		History:          history,
		PolicyHits:       hits,
		RequestedAmount:  req.Amount,
		Now:              e.now(),
		WindowDays:       e.cfg.WindowDays,
		DefaultThreshold: e.cfg.DefaultThreshold,
	})
	span.SetAttributes(attribute.String("eligibility", string(res.Code)))
	log.Info().
		Str("trace_id", tr.ID).
		Str("order_id", order.ID).
		Str("code", string(res.Code)).
		Int("days_since", res.DaysSince).
		Int64("amount", res.Amount).
		Int64("threshold", res.Threshold).
		Msg("Return eligibility evaluated")

	if res.AlreadyRefunded {
		out := outcomeFor(existing, ActionAlreadyRefunded, res.Reason)
		out.Currency = order.Currency
		log.Info().Str("order_id", order.ID).Str("return_id", existing.ID).Msg("Duplicate refund request short-circuited")
		return e.finish(req.Source, out), nil
	}

	rec := e.draft(existing, order, req, res)

	switch {
	case !res.Eligible:
		rec.Status = models.ReturnRejected
		rec.Error = res.Reason
		clearProcessing(rec)
		if err := e.save(ctx, existing, rec); err != nil {
			return e.conflict(ctx, tr, order, req.Source, err)
		}
		out := outcomeFor(rec, ActionRejected, res.Reason)
		out.NeedHuman = res.NeedHuman
		out.Suggestion = res.Suggestion
		out.Currency = order.Currency
		return e.finish(req.Source, out), nil

	case res.NeedApproval:
		rec.Status = models.ReturnAwaitingApproval
		clearProcessing(rec)
		if err := e.save(ctx, existing, rec); err != nil {
			return e.conflict(ctx, tr, order, req.Source, err)
		}
		task, err := e.openApproval(ctx, tr, rec, res)
		if err != nil {
			return nil, tr.Fail(ctx, "approval_create", err)
		}
		out := outcomeFor(rec, ActionApprovalRequired, res.Reason)
		out.ApprovalTaskID = task.ID
		out.Currency = order.Currency
		return e.finish(req.Source, out), nil

	default:
		rec.Status = models.ReturnRefundProcessing
		rec.RefundStatus = models.RefundProcessing
		rec.Error = ""
		if err := e.save(ctx, existing, rec); err != nil {
			return e.conflict(ctx, tr, order, req.Source, err)
		}
		return e.finish(req.Source, e.execute(ctx, tr, rec, order)), nil
	}
}

// ── Approvals ───────────────────────────────────────────────

// Approve marks a pending approval as approved and resumes the refund.
// The return record moves to refund_processing before the task is decided,
// so a failure on the way leaves the task pending and Approve can be retried.
func (e *Executor) Approve(ctx context.Context, taskID, reviewerID string) (*Outcome, error) {
	ctx, span := tracer.Start(ctx, "refund.Approve")
	defer span.End()

	task, err := e.store.GetApproval(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != models.ApprovalPending {
		return nil, ErrApprovalDecided
	}
	tr := e.trace(ctx, "", task.UserID)

	unlock, err := e.locker.Lock(ctx, "refund:"+task.OrderID)
	if err != nil {
		return nil, tr.Fail(ctx, "refund_lock", err)
	}
	defer unlock()

	// Re-read under the lock.
	task, err = e.store.GetApproval(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != models.ApprovalPending {
		return nil, ErrApprovalDecided
	}
	rec, err := e.store.GetReturn(ctx, task.ReturnID)
	if err != nil {
		return nil, tr.Fail(ctx, "ledger_read", err)
	}
	tr.ConversationID = rec.ConversationID

	if rec.Status != models.ReturnAwaitingApproval {
		if err := e.decide(ctx, tr, taskID, reviewerID); err != nil {
			return nil, err
		}
		if rec.RefundStatus == models.RefundSuccess {
			return e.finish(models.SourceAdmin, outcomeFor(rec, ActionAlreadyRefunded, "This order has already been refunded.")), nil
		}
		return e.finish(models.SourceAdmin, outcomeFor(rec, ActionInProgress, "The return is no longer waiting for approval.")), nil
	}

	order, err := e.orders.GetOrder(ctx, rec.OrderID, rec.UserID)
	if err != nil {
		return nil, tr.Fail(ctx, "order_lookup", err)
	}

	prev := *rec
	rec.Status = models.ReturnRefundProcessing
	rec.RefundStatus = models.RefundProcessing
	rec.Source = models.SourceAdmin
	if rec.RefundID == "" {
		rec.RefundID = ids.RefundKey()
	}
	if err := e.store.UpdateReturn(ctx, rec, models.ReturnAwaitingApproval); err != nil {
		return e.conflict(ctx, tr, order, models.SourceAdmin, err)
	}
	if err := e.decide(ctx, tr, taskID, reviewerID); err != nil {
		if rerr := e.store.UpdateReturn(context.WithoutCancel(ctx), &prev, models.ReturnRefundProcessing); rerr != nil {
			log.Error().Err(rerr).Str("return_id", rec.ID).Msg("Failed to restore return awaiting approval")
		}
		return nil, err
	}
	log.Info().Str("approval_id", taskID).Str("reviewer", reviewerID).Str("return_id", rec.ID).Msg("✅ Refund approved")
	return e.finish(models.SourceAdmin, e.execute(ctx, tr, rec, order)), nil
}

func (e *Executor) decide(ctx context.Context, tr *audit.Trace, taskID, reviewerID string) error {
	_, err := e.store.DecideApproval(ctx, taskID, models.ApprovalApproved, reviewerID, "", e.now())
	if errors.Is(err, store.ErrConflict) {
		return ErrApprovalDecided
	}
	if err != nil {
		return tr.Fail(ctx, "approval_decide", err)
	}
	return nil
}

// Reject closes a pending approval and the return it guards.
func (e *Executor) Reject(ctx context.Context, taskID, reviewerID, reason string) (*Outcome, error) {
	task, err := e.store.GetApproval(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "Refund request declined by a supervisor."
	}
	unlock, err := e.locker.Lock(ctx, "refund:"+task.OrderID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if _, err := e.store.DecideApproval(ctx, taskID, models.ApprovalRejected, reviewerID, reason, e.now()); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, ErrApprovalDecided
		}
		return nil, err
	}
	rec, err := e.store.GetReturn(ctx, task.ReturnID)
	if err != nil {
		return nil, err
	}
	if rec.Status == models.ReturnAwaitingApproval {
		rec.Status = models.ReturnRejected
		rec.Error = reason
		if err := e.store.UpdateReturn(ctx, rec, models.ReturnAwaitingApproval); err != nil {
			return nil, err
		}
	}
	log.Info().Str("approval_id", taskID).Str("reviewer", reviewerID).Str("return_id", rec.ID).Msg("Refund rejected")
	return e.finish(models.SourceAdmin, outcomeFor(rec, ActionRejected, reason)), nil
}

// ── Resume ──────────────────────────────────────────────────

// Resume re-drives a record stuck in refund_processing with its original
// refund id. It is the reconciler's entry point and does not re-run
// eligibility; staff re-drives go through Process with SourceAdmin.
func (e *Executor) Resume(ctx context.Context, returnID string) (*Outcome, error) {
	rec, err := e.store.GetReturn(ctx, returnID)
	if err != nil {
		return nil, err
	}
	tr := e.trace(ctx, rec.ConversationID, rec.UserID)

	unlock, err := e.locker.Lock(ctx, "refund:"+rec.OrderID)
	if err != nil {
		return nil, tr.Fail(ctx, "refund_lock", err)
	}
	defer unlock()

	// Re-read under the lock.
	rec, err = e.store.GetReturn(ctx, returnID)
	if err != nil {
		return nil, err
	}
	if rec.Status != models.ReturnRefundProcessing {
		return outcomeFor(rec, ActionInProgress, "The refund is not in a resumable state."), nil
	}
	order, err := e.orders.GetOrder(ctx, rec.OrderID, rec.UserID)
	if err != nil {
		return nil, tr.Fail(ctx, "order_lookup", err)
	}
	if rec.RefundID == "" {
		rec.RefundID = ids.RefundKey()
	}
	return e.finish(models.SourceReconciler, e.execute(ctx, tr, rec, order)), nil
}

// ── Gateway protocol ────────────────────────────────────────

// execute runs trade verification and the bounded refund attempts for a
// record already persisted as refund_processing. It runs detached from the
// caller's cancellation, bounded by ExecuteTimeout, and the final state is
// always written.
func (e *Executor) execute(parent context.Context, tr *audit.Trace, rec *models.ReturnRecord, order *models.Order) *Outcome {
	persistCtx := context.WithoutCancel(parent)
	ctx, cancel := context.WithTimeout(persistCtx, e.cfg.ExecuteTimeout)
	defer cancel()
	ctx, span := tracer.Start(ctx, "refund.execute")
	defer span.End()

	trade, err := e.gateway.QueryTrade(ctx, order.ID)
	if err != nil || trade == nil || !trade.Settled {
		detail := "trade not settled"
		if err != nil {
			detail = err.Error()
			tr.Fail(ctx, "trade_query", err)
		} else if trade != nil {
			detail = "trade status " + trade.Status
		}
		rec.Status = models.ReturnRefundFailed
		rec.RefundStatus = models.RefundFailed
		rec.Error = string(ActionPaymentNotReady) + ": " + detail
		e.persistFinal(persistCtx, tr, rec)
		out := outcomeFor(rec, ActionPaymentNotReady, "The payment for this order has not settled yet, so it cannot be refunded right now. Please try again later.")
		out.Currency = order.Currency
		out.Error = detail
		return out
	}

	var (
		resp    *contracts.RefundResponse
		lastErr string
		calls   int
	)
	op := func() error {
		calls++
		r, err := e.gateway.Refund(ctx, &contracts.RefundRequest{
			MerchantOrderID: order.ID,
			Amount:          rec.RefundAmount,
			Currency:        order.Currency,
			IdempotencyKey:  rec.RefundID,
			Reason:          rec.Reason,
		})
		switch {
		case err != nil:
			lastErr = err.Error()
		case r == nil || !r.Success:
			lastErr = "gateway rejected refund"
			if r != nil && r.Error != "" {
				lastErr = r.Error
			}
		default:
			resp = r
			metrics.RefundAttempts.WithLabelValues("success").Inc()
			return nil
		}
		metrics.RefundAttempts.WithLabelValues("failure").Inc()
		return errors.New(lastErr)
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(e.cfg.RetryDelay), uint64(e.cfg.MaxAttempts-1)), ctx)
	err = backoff.RetryNotify(op, policy, func(err error, wait time.Duration) {
		log.Warn().Err(err).
			Str("order_id", order.ID).
			Str("refund_id", rec.RefundID).
			Int("attempt", calls).
			Dur("retry_in", wait).
			Msg("❌ Refund attempt failed, retrying")
	})
	rec.Attempts += calls

	if err != nil || resp == nil {
		if lastErr == "" && err != nil {
			lastErr = err.Error()
		}
		rec.Status = models.ReturnRefundFailed
		rec.RefundStatus = models.RefundFailed
		rec.Error = lastErr
		e.persistFinal(persistCtx, tr, rec)
		tr.Emit(ctx, models.EventError, map[string]interface{}{
			"stage": "refund", "error": lastErr, "attempts": calls, "refund_id": rec.RefundID, "order_id": order.ID,
		})
		e.notifier.Notify(persistCtx, contracts.NotificationEvent{
			Type:           "refund_failed",
			ConversationID: rec.ConversationID,
			OrderID:        order.ID,
			ReturnID:       rec.ID,
			Reason:         lastErr,
			Timestamp:      e.now().UTC(),
		})
		out := outcomeFor(rec, ActionRefundFailed, "We could not complete the refund automatically. A support agent will follow up.")
		out.NeedHuman = true
		out.Error = lastErr
		out.Currency = order.Currency
		return out
	}

	done := e.now().UTC()
	rec.Status = models.ReturnRefunded
	rec.RefundStatus = models.RefundSuccess
	rec.ProviderRefundID = resp.ProviderRefundID
	rec.CompletedAt = &done
	rec.RMA = ids.RMA(done)
	rec.Error = ""
	e.persistFinal(persistCtx, tr, rec)
	log.Info().
		Str("order_id", order.ID).
		Str("return_id", rec.ID).
		Str("refund_id", rec.RefundID).
		Int64("amount", rec.RefundAmount).
		Int("attempts", calls).
		Msg("💸 Refund completed")

	out := outcomeFor(rec, ActionRefunded, "Your refund has been issued.")
	out.Success = true
	out.Currency = order.Currency
	return out
}

// persistFinal writes a terminal state iff the record is still processing.
func (e *Executor) persistFinal(ctx context.Context, tr *audit.Trace, rec *models.ReturnRecord) {
	if err := e.store.UpdateReturn(ctx, rec, models.ReturnRefundProcessing); err != nil {
		tr.Fail(ctx, "ledger_final_write", err)
		log.Error().Err(err).
			Str("return_id", rec.ID).
			Str("status", string(rec.Status)).
			Msg("Failed to persist final refund state")
	}
}

// ── Helpers ─────────────────────────────────────────────────

func (e *Executor) trace(ctx context.Context, conversationID, userID string) *audit.Trace {
	if tr := audit.FromContext(ctx); tr != nil {
		return tr
	}
	return e.recorder.Begin(conversationID, userID)
}

// searchPolicies never fails: an unavailable retriever yields no hits,
// which the evaluator turns into a need-human decision.
func (e *Executor) searchPolicies(ctx context.Context, tr *audit.Trace) []models.PolicyHit {
	hits, err := e.policies.SearchPolicies(ctx, e.cfg.PolicyQuery, e.cfg.PolicyTopK)
	payload := map[string]interface{}{"query": e.cfg.PolicyQuery, "hits": hits}
	if err != nil {
		payload["error"] = err.Error()
		log.Warn().Err(err).Msg("Policy retrieval failed")
		hits = nil
	}
	tr.Emit(ctx, models.EventPolicyHit, payload)
	return hits
}

// draft builds the next version of the ledger record for this order.
func (e *Executor) draft(existing *models.ReturnRecord, order *models.Order, req Request, res eligibility.Result) *models.ReturnRecord {
	rec := &models.ReturnRecord{}
	if existing != nil {
		cp := *existing
		rec = &cp
	} else {
		rec.ID = ids.Prefixed("ret")
		rec.OrderID = order.ID
		rec.UserID = order.UserID
		rec.RefundStatus = models.RefundNone
	}
	if req.ConversationID != "" {
		rec.ConversationID = req.ConversationID
	}
	if req.Reason != "" {
		rec.Reason = req.Reason
	}
	rec.ConditionOK = req.ConditionOK == nil || *req.ConditionOK
	rec.Source = req.Source
	rec.RequestedAmount = eligibility.RequestedAmount(order, req.Amount)
	if res.Eligible {
		rec.RefundAmount = res.Amount
	}
	if rec.RefundID == "" && res.Eligible && !res.NeedApproval {
		rec.RefundID = ids.RefundKey()
	}
	return rec
}

// save creates the record or moves it out of a re-evaluable state.
func (e *Executor) save(ctx context.Context, existing, rec *models.ReturnRecord) error {
	switch {
	case existing == nil:
		return e.store.CreateReturn(ctx, rec)
	case existing.Status == models.ReturnRefundProcessing:
		return e.store.UpdateReturn(ctx, rec, models.ReturnRefundProcessing)
	}
	return e.store.UpdateReturn(ctx, rec, models.ReturnRejected, models.ReturnRefundFailed)
}

// clearProcessing resets the refund status of a record leaving
// refund_processing without a refund.
func clearProcessing(rec *models.ReturnRecord) {
	if rec.RefundStatus == models.RefundProcessing {
		rec.RefundStatus = models.RefundNone
	}
}

// conflict reports the state another writer left behind after a failed CAS.
func (e *Executor) conflict(ctx context.Context, tr *audit.Trace, order *models.Order, source models.ReturnSource, err error) (*Outcome, error) {
	if !errors.Is(err, store.ErrConflict) && !errors.Is(err, store.ErrDuplicate) {
		return nil, tr.Fail(ctx, "ledger_write", err)
	}
	log.Warn().Str("order_id", order.ID).Msg("Return record changed concurrently")
	cur, gerr := e.store.GetReturnByOrder(ctx, order.ID)
	if gerr != nil {
		return nil, tr.Fail(ctx, "ledger_read", gerr)
	}
	if cur.RefundStatus == models.RefundSuccess {
		return e.finish(source, outcomeFor(cur, ActionAlreadyRefunded, "This order has already been refunded.")), nil
	}
	return e.finish(source, outcomeFor(cur, ActionInProgress, "Another request for this order is being processed.")), nil
}

func (e *Executor) openApproval(ctx context.Context, tr *audit.Trace, rec *models.ReturnRecord, res eligibility.Result) (*models.ApprovalTask, error) {
	if task, err := e.store.PendingApprovalForReturn(ctx, rec.ID); err == nil {
		return task, nil
	}
	task := &models.ApprovalTask{
		ID:       ids.Prefixed("apr"),
		ReturnID: rec.ID,
		OrderID:  rec.OrderID,
		UserID:   rec.UserID,
		Amount:   res.Amount,
		Status:   models.ApprovalPending,
		Reason:   res.Reason,
	}
	if err := e.store.CreateApproval(ctx, task); err != nil {
		return nil, err
	}
	tr.Emit(ctx, models.EventApprovalCreated, map[string]interface{}{
		"approval_id": task.ID,
		"return_id":   rec.ID,
		"order_id":    rec.OrderID,
		"amount":      res.Amount,
		"threshold":   res.Threshold,
	})
	e.notifier.Notify(context.WithoutCancel(ctx), contracts.NotificationEvent{
		Type:           "approval_created",
		ConversationID: rec.ConversationID,
		OrderID:        rec.OrderID,
		ReturnID:       rec.ID,
		ApprovalID:     task.ID,
		Reason:         res.Reason,
		Payload:        map[string]interface{}{"amount": res.Amount, "threshold": res.Threshold},
		Timestamp:      e.now().UTC(),
	})
	return task, nil
}

func (e *Executor) finish(source models.ReturnSource, out *Outcome) *Outcome {
	metrics.RefundOutcomes.WithLabelValues(string(out.Action), string(source)).Inc()
	return out
}

func outcomeFor(rec *models.ReturnRecord, action Action, reason string) *Outcome {
	out := &Outcome{Action: action, Reason: reason}
	if rec == nil {
		return out
	}
	out.Status = rec.Status
	out.OrderID = rec.OrderID
	out.ReturnID = rec.ID
	out.RefundID = rec.RefundID
	out.Amount = rec.RefundAmount
	if out.Amount == 0 {
		out.Amount = rec.RequestedAmount
	}
	out.RMA = rec.RMA
	return out
}
