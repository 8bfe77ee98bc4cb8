// Package eligibility decides whether an order may be returned and refunded.
//
// Evaluate is a pure function: every input, including the clock, is passed
// in, so each branch can be tested on its own. Checks short-circuit in a
// fixed order:
//
//  1. policy context available
//  2. not already refunded
//  3. order delivered or completed
//  4. inside the return window
//  5. amount against the auto-approval threshold
package eligibility

import (
	"fmt"
	"strings"
	"time"

	"github.com/agentoven/supportdesk/internal/money"
	"github.com/agentoven/supportdesk/internal/policy"
	"github.com/agentoven/supportdesk/pkg/models"
)

// Code is a stable machine-readable outcome.
type Code string

const (
	CodeOrderNotFound     Code = "order_not_found"
	CodePolicyUnavailable Code = "policy_unavailable"
	CodeAlreadyRefunded   Code = "already_refunded"
	CodeNotDelivered      Code = "not_delivered"
	CodeWindowExpired     Code = "window_expired"
	CodeNeedsApproval     Code = "needs_approval"
	CodeAutoApproved      Code = "auto_approved"
)

// DefaultWindowDays is the return window used when Input.WindowDays is unset.
const DefaultWindowDays = 30

// Input is everything one evaluation needs.
type Input struct {
	Order      *models.Order
	History    []models.ReturnRecord
	PolicyHits []models.PolicyHit
	// RequestedAmount in minor units; zero means the full paid amount.
	RequestedAmount  int64
	Now              time.Time
	WindowDays       int
	DefaultThreshold int64
}

// Result is a tagged decision. Reason is always set and safe to show to the
// customer.
type Result struct {
	Eligible            bool   `json:"eligible"`
	Code                Code   `json:"code"`
	NeedApproval        bool   `json:"need_approval"`
	NeedHuman           bool   `json:"need_human"`
	AlreadyRefunded     bool   `json:"already_refunded"`
	Reason              string `json:"reason"`
	Suggestion          string `json:"suggestion,omitempty"`
	DaysSince           int    `json:"days_since"`
	WindowDays          int    `json:"window_days"`
	Threshold           int64  `json:"threshold"`
	ThresholdFromPolicy bool   `json:"threshold_from_policy"`
	Amount              int64  `json:"amount"`
}

// Evaluate runs the ordered checks and returns the first failing branch, or
// an eligible result.
func Evaluate(in Input) Result {
	window := in.WindowDays
	if window <= 0 {
		window = DefaultWindowDays
	}
	res := Result{WindowDays: window}

	if in.Order == nil {
		res.Code = CodeOrderNotFound
		res.Reason = "We could not find that order under your account."
		return res
	}

	if len(in.PolicyHits) == 0 {
		res.Code = CodePolicyUnavailable
		res.NeedHuman = true
		res.Reason = "Return policy information is unavailable right now, so a support agent will review this request."
		return res
	}

	for _, h := range in.History {
		if h.OrderID == in.Order.ID && h.RefundStatus == models.RefundSuccess {
			res.Code = CodeAlreadyRefunded
			res.AlreadyRefunded = true
			res.Amount = h.RefundAmount
			res.Reason = fmt.Sprintf("Order %s has already been refunded (%s).", in.Order.ID, money.Display(h.RefundAmount, in.Order.Currency))
			return res
		}
	}

	if !in.Order.Delivered() {
		res.Code = CodeNotDelivered
		res.Reason = fmt.Sprintf("Order %s is %s; returns can be requested once the order has been delivered.",
			in.Order.ID, statusDetail(in.Order))
		return res
	}

	res.DaysSince = DaysSince(referenceTime(in.Order), in.Now)
	if res.DaysSince > window {
		res.Code = CodeWindowExpired
		res.Suggestion = "contact support"
		res.Reason = fmt.Sprintf("The return window has expired: order %s was delivered %d days ago and returns are accepted within %d days.",
			in.Order.ID, res.DaysSince, window)
		return res
	}

	fallback := in.DefaultThreshold
	if fallback <= 0 {
		fallback = policy.DefaultThreshold
	}
	res.Threshold, res.ThresholdFromPolicy = policy.ParseThreshold(in.PolicyHits, fallback)
	res.Amount = RequestedAmount(in.Order, in.RequestedAmount)
	res.Eligible = true

	if res.Amount > res.Threshold {
		res.Code = CodeNeedsApproval
		res.NeedApproval = true
		res.Reason = fmt.Sprintf("The refund of %s exceeds the automatic approval limit of %s and needs a supervisor's approval.",
			money.Display(res.Amount, in.Order.Currency), money.Display(res.Threshold, in.Order.Currency))
		return res
	}

	res.Code = CodeAutoApproved
	res.Reason = fmt.Sprintf("Order %s is eligible for a refund of %s.", in.Order.ID, money.Display(res.Amount, in.Order.Currency))
	return res
}

// DaysSince counts whole elapsed days between from and now. Future
// timestamps count as zero.
func DaysSince(from, now time.Time) int {
	if from.IsZero() || now.Before(from) {
		return 0
	}
	return int(now.Sub(from) / (24 * time.Hour))
}

// RequestedAmount defaults to the paid amount and never exceeds it.
func RequestedAmount(o *models.Order, requested int64) int64 {
	if requested <= 0 || requested > o.PaidAmount {
		return o.PaidAmount
	}
	return requested
}

// referenceTime is the delivery time when known, otherwise order creation.
func referenceTime(o *models.Order) time.Time {
	if o.DeliveredAt != nil && !o.DeliveredAt.IsZero() {
		return *o.DeliveredAt
	}
	return o.CreatedAt
}

func statusDetail(o *models.Order) string {
	parts := []string{}
	if o.Status != "" {
		parts = append(parts, "status "+o.Status)
	}
	if o.ShippingStatus != "" {
		parts = append(parts, "shipping "+o.ShippingStatus)
	}
	if len(parts) == 0 {
		return "not yet delivered"
	}
	return "currently " + strings.Join(parts, ", ")
}
