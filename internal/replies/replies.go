// Package replies holds the user-facing wording of the assistant. Internal
// error text never reaches these strings; callers pass errors in and get one
// of a small set of apologies back.
package replies

import (
	"errors"
	"fmt"

	"github.com/agentoven/supportdesk/internal/llm"
	"github.com/agentoven/supportdesk/internal/money"
	"github.com/agentoven/supportdesk/internal/refund"
)

const (
	ConnectivityApology = "Sorry, I can't reach our service systems right now. Please try again in a moment."
	TimeoutApology      = "Sorry, that took longer than expected. Please send your message again."
	GenericApology      = "Sorry, something went wrong on our side. Please try again later, or ask for a human agent."
)

// Apology maps any error to one of the fixed apology phrasings.
func Apology(err error) string {
	switch {
	case errors.Is(err, llm.ErrTimeout):
		return TimeoutApology
	case errors.Is(err, llm.ErrConnectivity):
		return ConnectivityApology
	default:
		return GenericApology
	}
}

// AskOrderID asks the customer for the order a return refers to.
func AskOrderID() string {
	return "Which order would you like to return? Please send the order number, for example ORD-1001."
}

// Transfer tells the customer a human agent is on the way.
func Transfer(reason string) string {
	if reason == "" {
		return "I'm connecting you with a human agent. Please hold on, someone will be with you shortly."
	}
	return fmt.Sprintf("Sorry about that (%s). I'm connecting you with a human agent. Please hold on, someone will be with you shortly.", reason)
}

// Refund renders a refund executor outcome.
func Refund(out *refund.Outcome) string {
	amount := money.Display(out.Amount, out.Currency)
	switch out.Action {
	case refund.ActionRefunded:
		return fmt.Sprintf("Your refund of %s for order %s has been issued. Your return number is %s. The money usually arrives within 1-3 business days.",
			amount, out.OrderID, out.RMA)
	case refund.ActionAlreadyRefunded:
		return fmt.Sprintf("Order %s has already been refunded, so no further refund is needed.", out.OrderID)
	case refund.ActionApprovalRequired:
		return fmt.Sprintf("Your return request for order %s (%s) has been submitted. Refunds of this size need a quick review by our team. We'll let you know as soon as it's approved.",
			out.OrderID, amount)
	case refund.ActionInProgress:
		return fmt.Sprintf("A refund for order %s is already being processed. I'll keep you posted.", out.OrderID)
	case refund.ActionPaymentNotReady:
		return fmt.Sprintf("The payment for order %s hasn't settled yet, so it can't be refunded right now. Please try again a little later.", out.OrderID)
	case refund.ActionRefundFailed:
		return fmt.Sprintf("I couldn't complete the refund for order %s right now. A human agent will follow up with you.", out.OrderID)
	case refund.ActionOrderNotFound:
		return fmt.Sprintf("I couldn't find order %s under your account. Please check the order number.", out.OrderID)
	case refund.ActionRejected:
		msg := fmt.Sprintf("Order %s can't be returned: %s", out.OrderID, out.Reason)
		if out.Suggestion != "" {
			msg += fmt.Sprintf(" Please %s if you need further help.", out.Suggestion)
		}
		return msg
	}
	return out.Reason
}

// Handoff is the reply sent when the router escalates a conversation.
func Handoff() string {
	return Transfer("")
}

// Canned replies used when the orchestrator is unavailable.
const (
	FAQFallback   = "You can return most items within 30 days of delivery. Refunds up to 200.00 are processed automatically; larger amounts are reviewed by our team. Is there anything else I can help with?"
	WISMOFallback = "You can check your order's shipping progress in the Orders page. If you send me the order number I can look it up for you."
)
