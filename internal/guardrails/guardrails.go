// Package guardrails inspects inbound customer messages for signals that
// the conversation should leave automation before any model runs.
//
// Supported signal kinds:
//   - transfer: the customer explicitly asks for a human agent
//   - sentiment: negative-sentiment keywords (abuse, complaints, threats)
//   - exclamation: three or more exclamation marks, a cheap proxy for anger
//
// Checks are pure string heuristics: no network, no model.
package guardrails

import (
	"strings"
)

// Kind names the rule that fired.
type Kind string

const (
	KindTransfer    Kind = "transfer"
	KindSentiment   Kind = "sentiment"
	KindExclamation Kind = "exclamation"
)

// Signal is the first rule that fired for a message.
type Signal struct {
	Kind    Kind   `json:"kind"`
	Reason  string `json:"reason"`
	Matched string `json:"matched,omitempty"`
}

// DefaultTransferKeywords are explicit requests for a person.
var DefaultTransferKeywords = []string{
	"转人工", "人工客服", "真人客服", "转接人工", "找人工", "找人", "真人", "人工服务",
	"human agent", "real person", "talk to a human", "speak to a human", "live agent",
	"customer service representative", "transfer me",
}

// DefaultNegativeKeywords mark a frustrated or hostile customer.
var DefaultNegativeKeywords = []string{
	"垃圾", "骗子", "太差", "差劲", "失望", "生气", "愤怒", "投诉", "差评", "举报", "告你", "维权", "无语", "糟糕", "破公司",
	"scam", "fraud", "terrible", "horrible", "worst", "ridiculous", "furious", "complaint", "lawyer", "sue you",
}

// Detector evaluates the configured rules in order: transfer, sentiment,
// exclamation.
type Detector struct {
	TransferKeywords     []string
	NegativeKeywords     []string
	ExclamationThreshold int
}

// NewDetector returns a Detector with the built-in keyword lists and an
// exclamation threshold of 3.
func NewDetector() *Detector {
	return &Detector{
		TransferKeywords:     DefaultTransferKeywords,
		NegativeKeywords:     DefaultNegativeKeywords,
		ExclamationThreshold: 3,
	}
}

// Inspect returns the first signal raised by message, or nil.
func (d *Detector) Inspect(message string) *Signal {
	lower := strings.ToLower(message)

	if kw, ok := containsAny(lower, d.TransferKeywords); ok {
		return &Signal{Kind: KindTransfer, Reason: "customer requested a human agent", Matched: kw}
	}
	if kw, ok := containsAny(lower, d.NegativeKeywords); ok {
		return &Signal{Kind: KindSentiment, Reason: "negative sentiment detected", Matched: kw}
	}
	if d.ExclamationThreshold > 0 && CountExclamations(message) >= d.ExclamationThreshold {
		return &Signal{Kind: KindExclamation, Reason: "excessive exclamation marks"}
	}
	return nil
}

// HasEscalationKeywords reports whether message contains any transfer or
// negative keyword. The intent router ORs this into its escalate flag.
func (d *Detector) HasEscalationKeywords(message string) bool {
	lower := strings.ToLower(message)
	if _, ok := containsAny(lower, d.TransferKeywords); ok {
		return true
	}
	_, ok := containsAny(lower, d.NegativeKeywords)
	return ok
}

// CountExclamations counts both ASCII and full-width exclamation marks.
func CountExclamations(s string) int {
	return strings.Count(s, "!") + strings.Count(s, "！")
}

func containsAny(lower string, keywords []string) (string, bool) {
	for _, kw := range keywords {
		if kw == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(kw)) {
			return kw, true
		}
	}
	return "", false
}
