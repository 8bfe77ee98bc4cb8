// Package intent classifies an inbound customer message into an action
// category.
//
// Two classifiers share the Classifier interface: a deterministic keyword
// classifier and an LLM classifier that must return strict JSON. Router
// combines them and computes the escalation flag as an OR of independent
// signals (low confidence, angry emotion, escalation keywords, model
// requested human).
package intent

import (
	"context"
	"strings"

	"github.com/agentoven/supportdesk/pkg/models"
)

// Category is the routing outcome.
type Category string

const (
	CategoryReturn   Category = "RETURN"
	CategoryExchange Category = "EXCHANGE"
	CategoryWISMO    Category = "WISMO"
	CategoryFAQ      Category = "FAQ"
	CategoryHuman    Category = "HUMAN"
)

// Transactional reports whether the category enters the return flow.
func (c Category) Transactional() bool {
	return c == CategoryReturn || c == CategoryExchange
}

// Emotions reported by the LLM classifier.
const (
	EmotionNeutral        = "neutral"
	EmotionFrustrated     = "frustrated"
	EmotionAngry          = "angry"
	EmotionVeryFrustrated = "very_frustrated"
)

// EscalationConfidence is the confidence below which a decision always
// escalates.
const EscalationConfidence = 0.5

// Decision is the router's answer for one message.
type Decision struct {
	Category   Category `json:"category"`
	Confidence float64  `json:"confidence"`
	Escalate   bool     `json:"escalate"`
	Reason     string   `json:"reason"`
	Emotion    string   `json:"emotion,omitempty"`
	NeedHuman  bool     `json:"need_human"`
	// RawIntent is the classifier's own label before mapping.
	RawIntent  string `json:"raw_intent,omitempty"`
	Classifier string `json:"classifier"`
	// EscalateReasons lists every signal that fired.
	EscalateReasons []string `json:"escalate_reasons,omitempty"`
}

// Classifier turns a message plus recent history into a Decision. The
// returned Escalate field is ignored; Router recomputes it.
type Classifier interface {
	Name() string
	Classify(ctx context.Context, message string, history []models.Message) (*Decision, error)
}

// rawIntentCategory maps the classifier vocabulary onto categories.
var rawIntentCategory = map[string]Category{
	"return_request":   CategoryReturn,
	"exchange_request": CategoryExchange,
	"order_status":     CategoryWISMO,
	"product_question": CategoryFAQ,
	"general_question": CategoryFAQ,
	"other":            CategoryFAQ,
	"complaint":        CategoryHuman,
	"human_request":    CategoryHuman,
}

// MapIntent maps a raw intent label to a Category. Unknown labels are FAQ.
func MapIntent(raw string) Category {
	if c, ok := rawIntentCategory[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return c
	}
	return CategoryFAQ
}
