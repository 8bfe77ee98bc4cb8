package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"github.com/agentoven/supportdesk/pkg/contracts"
	"github.com/agentoven/supportdesk/pkg/models"
)

// HistoryWindow is how many prior messages the LLM classifier sees.
const HistoryWindow = 6

const classifierPrompt = `You are the routing assistant of an e-commerce customer support desk.
Analyse the customer's latest message and answer with a single JSON object:
{"intent": "...", "confidence": 0.0, "emotion": "...", "need_human": false, "reason": "..."}

intent is one of: return_request, exchange_request, order_status, product_question,
complaint, human_request, general_question, other.
emotion is one of: neutral, frustrated, angry, very_frustrated.
confidence is between 0 and 1.
Set need_human to true when the customer explicitly asks for a person, is very upset,
or raises legal or compensation issues.
Return JSON only, with no other text.`

// LLMClassifier asks the language model for a structured decision.
type LLMClassifier struct {
	llm contracts.LLM
}

func NewLLMClassifier(llm contracts.LLM) *LLMClassifier {
	return &LLMClassifier{llm: llm}
}

func (c *LLMClassifier) Name() string { return "llm" }

type llmDecision struct {
	Intent     string   `json:"intent"`
	Confidence *float64 `json:"confidence"`
	Emotion    string   `json:"emotion"`
	NeedHuman  bool     `json:"need_human"`
	Reason     string   `json:"reason"`
}

// Classify returns an error only when the model call itself failed. An
// answer that is not the expected JSON becomes FAQ with confidence 0.3.
func (c *LLMClassifier) Classify(ctx context.Context, message string, history []models.Message) (*Decision, error) {
	resp, err := c.llm.Complete(ctx, &contracts.CompletionRequest{
		System:   classifierPrompt,
		Messages: []models.ChatMessage{{Role: models.RoleUser, Content: buildPrompt(message, history)}},
		JSONMode: true,
	})
	if err != nil {
		return nil, err
	}

	parsed, perr := parseDecision(resp.Text)
	if perr != nil {
		log.Warn().Err(perr).Str("raw", truncate(resp.Text, 200)).Msg("Intent classifier returned malformed output")
		return &Decision{
			Category:   CategoryFAQ,
			Confidence: 0.3,
			RawIntent:  "general_question",
			Emotion:    EmotionNeutral,
			Reason:     "classifier output could not be parsed",
			Classifier: c.Name(),
		}, nil
	}

	conf := *parsed.Confidence
	if conf < 0 {
		conf = 0
	} else if conf > 1 {
		conf = 1
	}
	emotion := strings.ToLower(strings.TrimSpace(parsed.Emotion))
	if emotion == "" {
		emotion = EmotionNeutral
	}
	return &Decision{
		Category:   MapIntent(parsed.Intent),
		Confidence: conf,
		RawIntent:  parsed.Intent,
		Emotion:    emotion,
		NeedHuman:  parsed.NeedHuman,
		Reason:     parsed.Reason,
		Classifier: c.Name(),
	}, nil
}

func buildPrompt(message string, history []models.Message) string {
	if len(history) > HistoryWindow {
		history = history[len(history)-HistoryWindow:]
	}
	var b strings.Builder
	b.WriteString("# Conversation history\n")
	if len(history) == 0 {
		b.WriteString("(none)\n")
	}
	for _, m := range history {
		who := "Assistant"
		if m.Role == models.RoleUser {
			who = "Customer"
		}
		fmt.Fprintf(&b, "%s: %s\n", who, m.Content)
	}
	b.WriteString("\n# Latest customer message\n")
	b.WriteString(message)
	return b.String()
}

// parseDecision accepts bare JSON or JSON inside a ``` fence and requires
// intent and confidence.
func parseDecision(text string) (*llmDecision, error) {
	content := stripFence(strings.TrimSpace(text))
	var d llmDecision
	if err := json.Unmarshal([]byte(content), &d); err != nil {
		return nil, err
	}
	if d.Intent == "" {
		return nil, fmt.Errorf("missing field: intent")
	}
	if d.Confidence == nil {
		return nil, fmt.Errorf("missing field: confidence")
	}
	return &d, nil
}

func stripFence(s string) string {
	start := strings.Index(s, "```")
	if start < 0 {
		return s
	}
	rest := s[start+3:]
	rest = strings.TrimPrefix(rest, "json")
	if end := strings.Index(rest, "```"); end >= 0 {
		rest = rest[:end]
	}
	return strings.TrimSpace(rest)
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}
