package intent_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/agentoven/supportdesk/internal/intent"
	"github.com/agentoven/supportdesk/pkg/contracts"
	"github.com/agentoven/supportdesk/pkg/models"
)

type fakeLLM struct {
	text string
	err  error
	last *contracts.CompletionRequest
}

func (f *fakeLLM) Complete(_ context.Context, req *contracts.CompletionRequest) (*contracts.Completion, error) {
	f.last = req
	if f.err != nil {
		return nil, f.err
	}
	return &contracts.Completion{Text: f.text}, nil
}

func TestLLMClassifier(t *testing.T) {
	tests := []struct {
		name       string
		text       string
		category   intent.Category
		confidence float64
		escalate   bool
	}{
		{"plain json", `{"intent":"return_request","confidence":0.92,"emotion":"neutral","need_human":false,"reason":"wants refund"}`, intent.CategoryReturn, 0.92, false},
		{"fenced json", "```json\n{\"intent\":\"order_status\",\"confidence\":0.8,\"emotion\":\"neutral\",\"need_human\":false,\"reason\":\"\"}\n```", intent.CategoryWISMO, 0.8, false},
		{"malformed", "I think the customer wants a refund", intent.CategoryFAQ, 0.3, true},
		{"missing confidence", `{"intent":"return_request"}`, intent.CategoryFAQ, 0.3, true},
		{"angry", `{"intent":"return_request","confidence":0.95,"emotion":"angry","need_human":false,"reason":""}`, intent.CategoryReturn, 0.95, true},
		{"needs human", `{"intent":"complaint","confidence":0.9,"emotion":"frustrated","need_human":true,"reason":"legal"}`, intent.CategoryHuman, 0.9, true},
		{"low confidence", `{"intent":"exchange_request","confidence":0.4,"emotion":"neutral","need_human":false,"reason":""}`, intent.CategoryExchange, 0.4, true},
		{"unknown label", `{"intent":"warranty_claim","confidence":0.7,"emotion":"neutral","need_human":false,"reason":""}`, intent.CategoryFAQ, 0.7, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := intent.NewRouter(intent.NewLLMClassifier(&fakeLLM{text: tt.text}), nil)
			d := r.Route(context.Background(), "hello there", nil)
			if d.Category != tt.category {
				t.Errorf("Category = %q, want %q", d.Category, tt.category)
			}
			if d.Confidence != tt.confidence {
				t.Errorf("Confidence = %v, want %v", d.Confidence, tt.confidence)
			}
			if d.Escalate != tt.escalate {
				t.Errorf("Escalate = %v, want %v (reasons %v)", d.Escalate, tt.escalate, d.EscalateReasons)
			}
			if d.Classifier != "llm" {
				t.Errorf("Classifier = %q, want llm", d.Classifier)
			}
		})
	}
}

func TestRouter_EscalationKeywordsAloneEscalate(t *testing.T) {
	llm := &fakeLLM{text: `{"intent":"return_request","confidence":0.99,"emotion":"neutral","need_human":false,"reason":""}`}
	r := intent.NewRouter(intent.NewLLMClassifier(llm), nil)

	d := r.Route(context.Background(), "refund now, this is a scam", nil)
	if !d.Escalate {
		t.Fatalf("Escalate = false, want true")
	}
	if len(d.EscalateReasons) != 1 || d.EscalateReasons[0] != "escalation keywords" {
		t.Errorf("EscalateReasons = %v", d.EscalateReasons)
	}
}

func TestRouter_FallsBackToKeywordsOnLLMError(t *testing.T) {
	r := intent.NewRouter(intent.NewLLMClassifier(&fakeLLM{err: errors.New("connection refused")}), nil)

	d := r.Route(context.Background(), "我想退货", nil)
	if d.Classifier != "keyword" {
		t.Errorf("Classifier = %q, want keyword", d.Classifier)
	}
	if d.Category != intent.CategoryReturn {
		t.Errorf("Category = %q, want RETURN", d.Category)
	}
	if d.Escalate {
		t.Errorf("Escalate = true, reasons %v", d.EscalateReasons)
	}
}

func TestLLMClassifier_HistoryWindow(t *testing.T) {
	llm := &fakeLLM{text: `{"intent":"other","confidence":0.9,"emotion":"neutral","need_human":false,"reason":""}`}
	c := intent.NewLLMClassifier(llm)

	var history []models.Message
	for i := 0; i < 10; i++ {
		history = append(history, models.Message{Role: models.RoleUser, Content: "msg-" + string(rune('a'+i))})
	}
	if _, err := c.Classify(context.Background(), "latest", history); err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	prompt := llm.last.Messages[0].Content
	if strings.Contains(prompt, "msg-d") || !strings.Contains(prompt, "msg-e") || !strings.Contains(prompt, "msg-j") {
		t.Errorf("prompt does not hold the last %d messages:\n%s", intent.HistoryWindow, prompt)
	}
	if !llm.last.JSONMode {
		t.Error("JSONMode = false, want true")
	}
}

func TestKeywordClassifier(t *testing.T) {
	c := intent.NewKeywordClassifier()
	tests := []struct {
		message string
		want    intent.Category
	}{
		{"I want to return ORD-1001", intent.CategoryReturn},
		{"我要退款", intent.CategoryReturn},
		{"can I exchange for a bigger size", intent.CategoryExchange},
		{"where is my parcel", intent.CategoryWISMO},
		{"我的快递到哪了", intent.CategoryWISMO},
		{"what is your return policy", intent.CategoryFAQ},
		{"转人工", intent.CategoryHuman},
		{"good morning", intent.CategoryFAQ},
	}
	for _, tt := range tests {
		d, err := c.Classify(context.Background(), tt.message, nil)
		if err != nil {
			t.Fatalf("Classify(%q) error = %v", tt.message, err)
		}
		if d.Category != tt.want {
			t.Errorf("Classify(%q) = %q, want %q", tt.message, d.Category, tt.want)
		}
	}
}
