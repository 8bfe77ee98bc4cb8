package intent

import (
	"context"
	"strings"

	"github.com/agentoven/supportdesk/pkg/models"
)

type keywordRule struct {
	raw      string
	keywords []string
}

// Rules are checked in order; the first rule with a match wins.
var defaultRules = []keywordRule{
	{raw: "human_request", keywords: []string{"转人工", "人工客服", "真人", "human agent", "real person", "talk to a human", "speak to a human"}},
	{raw: "complaint", keywords: []string{"投诉", "举报", "complaint", "complain"}},
	{raw: "general_question", keywords: []string{"政策", "规则", "policy", "policies"}},
	{raw: "exchange_request", keywords: []string{"换货", "换一个", "换尺码", "exchange", "swap"}},
	{raw: "return_request", keywords: []string{"退货", "退款", "退钱", "return", "refund", "money back"}},
	{raw: "order_status", keywords: []string{"物流", "快递", "到哪", "发货", "查订单", "订单状态", "where is my", "tracking", "shipping", "shipped", "delivery", "order status"}},
	{raw: "product_question", keywords: []string{"尺码", "材质", "质量", "size", "material", "warranty"}},
}

// KeywordClassifier is the deterministic fallback classifier.
type KeywordClassifier struct {
	rules []keywordRule
}

func NewKeywordClassifier() *KeywordClassifier {
	return &KeywordClassifier{rules: defaultRules}
}

func (k *KeywordClassifier) Name() string { return "keyword" }

// Classify never fails. A keyword match scores 0.8; no match is a general
// question at 0.6.
func (k *KeywordClassifier) Classify(_ context.Context, message string, _ []models.Message) (*Decision, error) {
	lower := strings.ToLower(message)
	for _, r := range k.rules {
		for _, kw := range r.keywords {
			if strings.Contains(lower, kw) {
				d := &Decision{
					Category:   MapIntent(r.raw),
					Confidence: 0.8,
					RawIntent:  r.raw,
					Emotion:    EmotionNeutral,
					Reason:     "matched keyword \"" + kw + "\"",
					Classifier: k.Name(),
				}
				d.NeedHuman = d.Category == CategoryHuman
				return d, nil
			}
		}
	}
	return &Decision{
		Category:   CategoryFAQ,
		Confidence: 0.6,
		RawIntent:  "general_question",
		Emotion:    EmotionNeutral,
		Reason:     "no intent keyword matched",
		Classifier: k.Name(),
	}, nil
}
