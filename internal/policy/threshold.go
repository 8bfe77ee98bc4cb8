package policy

import (
	"regexp"

	"github.com/agentoven/supportdesk/internal/money"
	"github.com/agentoven/supportdesk/pkg/models"
)

// thresholdPattern matches a decimal amount immediately followed by a
// currency token, e.g. "200元", "150.50 CNY", "300 dollars".
var thresholdPattern = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*(元|块|CNY|RMB|yuan|USD|dollars?)`)

// DefaultThreshold is the auto-approval limit (minor units) used when no
// policy text yields one.
const DefaultThreshold int64 = 20000

// ParseThreshold scans hits in ranking order and returns the first amount
// found, in minor units. When nothing parses it returns fallback and false.
func ParseThreshold(hits []models.PolicyHit, fallback int64) (int64, bool) {
	for _, h := range hits {
		if v, ok := ParseThresholdText(h.Content); ok {
			return v, true
		}
	}
	return fallback, false
}

// ParseThresholdText extracts the first currency amount from text.
func ParseThresholdText(text string) (int64, bool) {
	for _, m := range thresholdPattern.FindAllStringSubmatch(text, -1) {
		v, err := money.ToMinor(m[1])
		if err == nil && v > 0 {
			return v, true
		}
	}
	return 0, false
}
