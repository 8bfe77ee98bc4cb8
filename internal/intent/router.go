package intent

import (
	"context"
	"fmt"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/agentoven/supportdesk/internal/guardrails"
	"github.com/agentoven/supportdesk/internal/metrics"
	"github.com/agentoven/supportdesk/pkg/models"
)

// Router picks the primary classifier's decision, falling back to the
// keyword classifier when the primary call fails, and computes Escalate.
type Router struct {
	primary  Classifier
	fallback Classifier
	detector *guardrails.Detector
}

// NewRouter builds a router. A nil primary routes with keywords only.
func NewRouter(primary Classifier, detector *guardrails.Detector) *Router {
	if detector == nil {
		detector = guardrails.NewDetector()
	}
	return &Router{primary: primary, fallback: NewKeywordClassifier(), detector: detector}
}

// Route never fails.
func (r *Router) Route(ctx context.Context, message string, history []models.Message) *Decision {
	var d *Decision
	if r.primary != nil {
		var err error
		d, err = r.primary.Classify(ctx, message, history)
		if err != nil {
			log.Warn().Err(err).Str("classifier", r.primary.Name()).Msg("Intent classifier failed, using keyword fallback")
			d = nil
		}
	}
	if d == nil {
		d, _ = r.fallback.Classify(ctx, message, history)
	}

	d.EscalateReasons = r.escalationSignals(d, message)
	d.Escalate = len(d.EscalateReasons) > 0

	metrics.RouteDecisions.WithLabelValues(string(d.Category), strconv.FormatBool(d.Escalate), d.Classifier).Inc()
	return d
}

// escalationSignals evaluates each escalation signal independently.
func (r *Router) escalationSignals(d *Decision, message string) []string {
	var reasons []string
	if d.Confidence < EscalationConfidence {
		reasons = append(reasons, fmt.Sprintf("low confidence %.2f", d.Confidence))
	}
	if d.Emotion == EmotionAngry || d.Emotion == EmotionVeryFrustrated {
		reasons = append(reasons, "emotion "+d.Emotion)
	}
	if r.detector.HasEscalationKeywords(message) {
		reasons = append(reasons, "escalation keywords")
	}
	if d.NeedHuman {
		reasons = append(reasons, "classifier requested human")
	}
	return reasons
}
