// Package audit writes the AgentEvent trail. Every inbound message gets one
// Trace; all events produced while handling it share the trace id.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentoven/supportdesk/internal/ids"
	"github.com/agentoven/supportdesk/internal/store"
	"github.com/agentoven/supportdesk/pkg/models"
)

// Recorder appends AgentEvents to the event store.
type Recorder struct {
	events store.EventStore
	now    func() time.Time
}

// NewRecorder creates a Recorder over the given event store.
func NewRecorder(events store.EventStore) *Recorder {
	return &Recorder{events: events, now: time.Now}
}

// Begin opens a new trace for one inbound message.
func (r *Recorder) Begin(conversationID, userID string) *Trace {
	return &Trace{rec: r, ID: ids.Trace(), ConversationID: conversationID, UserID: userID}
}

// Attach reopens an existing trace, e.g. when an admin action continues
// work started by a chat turn.
func (r *Recorder) Attach(traceID, conversationID, userID string) *Trace {
	if traceID == "" {
		traceID = ids.Trace()
	}
	return &Trace{rec: r, ID: traceID, ConversationID: conversationID, UserID: userID}
}

// Trace groups the events of one request.
type Trace struct {
	rec            *Recorder
	ID             string
	ConversationID string
	UserID         string
}

// Emit appends one event. Audit writes survive request cancellation, and a
// failed write is logged rather than surfaced: the trail never blocks a reply.
func (t *Trace) Emit(ctx context.Context, typ models.EventType, payload interface{}) {
	if t == nil || t.rec == nil {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		raw, _ = json.Marshal(map[string]string{"marshal_error": err.Error()})
	}
	ev := &models.AgentEvent{
		ID:             ids.New(),
		TraceID:        t.ID,
		Type:           typ,
		Payload:        raw,
		ConversationID: t.ConversationID,
		UserID:         t.UserID,
		CreatedAt:      t.rec.now().UTC(),
	}
	if err := t.rec.events.AppendEvent(context.WithoutCancel(ctx), ev); err != nil {
		log.Error().Err(err).
			Str("trace_id", t.ID).
			Str("type", string(typ)).
			Msg("Failed to append agent event")
	}
}

// Fail records an ERROR event for err and returns err unchanged.
func (t *Trace) Fail(ctx context.Context, stage string, err error) error {
	if err == nil {
		return nil
	}
	t.Emit(ctx, models.EventError, map[string]string{"stage": stage, "error": err.Error()})
	return err
}

type traceKey struct{}

// WithTrace stores the trace on the context so deep callers (tools, the
// refund executor) can emit into it.
func WithTrace(ctx context.Context, t *Trace) context.Context {
	return context.WithValue(ctx, traceKey{}, t)
}

// FromContext returns the trace stored by WithTrace, or nil. Emit and Fail
// are safe to call on a nil *Trace.
func FromContext(ctx context.Context) *Trace {
	t, _ := ctx.Value(traceKey{}).(*Trace)
	return t
}
