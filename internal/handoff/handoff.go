// Package handoff implements the conversation control state machine:
//
//	automated → pending_human → human → automated
//
// Only a reviewer may claim a pending conversation and only the claiming
// agent may release it. Every transition is a compare-and-set in the store,
// so two agents racing to claim the same conversation produce exactly one
// winner.
package handoff

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentoven/supportdesk/internal/ids"
	"github.com/agentoven/supportdesk/internal/metrics"
	"github.com/agentoven/supportdesk/internal/store"
	"github.com/agentoven/supportdesk/pkg/contracts"
	"github.com/agentoven/supportdesk/pkg/models"
)

var (
	// ErrInvalidTransition is returned when the conversation is not in the
	// state the transition starts from.
	ErrInvalidTransition = errors.New("invalid hand-off transition")
	// ErrNotAssignee is returned when someone other than the assigned agent
	// tries to release a conversation.
	ErrNotAssignee = errors.New("conversation is assigned to another agent")
)

// Trigger records why a hand-off was requested.
type Trigger string

const (
	TriggerKeyword   Trigger = "keyword"
	TriggerSentiment Trigger = "sentiment"
	TriggerTool      Trigger = "tool"
	TriggerRouter    Trigger = "router"
	TriggerRefund    Trigger = "refund"
	TriggerClaim     Trigger = "claim"
	TriggerRelease   Trigger = "release"
)

// Machine performs hand-off transitions.
type Machine struct {
	store    store.Store
	notifier contracts.Notifier
	now      func() time.Time
}

// NewMachine creates a Machine. A nil notifier drops notifications.
func NewMachine(s store.Store, notifier contracts.Notifier) *Machine {
	if notifier == nil {
		notifier = contracts.NopNotifier{}
	}
	return &Machine{store: s, notifier: notifier, now: time.Now}
}

// Automated reports whether the assistant may reply in the conversation.
// It is checked at turn start and again before a reply is delivered.
func (m *Machine) Automated(ctx context.Context, conversationID string) (bool, error) {
	conv, err := m.store.GetConversation(ctx, conversationID)
	if err != nil {
		return false, err
	}
	return conv.Automated(), nil
}

// RequestHandoff moves an automated conversation to pending_human. It is
// idempotent: a conversation already pending or human-owned is returned
// unchanged with changed=false.
func (m *Machine) RequestHandoff(ctx context.Context, conversationID string, trigger Trigger, reason string) (conv *models.Conversation, changed bool, err error) {
	conv, err = m.store.TransitionConversation(ctx, conversationID,
		[]models.ControlState{models.ControlAutomated}, models.ControlPendingHuman, "", "", reason)
	if errors.Is(err, store.ErrConflict) {
		cur, gerr := m.store.GetConversation(ctx, conversationID)
		if gerr != nil {
			return nil, false, gerr
		}
		return cur, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	metrics.HandoffTransitions.WithLabelValues(string(models.ControlAutomated), string(models.ControlPendingHuman), string(trigger)).Inc()
	log.Info().
		Str("conversation_id", conversationID).
		Str("trigger", string(trigger)).
		Str("reason", reason).
		Msg("🙋 Hand-off requested")

	m.notifier.Notify(context.WithoutCancel(ctx), contracts.NotificationEvent{
		Type:           "handoff_requested",
		ConversationID: conversationID,
		Reason:         reason,
		Payload:        map[string]interface{}{"trigger": string(trigger), "user_id": conv.UserID},
		Timestamp:      m.now().UTC(),
	})
	return conv, true, nil
}

// Claim assigns a pending conversation to agentID. It fails with
// ErrInvalidTransition unless the conversation is pending_human.
func (m *Machine) Claim(ctx context.Context, conversationID, agentID string) (*models.Conversation, error) {
	if agentID == "" {
		return nil, fmt.Errorf("claim: agent id required")
	}
	conv, err := m.store.TransitionConversation(ctx, conversationID,
		[]models.ControlState{models.ControlPendingHuman}, models.ControlHuman, agentID, "", "")
	if errors.Is(err, store.ErrConflict) {
		return nil, ErrInvalidTransition
	}
	if err != nil {
		return nil, err
	}
	metrics.HandoffTransitions.WithLabelValues(string(models.ControlPendingHuman), string(models.ControlHuman), string(TriggerClaim)).Inc()
	m.systemMessage(ctx, conv, fmt.Sprintf("Agent %s joined the conversation.", agentID))
	log.Info().Str("conversation_id", conversationID).Str("agent_id", agentID).Msg("Conversation claimed")
	return conv, nil
}

// Release returns a human-owned conversation to automation. Only the
// assigned agent may release it.
func (m *Machine) Release(ctx context.Context, conversationID, agentID string) (*models.Conversation, error) {
	conv, err := m.store.TransitionConversation(ctx, conversationID,
		[]models.ControlState{models.ControlHuman}, models.ControlAutomated, "", agentID, "")
	if errors.Is(err, store.ErrConflict) {
		cur, gerr := m.store.GetConversation(ctx, conversationID)
		if gerr != nil {
			return nil, gerr
		}
		if cur.ControlState == models.ControlHuman && cur.AssignedAgentID != agentID {
			return nil, ErrNotAssignee
		}
		return nil, ErrInvalidTransition
	}
	if err != nil {
		return nil, err
	}
	metrics.HandoffTransitions.WithLabelValues(string(models.ControlHuman), string(models.ControlAutomated), string(TriggerRelease)).Inc()
	m.systemMessage(ctx, conv, fmt.Sprintf("Agent %s left the conversation. The assistant is back.", agentID))
	log.Info().Str("conversation_id", conversationID).Str("agent_id", agentID).Msg("Conversation released")
	return conv, nil
}

// AgentReply stores a message written by the assigned agent.
func (m *Machine) AgentReply(ctx context.Context, conversationID, agentID, content string) (*models.Message, error) {
	conv, err := m.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.ControlState != models.ControlHuman {
		return nil, ErrInvalidTransition
	}
	if conv.AssignedAgentID != agentID {
		return nil, ErrNotAssignee
	}
	msg := &models.Message{
		ID:             ids.New(),
		ConversationID: conversationID,
		UserID:         conv.UserID,
		Role:           models.RoleAssistant,
		Content:        content,
		AuthorID:       agentID,
	}
	if err := m.store.AppendMessage(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func (m *Machine) systemMessage(ctx context.Context, conv *models.Conversation, text string) {
	msg := &models.Message{
		ID:             ids.New(),
		ConversationID: conv.ID,
		UserID:         conv.UserID,
		Role:           models.RoleSystem,
		Content:        text,
	}
	if err := m.store.AppendMessage(context.WithoutCancel(ctx), msg); err != nil {
		log.Error().Err(err).Str("conversation_id", conv.ID).Msg("Failed to append hand-off system message")
	}
}
