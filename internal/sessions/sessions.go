// Package sessions manages the conversation lifecycle for multi-turn chats:
// creating conversations on first contact, appending messages, and loading
// the bounded history window sent to the model.
package sessions

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/agentoven/supportdesk/internal/ids"
	"github.com/agentoven/supportdesk/internal/store"
	"github.com/agentoven/supportdesk/pkg/models"
)

// DefaultHistoryTurns is the number of recent messages loaded per turn.
const DefaultHistoryTurns = 30

const titleRunes = 50

// ErrForbidden is returned when a conversation belongs to another user.
var ErrForbidden = errors.New("conversation belongs to another user")

// Manager wraps the conversation and message stores.
type Manager struct {
	store        store.Store
	historyTurns int
}

// NewManager creates a Manager. historyTurns <= 0 uses DefaultHistoryTurns.
func NewManager(s store.Store, historyTurns int) *Manager {
	if historyTurns <= 0 {
		historyTurns = DefaultHistoryTurns
	}
	return &Manager{store: s, historyTurns: historyTurns}
}

// Ensure returns the user's conversation, creating it when conversationID
// is empty or unknown. The first message becomes the title.
func (m *Manager) Ensure(ctx context.Context, conversationID, userID, firstMessage string) (*models.Conversation, bool, error) {
	if conversationID != "" {
		conv, err := m.store.GetConversation(ctx, conversationID)
		switch {
		case err == nil:
			if conv.UserID != userID {
				return nil, false, ErrForbidden
			}
			return conv, false, nil
		case !store.IsNotFound(err):
			return nil, false, err
		}
	} else {
		conversationID = ids.Prefixed("conv")
	}

	conv := &models.Conversation{
		ID:           conversationID,
		UserID:       userID,
		Title:        title(firstMessage),
		ControlState: models.ControlAutomated,
	}
	if err := m.store.CreateConversation(ctx, conv); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			// Lost a creation race with a concurrent first message.
			return m.Ensure(ctx, conversationID, userID, firstMessage)
		}
		return nil, false, err
	}
	return conv, true, nil
}

// Get returns the conversation if userID owns it. An empty userID skips the
// ownership check (staff access).
func (m *Manager) Get(ctx context.Context, conversationID, userID string) (*models.Conversation, error) {
	conv, err := m.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if userID != "" && conv.UserID != userID {
		return nil, ErrForbidden
	}
	return conv, nil
}

// Append stores one message.
func (m *Manager) Append(ctx context.Context, conv *models.Conversation, role models.Role, content, traceID string) (*models.Message, error) {
	msg := &models.Message{
		ID:             ids.New(),
		ConversationID: conv.ID,
		UserID:         conv.UserID,
		Role:           role,
		Content:        content,
		TraceID:        traceID,
	}
	if err := m.store.AppendMessage(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// History returns the most recent messages, oldest first.
func (m *Manager) History(ctx context.Context, conversationID string) ([]models.Message, error) {
	return m.store.ListMessages(ctx, conversationID, m.historyTurns)
}

// Messages returns every message of a conversation the user owns.
func (m *Manager) Messages(ctx context.Context, conversationID, userID string) ([]models.Message, error) {
	if _, err := m.Get(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	return m.store.ListMessages(ctx, conversationID, 0)
}

// List returns the user's conversations, newest first.
func (m *Manager) List(ctx context.Context, userID string, limit int) ([]models.Conversation, error) {
	return m.store.ListConversations(ctx, userID, limit)
}

// Purge deletes a conversation and its messages.
func (m *Manager) Purge(ctx context.Context, conversationID string) error {
	return m.store.DeleteConversation(ctx, conversationID)
}

// ChatHistory converts stored messages to the model's message shape.
// System notices (agent joined/left) are not sent to the model.
func ChatHistory(msgs []models.Message) []models.ChatMessage {
	out := make([]models.ChatMessage, 0, len(msgs))
	for _, msg := range msgs {
		if msg.Role != models.RoleUser && msg.Role != models.RoleAssistant {
			continue
		}
		if strings.TrimSpace(msg.Content) == "" {
			continue
		}
		out = append(out, models.ChatMessage{Role: msg.Role, Content: msg.Content})
	}
	return out
}

func title(first string) string {
	first = strings.TrimSpace(first)
	if utf8.RuneCountInString(first) <= titleRunes {
		return first
	}
	return string([]rune(first)[:titleRunes]) + "…"
}
