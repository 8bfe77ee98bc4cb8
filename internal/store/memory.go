// Package store — in-memory Store implementation.
// Used by tests and by SUPPORTDESK_STORE=memory for throwaway local runs.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/agentoven/supportdesk/pkg/models"
	"github.com/rs/zerolog/log"
)

// MemoryStore implements Store with in-memory maps.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*models.Conversation // key: id
	messages      map[string][]*models.Message    // key: conversation id, append order
	returns       map[string]*models.ReturnRecord // key: id
	returnByOrder map[string]string               // order id → return id
	approvals     map[string]*models.ApprovalTask // key: id
	events        []*models.AgentEvent            // append-only log
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	log.Info().Msg("Memory store configured (data is not persisted)")
	return &MemoryStore{
		conversations: make(map[string]*models.Conversation),
		messages:      make(map[string][]*models.Message),
		returns:       make(map[string]*models.ReturnRecord),
		returnByOrder: make(map[string]string),
		approvals:     make(map[string]*models.ApprovalTask),
	}
}

func (m *MemoryStore) Ping(_ context.Context) error    { return nil }
func (m *MemoryStore) Close() error                    { return nil }
func (m *MemoryStore) Migrate(_ context.Context) error { return nil }

// ── Conversations ───────────────────────────────────────────

func (m *MemoryStore) CreateConversation(_ context.Context, conv *models.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conversations[conv.ID]; ok {
		return ErrDuplicate
	}
	now := time.Now().UTC()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	conv.UpdatedAt = now
	if conv.ControlState == "" {
		conv.ControlState = models.ControlAutomated
	}
	c := *conv
	m.conversations[conv.ID] = &c
	return nil
}

func (m *MemoryStore) GetConversation(_ context.Context, id string) (*models.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conversations[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "conversation", Key: id}
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) ListConversations(_ context.Context, userID string, limit int) ([]models.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]models.Conversation, 0)
	for _, c := range m.conversations {
		if userID == "" || c.UserID == userID {
			result = append(result, *c)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].UpdatedAt.Equal(result[j].UpdatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].UpdatedAt.After(result[j].UpdatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) TransitionConversation(_ context.Context, id string, from []models.ControlState, to models.ControlState, agentID, requireAgent, reason string) (*models.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "conversation", Key: id}
	}
	if !containsState(from, c.ControlState) {
		return nil, ErrConflict
	}
	if requireAgent != "" && c.AssignedAgentID != requireAgent {
		return nil, ErrConflict
	}
	c.ControlState = to
	c.AssignedAgentID = agentID
	if reason != "" {
		c.HandoffReason = reason
	}
	c.UpdatedAt = time.Now().UTC()
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) DeleteConversation(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conversations[id]; !ok {
		return &ErrNotFound{Entity: "conversation", Key: id}
	}
	delete(m.conversations, id)
	delete(m.messages, id)
	return nil
}

// ── Messages ────────────────────────────────────────────────

func (m *MemoryStore) AppendMessage(_ context.Context, msg *models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[msg.ConversationID]
	if !ok {
		return &ErrNotFound{Entity: "conversation", Key: msg.ConversationID}
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	cp := *msg
	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], &cp)
	c.UpdatedAt = msg.CreatedAt
	return nil
}

func (m *MemoryStore) ListMessages(_ context.Context, conversationID string, limit int) ([]models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msgs := m.messages[conversationID]
	result := make([]models.Message, 0, len(msgs))
	for _, msg := range msgs {
		result = append(result, *msg)
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	if limit > 0 && len(result) > limit {
		result = result[len(result)-limit:]
	}
	return result, nil
}

// ── Returns ─────────────────────────────────────────────────

func (m *MemoryStore) CreateReturn(_ context.Context, rec *models.ReturnRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.returnByOrder[rec.OrderID]; ok {
		return ErrDuplicate
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}
	if rec.RefundStatus == "" {
		rec.RefundStatus = models.RefundNone
	}
	cp := *rec
	m.returns[rec.ID] = &cp
	m.returnByOrder[rec.OrderID] = rec.ID
	return nil
}

func (m *MemoryStore) GetReturn(_ context.Context, id string) (*models.ReturnRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.returns[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "return", Key: id}
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) GetReturnByOrder(_ context.Context, orderID string) (*models.ReturnRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.returnByOrder[orderID]
	if !ok {
		return nil, &ErrNotFound{Entity: "return", Key: orderID}
	}
	cp := *m.returns[id]
	return &cp, nil
}

func (m *MemoryStore) ListReturns(_ context.Context, f ReturnFilter) ([]models.ReturnRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]models.ReturnRecord, 0)
	for _, r := range m.returns {
		if f.UserID != "" && r.UserID != f.UserID {
			continue
		}
		if f.OrderID != "" && r.OrderID != f.OrderID {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if !f.UpdatedBefore.IsZero() && !r.UpdatedAt.Before(f.UpdatedBefore) {
			continue
		}
		result = append(result, *r)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[:f.Limit]
	}
	return result, nil
}

func (m *MemoryStore) UpdateReturn(_ context.Context, rec *models.ReturnRecord, expected ...models.ReturnStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.returns[rec.ID]
	if !ok {
		return &ErrNotFound{Entity: "return", Key: rec.ID}
	}
	if len(expected) > 0 && !containsStatus(expected, cur.Status) {
		return ErrConflict
	}
	rec.UpdatedAt = time.Now().UTC()
	rec.CreatedAt = cur.CreatedAt
	cp := *rec
	m.returns[rec.ID] = &cp
	return nil
}

// ── Approvals ───────────────────────────────────────────────

func (m *MemoryStore) CreateApproval(_ context.Context, task *models.ApprovalTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.approvals[task.ID]; ok {
		return ErrDuplicate
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	if task.Status == "" {
		task.Status = models.ApprovalPending
	}
	cp := *task
	m.approvals[task.ID] = &cp
	return nil
}

func (m *MemoryStore) GetApproval(_ context.Context, id string) (*models.ApprovalTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.approvals[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "approval", Key: id}
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) ListApprovals(_ context.Context, status models.ApprovalStatus, limit int) ([]models.ApprovalTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]models.ApprovalTask, 0)
	for _, a := range m.approvals {
		if status == "" || a.Status == status {
			result = append(result, *a)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) PendingApprovalForReturn(_ context.Context, returnID string) (*models.ApprovalTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.approvals {
		if a.ReturnID == returnID && a.Status == models.ApprovalPending {
			cp := *a
			return &cp, nil
		}
	}
	return nil, &ErrNotFound{Entity: "approval", Key: returnID}
}

func (m *MemoryStore) DecideApproval(_ context.Context, id string, to models.ApprovalStatus, reviewerID, reason string, at time.Time) (*models.ApprovalTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.approvals[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "approval", Key: id}
	}
	if a.Status != models.ApprovalPending {
		return nil, ErrConflict
	}
	a.Status = to
	a.ReviewerID = reviewerID
	if reason != "" {
		a.Reason = reason
	}
	decided := at.UTC()
	a.DecidedAt = &decided
	cp := *a
	return &cp, nil
}

// ── Events ──────────────────────────────────────────────────

func (m *MemoryStore) AppendEvent(_ context.Context, ev *models.AgentEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	cp := *ev
	m.events = append(m.events, &cp)
	return nil
}

func (m *MemoryStore) ListEventsByTrace(_ context.Context, traceID string) ([]models.AgentEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]models.AgentEvent, 0)
	for _, ev := range m.events {
		if ev.TraceID == traceID {
			result = append(result, *ev)
		}
	}
	return result, nil
}

func (m *MemoryStore) ListEventsByConversation(_ context.Context, conversationID string, limit int) ([]models.AgentEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]models.AgentEvent, 0)
	for _, ev := range m.events {
		if ev.ConversationID == conversationID {
			result = append(result, *ev)
		}
	}
	if limit > 0 && len(result) > limit {
		result = result[len(result)-limit:]
	}
	return result, nil
}
