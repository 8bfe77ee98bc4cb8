package store_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/agentoven/supportdesk/internal/ids"
	"github.com/agentoven/supportdesk/internal/store"
	"github.com/agentoven/supportdesk/pkg/models"
)

// backends returns one fresh store per implementation so every test runs
// against both the in-memory maps and the SQLite schema.
func backends(t *testing.T) map[string]store.Store {
	t.Helper()
	mem := store.NewMemoryStore()

	sqlite, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	if err := sqlite.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	t.Cleanup(func() { sqlite.Close() })

	return map[string]store.Store{"memory": mem, "sqlite": sqlite}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, s store.Store)) {
	for name, s := range backends(t) {
		s := s
		t.Run(name, func(t *testing.T) { fn(t, s) })
	}
}

func newConversation(t *testing.T, s store.Store, userID string) *models.Conversation {
	t.Helper()
	conv := &models.Conversation{ID: ids.Prefixed("conv"), UserID: userID}
	if err := s.CreateConversation(context.Background(), conv); err != nil {
		t.Fatalf("CreateConversation() error = %v", err)
	}
	return conv
}

// ─── Conversations ───────────────────────────────────────────

func TestConversation_CreateAndGet(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s store.Store) {
		conv := newConversation(t, s, "u1")

		got, err := s.GetConversation(context.Background(), conv.ID)
		if err != nil {
			t.Fatalf("GetConversation() error = %v", err)
		}
		if got.ControlState != models.ControlAutomated {
			t.Errorf("ControlState = %q, want %q", got.ControlState, models.ControlAutomated)
		}
		if got.UserID != "u1" {
			t.Errorf("UserID = %q, want u1", got.UserID)
		}

		_, err = s.GetConversation(context.Background(), "missing")
		if !store.IsNotFound(err) {
			t.Errorf("GetConversation(missing) error = %v, want ErrNotFound", err)
		}
	})
}

func TestConversation_ListFiltersByUser(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s store.Store) {
		newConversation(t, s, "u1")
		newConversation(t, s, "u1")
		newConversation(t, s, "u2")

		mine, err := s.ListConversations(context.Background(), "u1", 0)
		if err != nil {
			t.Fatalf("ListConversations() error = %v", err)
		}
		if len(mine) != 2 {
			t.Errorf("ListConversations(u1) = %d, want 2", len(mine))
		}
		all, _ := s.ListConversations(context.Background(), "", 0)
		if len(all) != 3 {
			t.Errorf("ListConversations(all) = %d, want 3", len(all))
		}
	})
}

func TestConversation_TransitionIsCompareAndSet(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		conv := newConversation(t, s, "u1")

		got, err := s.TransitionConversation(ctx, conv.ID,
			[]models.ControlState{models.ControlAutomated}, models.ControlPendingHuman, "", "", "customer asked")
		if err != nil {
			t.Fatalf("TransitionConversation() error = %v", err)
		}
		if got.ControlState != models.ControlPendingHuman || got.HandoffReason != "customer asked" {
			t.Errorf("got %+v", got)
		}

		// A second automated → pending move must fail: the precondition no longer holds.
		_, err = s.TransitionConversation(ctx, conv.ID,
			[]models.ControlState{models.ControlAutomated}, models.ControlPendingHuman, "", "", "")
		if !errors.Is(err, store.ErrConflict) {
			t.Errorf("second transition error = %v, want ErrConflict", err)
		}

		got, err = s.TransitionConversation(ctx, conv.ID,
			[]models.ControlState{models.ControlPendingHuman}, models.ControlHuman, "agent-1", "", "")
		if err != nil {
			t.Fatalf("claim error = %v", err)
		}
		if got.AssignedAgentID != "agent-1" || got.HandoffReason != "customer asked" {
			t.Errorf("claim result = %+v", got)
		}

		// Only the assignee may release.
		_, err = s.TransitionConversation(ctx, conv.ID,
			[]models.ControlState{models.ControlHuman}, models.ControlAutomated, "", "agent-2", "")
		if !errors.Is(err, store.ErrConflict) {
			t.Errorf("release by other agent error = %v, want ErrConflict", err)
		}
		_, err = s.TransitionConversation(ctx, conv.ID,
			[]models.ControlState{models.ControlHuman}, models.ControlAutomated, "", "agent-1", "")
		if err != nil {
			t.Errorf("release by assignee error = %v", err)
		}
	})
}

func TestConversation_ConcurrentClaimHasOneWinner(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		conv := newConversation(t, s, "u1")
		if _, err := s.TransitionConversation(ctx, conv.ID,
			[]models.ControlState{models.ControlAutomated}, models.ControlPendingHuman, "", "", "help"); err != nil {
			t.Fatalf("TransitionConversation() error = %v", err)
		}

		var wg sync.WaitGroup
		var mu sync.Mutex
		winners := 0
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := s.TransitionConversation(ctx, conv.ID,
					[]models.ControlState{models.ControlPendingHuman}, models.ControlHuman, fmt.Sprintf("agent-%d", i), "", "")
				if err == nil {
					mu.Lock()
					winners++
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()
		if winners != 1 {
			t.Errorf("winners = %d, want 1", winners)
		}
	})
}

func TestConversation_DeletePurgesMessages(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		conv := newConversation(t, s, "u1")
		if err := s.AppendMessage(ctx, &models.Message{ID: ids.New(), ConversationID: conv.ID, Role: models.RoleUser, Content: "hi"}); err != nil {
			t.Fatalf("AppendMessage() error = %v", err)
		}
		if err := s.DeleteConversation(ctx, conv.ID); err != nil {
			t.Fatalf("DeleteConversation() error = %v", err)
		}
		msgs, _ := s.ListMessages(ctx, conv.ID, 0)
		if len(msgs) != 0 {
			t.Errorf("messages after purge = %d, want 0", len(msgs))
		}
		if err := s.DeleteConversation(ctx, conv.ID); !store.IsNotFound(err) {
			t.Errorf("second delete error = %v, want ErrNotFound", err)
		}
	})
}

// ─── Messages ────────────────────────────────────────────────

func TestMessages_OrderedAndWindowed(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		conv := newConversation(t, s, "u1")
		for i := 0; i < 5; i++ {
			msg := &models.Message{ID: ids.New(), ConversationID: conv.ID, Role: models.RoleUser, Content: fmt.Sprintf("m%d", i)}
			if err := s.AppendMessage(ctx, msg); err != nil {
				t.Fatalf("AppendMessage() error = %v", err)
			}
		}

		last, err := s.ListMessages(ctx, conv.ID, 2)
		if err != nil {
			t.Fatalf("ListMessages() error = %v", err)
		}
		if len(last) != 2 || last[0].Content != "m3" || last[1].Content != "m4" {
			t.Errorf("ListMessages(2) = %+v, want m3,m4", last)
		}

		err = s.AppendMessage(ctx, &models.Message{ID: ids.New(), ConversationID: "nope", Role: models.RoleUser})
		if !store.IsNotFound(err) {
			t.Errorf("AppendMessage(missing conv) error = %v, want ErrNotFound", err)
		}
	})
}

// ─── Returns ─────────────────────────────────────────────────

func TestReturns_OnePerOrder(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		rec := &models.ReturnRecord{ID: ids.Prefixed("ret"), OrderID: "ORD-1", UserID: "u1", Status: models.ReturnRejected}
		if err := s.CreateReturn(ctx, rec); err != nil {
			t.Fatalf("CreateReturn() error = %v", err)
		}
		dup := &models.ReturnRecord{ID: ids.Prefixed("ret"), OrderID: "ORD-1", UserID: "u1", Status: models.ReturnRejected}
		if err := s.CreateReturn(ctx, dup); !errors.Is(err, store.ErrDuplicate) {
			t.Errorf("CreateReturn(dup) error = %v, want ErrDuplicate", err)
		}

		got, err := s.GetReturnByOrder(ctx, "ORD-1")
		if err != nil {
			t.Fatalf("GetReturnByOrder() error = %v", err)
		}
		if got.ID != rec.ID {
			t.Errorf("GetReturnByOrder().ID = %q, want %q", got.ID, rec.ID)
		}
	})
}

func TestReturns_UpdateCompareAndSet(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		rec := &models.ReturnRecord{ID: ids.Prefixed("ret"), OrderID: "ORD-2", UserID: "u1",
			Status: models.ReturnRefundProcessing, RefundStatus: models.RefundProcessing, RefundID: "RFKEY", ConditionOK: true}
		if err := s.CreateReturn(ctx, rec); err != nil {
			t.Fatalf("CreateReturn() error = %v", err)
		}

		done := time.Now().UTC()
		rec.Status = models.ReturnRefunded
		rec.RefundStatus = models.RefundSuccess
		rec.CompletedAt = &done
		if err := s.UpdateReturn(ctx, rec, models.ReturnRefundProcessing); err != nil {
			t.Fatalf("UpdateReturn() error = %v", err)
		}

		rec.Status = models.ReturnRefundFailed
		if err := s.UpdateReturn(ctx, rec, models.ReturnRefundProcessing); !errors.Is(err, store.ErrConflict) {
			t.Errorf("stale UpdateReturn() error = %v, want ErrConflict", err)
		}

		got, _ := s.GetReturn(ctx, rec.ID)
		if got.Status != models.ReturnRefunded || got.CompletedAt == nil || got.RefundID != "RFKEY" || !got.ConditionOK {
			t.Errorf("GetReturn() = %+v", got)
		}
	})
}

func TestReturns_ListFilter(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		for i, st := range []models.ReturnStatus{models.ReturnRefunded, models.ReturnRefundProcessing, models.ReturnRefundProcessing} {
			rec := &models.ReturnRecord{ID: ids.Prefixed("ret"), OrderID: fmt.Sprintf("ORD-%d", i), UserID: "u1", Status: st}
			if err := s.CreateReturn(ctx, rec); err != nil {
				t.Fatalf("CreateReturn() error = %v", err)
			}
		}
		got, err := s.ListReturns(ctx, store.ReturnFilter{Status: models.ReturnRefundProcessing})
		if err != nil {
			t.Fatalf("ListReturns() error = %v", err)
		}
		if len(got) != 2 {
			t.Errorf("ListReturns(processing) = %d, want 2", len(got))
		}
		stale, _ := s.ListReturns(ctx, store.ReturnFilter{Status: models.ReturnRefundProcessing, UpdatedBefore: time.Now().Add(-time.Hour)})
		if len(stale) != 0 {
			t.Errorf("ListReturns(stale) = %d, want 0", len(stale))
		}
	})
}

// ─── Approvals ───────────────────────────────────────────────

func TestApprovals_DecideOnce(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		rec := &models.ReturnRecord{ID: ids.Prefixed("ret"), OrderID: "ORD-9", UserID: "u1", Status: models.ReturnAwaitingApproval}
		if err := s.CreateReturn(ctx, rec); err != nil {
			t.Fatalf("CreateReturn() error = %v", err)
		}
		task := &models.ApprovalTask{ID: ids.Prefixed("apr"), ReturnID: rec.ID, OrderID: "ORD-9", UserID: "u1", Amount: 35000}
		if err := s.CreateApproval(ctx, task); err != nil {
			t.Fatalf("CreateApproval() error = %v", err)
		}

		pending, err := s.PendingApprovalForReturn(ctx, rec.ID)
		if err != nil || pending.ID != task.ID {
			t.Fatalf("PendingApprovalForReturn() = %+v, %v", pending, err)
		}

		got, err := s.DecideApproval(ctx, task.ID, models.ApprovalApproved, "admin-1", "", time.Now())
		if err != nil {
			t.Fatalf("DecideApproval() error = %v", err)
		}
		if got.Status != models.ApprovalApproved || got.DecidedAt == nil || got.ReviewerID != "admin-1" {
			t.Errorf("DecideApproval() = %+v", got)
		}
		if _, err := s.DecideApproval(ctx, task.ID, models.ApprovalRejected, "admin-2", "", time.Now()); !errors.Is(err, store.ErrConflict) {
			t.Errorf("second decision error = %v, want ErrConflict", err)
		}
		if _, err := s.PendingApprovalForReturn(ctx, rec.ID); !store.IsNotFound(err) {
			t.Errorf("PendingApprovalForReturn() after decision error = %v, want ErrNotFound", err)
		}
	})
}

// ─── Events ──────────────────────────────────────────────────

func TestEvents_ByTraceInOrder(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		types := []models.EventType{models.EventRouteDecision, models.EventToolCall, models.EventToolResult}
		for _, typ := range types {
			ev := &models.AgentEvent{ID: ids.New(), TraceID: "tr-1", Type: typ, Payload: []byte(`{"k":1}`), ConversationID: "c1"}
			if err := s.AppendEvent(ctx, ev); err != nil {
				t.Fatalf("AppendEvent() error = %v", err)
			}
		}
		if err := s.AppendEvent(ctx, &models.AgentEvent{ID: ids.New(), TraceID: "tr-2", Type: models.EventError, ConversationID: "c1"}); err != nil {
			t.Fatalf("AppendEvent() error = %v", err)
		}

		got, err := s.ListEventsByTrace(ctx, "tr-1")
		if err != nil {
			t.Fatalf("ListEventsByTrace() error = %v", err)
		}
		if len(got) != 3 {
			t.Fatalf("ListEventsByTrace() = %d events, want 3", len(got))
		}
		for i, typ := range types {
			if got[i].Type != typ {
				t.Errorf("event[%d].Type = %q, want %q", i, got[i].Type, typ)
			}
		}
		if string(got[0].Payload) != `{"k":1}` {
			t.Errorf("payload = %s", got[0].Payload)
		}

		byConv, _ := s.ListEventsByConversation(ctx, "c1", 2)
		if len(byConv) != 2 || byConv[1].TraceID != "tr-2" {
			t.Errorf("ListEventsByConversation(2) = %+v", byConv)
		}
	})
}
