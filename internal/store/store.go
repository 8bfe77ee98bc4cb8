// Package store provides the persistence interface and implementations for
// supportdesk: conversations, messages, the return ledger, approval tasks,
// and the agent event trail.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agentoven/supportdesk/pkg/models"
)

// Store is the primary storage interface. Handlers and services depend on
// this interface, making it easy to swap between in-memory (tests) and SQL
// (production) implementations.
type Store interface {
	ConversationStore
	MessageStore
	ReturnStore
	ApprovalStore
	EventStore

	// Ping checks if the database is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error

	// Migrate runs database migrations.
	Migrate(ctx context.Context) error
}

// ── Conversation Store ──────────────────────────────────────

type ConversationStore interface {
	CreateConversation(ctx context.Context, conv *models.Conversation) error
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	// ListConversations lists newest first. An empty userID lists every user.
	ListConversations(ctx context.Context, userID string, limit int) ([]models.Conversation, error)

	// TransitionConversation moves control_state to `to` iff the current
	// state is one of `from` and, when requireAgent is non-empty, the
	// conversation is assigned to requireAgent. agentID becomes the new
	// assigned agent (empty clears it). Returns ErrConflict otherwise.
	TransitionConversation(ctx context.Context, id string, from []models.ControlState, to models.ControlState, agentID, requireAgent, reason string) (*models.Conversation, error)

	// DeleteConversation purges the conversation and its messages.
	DeleteConversation(ctx context.Context, id string) error
}

// ── Message Store ───────────────────────────────────────────

type MessageStore interface {
	AppendMessage(ctx context.Context, msg *models.Message) error
	// ListMessages returns messages oldest first. limit > 0 keeps the most recent ones.
	ListMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error)
}

// ── Return Store ────────────────────────────────────────────

// ReturnFilter narrows ListReturns. Zero values are ignored.
type ReturnFilter struct {
	UserID        string
	OrderID       string
	Status        models.ReturnStatus
	UpdatedBefore time.Time
	Limit         int
}

type ReturnStore interface {
	// CreateReturn inserts a record. A second record for the same order
	// fails with ErrDuplicate.
	CreateReturn(ctx context.Context, rec *models.ReturnRecord) error
	GetReturn(ctx context.Context, id string) (*models.ReturnRecord, error)
	GetReturnByOrder(ctx context.Context, orderID string) (*models.ReturnRecord, error)
	ListReturns(ctx context.Context, filter ReturnFilter) ([]models.ReturnRecord, error)

	// UpdateReturn writes rec iff the stored status is one of expected.
	// Returns ErrConflict when the status moved underneath the caller.
	UpdateReturn(ctx context.Context, rec *models.ReturnRecord, expected ...models.ReturnStatus) error
}

// ── Approval Store ──────────────────────────────────────────

type ApprovalStore interface {
	CreateApproval(ctx context.Context, task *models.ApprovalTask) error
	GetApproval(ctx context.Context, id string) (*models.ApprovalTask, error)
	// ListApprovals lists newest first. An empty status lists all.
	ListApprovals(ctx context.Context, status models.ApprovalStatus, limit int) ([]models.ApprovalTask, error)
	// PendingApprovalForReturn returns the pending task for a return, if any.
	PendingApprovalForReturn(ctx context.Context, returnID string) (*models.ApprovalTask, error)

	// DecideApproval moves a pending task to approved or rejected. A task
	// that is no longer pending yields ErrConflict.
	DecideApproval(ctx context.Context, id string, to models.ApprovalStatus, reviewerID, reason string, at time.Time) (*models.ApprovalTask, error)
}

// ── Event Store ─────────────────────────────────────────────

type EventStore interface {
	AppendEvent(ctx context.Context, ev *models.AgentEvent) error
	ListEventsByTrace(ctx context.Context, traceID string) ([]models.AgentEvent, error)
	ListEventsByConversation(ctx context.Context, conversationID string, limit int) ([]models.AgentEvent, error)
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when an entity doesn't exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%s %q not found", e.Entity, e.Key)
}

// IsNotFound reports whether err wraps an *ErrNotFound.
func IsNotFound(err error) bool {
	var nf *ErrNotFound
	return errors.As(err, &nf)
}

var (
	// ErrConflict means a compare-and-set precondition did not hold.
	ErrConflict = errors.New("store: state changed concurrently")
	// ErrDuplicate means a unique key already exists.
	ErrDuplicate = errors.New("store: duplicate record")
)

func containsStatus(list []models.ReturnStatus, s models.ReturnStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsState(list []models.ControlState, s models.ControlState) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
