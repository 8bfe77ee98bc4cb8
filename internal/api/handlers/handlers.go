// Package handlers implements the HTTP handlers for supportdesk: the
// customer chat surface and the staff console.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/agentoven/supportdesk/internal/chat"
	"github.com/agentoven/supportdesk/internal/handoff"
	"github.com/agentoven/supportdesk/internal/refund"
	"github.com/agentoven/supportdesk/internal/sessions"
	"github.com/agentoven/supportdesk/internal/store"
	"github.com/agentoven/supportdesk/pkg/contracts"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Store     store.Store
	ChatSvc   *chat.Service
	Sessions  *sessions.Manager
	Handoff   *handoff.Machine
	Refunds   *refund.Executor
	Orders    contracts.OrderAccess
	ChunkSize int
}

// New creates a new Handlers instance with all dependencies.
func New(s store.Store, chatSvc *chat.Service, sm *sessions.Manager, machine *handoff.Machine,
	refunds *refund.Executor, orders contracts.OrderAccess, chunkSize int) *Handlers {
	return &Handlers{
		Store:     s,
		ChatSvc:   chatSvc,
		Sessions:  sm,
		Handoff:   machine,
		Refunds:   refunds,
		Orders:    orders,
		ChunkSize: chunkSize,
	}
}

// ── Helpers ─────────────────────────────────────────────────

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondDomainError maps service errors onto HTTP statuses.
func respondDomainError(w http.ResponseWriter, err error) {
	switch {
	case store.IsNotFound(err):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, sessions.ErrForbidden):
		respondError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, handoff.ErrNotAssignee):
		respondError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, handoff.ErrInvalidTransition),
		errors.Is(err, refund.ErrApprovalDecided),
		errors.Is(err, store.ErrConflict):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, chat.ErrEmptyMessage):
		respondError(w, http.StatusBadRequest, err.Error())
	default:
		log.Error().Err(err).Msg("Request failed")
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

// limitParam reads ?limit=, clamped to [1, maxListLimit].
func limitParam(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return defaultListLimit
	}
	if n > maxListLimit {
		return maxListLimit
	}
	return n
}

func list[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
