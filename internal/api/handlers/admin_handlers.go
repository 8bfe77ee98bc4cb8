package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/agentoven/supportdesk/internal/refund"
	"github.com/agentoven/supportdesk/internal/store"
	pkgmw "github.com/agentoven/supportdesk/pkg/middleware"
	"github.com/agentoven/supportdesk/pkg/models"
)

// ══════════════════════════════════════════════════════════════
// ── Conversations ────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) ListConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := h.Sessions.List(r.Context(), r.URL.Query().Get("user_id"), limitParam(r))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	if state := models.ControlState(r.URL.Query().Get("state")); state != "" {
		filtered := convs[:0]
		for _, c := range convs {
			if c.ControlState == state {
				filtered = append(filtered, c)
			}
		}
		convs = filtered
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"items": list(convs)})
}

func (h *Handlers) GetConversationMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.Sessions.Messages(r.Context(), chi.URLParam(r, "id"), "")
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"items": list(msgs)})
}

func (h *Handlers) GetConversationEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.Store.ListEventsByConversation(r.Context(), chi.URLParam(r, "id"), limitParam(r))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"items": list(events)})
}

func (h *Handlers) DeleteConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.Sessions.Purge(r.Context(), id); err != nil {
		respondDomainError(w, err)
		return
	}
	log.Info().Str("conversation_id", id).Str("by", pkgmw.Subject(r.Context())).Msg("Conversation purged")
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) ClaimConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := h.Handoff.Claim(r.Context(), chi.URLParam(r, "id"), pkgmw.Subject(r.Context()))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, conv)
}

func (h *Handlers) ReleaseConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := h.Handoff.Release(r.Context(), chi.URLParam(r, "id"), pkgmw.Subject(r.Context()))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, conv)
}

type agentMessageRequest struct {
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
}

// PostAgentMessage stores a reply written by the assigned agent.
func (h *Handlers) PostAgentMessage(w http.ResponseWriter, r *http.Request) {
	var req agentMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	req.Content = strings.TrimSpace(req.Content)
	if req.ConversationID == "" || req.Content == "" {
		respondError(w, http.StatusBadRequest, "conversation_id and content are required")
		return
	}
	msg, err := h.Handoff.AgentReply(r.Context(), req.ConversationID, pkgmw.Subject(r.Context()), req.Content)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, msg)
}

// ══════════════════════════════════════════════════════════════
// ── Returns & Approvals ──────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) ListReturns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	recs, err := h.Store.ListReturns(r.Context(), store.ReturnFilter{
		UserID:  q.Get("user_id"),
		OrderID: q.Get("order_id"),
		Status:  models.ReturnStatus(q.Get("status")),
		Limit:   limitParam(r),
	})
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"items": list(recs)})
}

// RefundReturn re-drives a return record through the refund executor on a
// staff member's behalf. The full eligibility and threshold check runs again;
// a record stuck in refund_processing keeps its original refund id.
func (h *Handlers) RefundReturn(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rec, err := h.Store.GetReturn(ctx, chi.URLParam(r, "id"))
	if err != nil {
		respondDomainError(w, err)
		return
	}

	out, err := h.Refunds.Process(ctx, refund.Request{
		OrderID:        rec.OrderID,
		UserID:         rec.UserID,
		ConversationID: rec.ConversationID,
		Reason:         rec.Reason,
		Amount:         rec.RequestedAmount,
		Source:         models.SourceAdmin,
	})
	if err != nil {
		respondDomainError(w, err)
		return
	}
	log.Info().Str("return_id", rec.ID).Str("action", string(out.Action)).Str("by", pkgmw.Subject(ctx)).Msg("Manual refund requested")
	respondJSON(w, http.StatusOK, out)
}

func (h *Handlers) ListApprovals(w http.ResponseWriter, r *http.Request) {
	status := models.ApprovalStatus(r.URL.Query().Get("status"))
	tasks, err := h.Store.ListApprovals(r.Context(), status, limitParam(r))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"items": list(tasks)})
}

func (h *Handlers) ApproveApproval(w http.ResponseWriter, r *http.Request) {
	out, err := h.Refunds.Approve(r.Context(), chi.URLParam(r, "id"), pkgmw.Subject(r.Context()))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

func (h *Handlers) RejectApproval(w http.ResponseWriter, r *http.Request) {
	var req rejectRequest
	// The body is optional.
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	out, err := h.Refunds.Reject(r.Context(), chi.URLParam(r, "id"), pkgmw.Subject(r.Context()), req.Reason)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

// ══════════════════════════════════════════════════════════════
// ── Traces & Orders ──────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) GetTrace(w http.ResponseWriter, r *http.Request) {
	traceID := chi.URLParam(r, "traceId")
	events, err := h.Store.ListEventsByTrace(r.Context(), traceID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	if len(events) == 0 {
		respondError(w, http.StatusNotFound, "trace not found")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"trace_id": traceID, "events": events})
}

// GetOrder returns any customer's order with its return record, if one exists.
func (h *Handlers) GetOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	order, err := h.Orders.GetOrder(ctx, chi.URLParam(r, "orderId"), "")
	if err != nil {
		respondDomainError(w, err)
		return
	}
	resp := map[string]interface{}{"order": order}
	rec, err := h.Store.GetReturnByOrder(ctx, order.ID)
	switch {
	case err == nil:
		resp["return"] = rec
	case !store.IsNotFound(err):
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}
