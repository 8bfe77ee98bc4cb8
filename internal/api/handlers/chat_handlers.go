package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/agentoven/supportdesk/internal/chat"
	"github.com/agentoven/supportdesk/internal/store"
	"github.com/agentoven/supportdesk/internal/stream"
	pkgmw "github.com/agentoven/supportdesk/pkg/middleware"
)

// ── Chat ─────────────────────────────────────────────────────

type chatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// Chat runs one turn and streams the reply as SSE frames:
// tool_data, content chunks, transfer, skip, error, then done.
func (h *Handlers) Chat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	reply, err := h.ChatSvc.Handle(r.Context(), chat.Inbound{
		ConversationID: req.ConversationID,
		UserID:         pkgmw.Subject(r.Context()),
		Message:        req.Message,
	})
	if err != nil {
		respondDomainError(w, err)
		return
	}

	sw, err := stream.NewWriter(w, h.ChunkSize, map[string]string{
		"X-Conversation-Id": reply.ConversationID,
		"X-Trace-Id":        reply.TraceID,
	})
	if err != nil {
		log.Error().Err(err).Msg("Response writer cannot stream")
		respondError(w, http.StatusInternalServerError, "streaming unavailable")
		return
	}
	if err := render(sw, reply); err != nil {
		log.Debug().Err(err).Str("conversation_id", reply.ConversationID).Msg("Client went away mid-stream")
	}
}

func render(sw *stream.Writer, reply *chat.Reply) error {
	for _, td := range reply.ToolData {
		if err := sw.ToolData(td); err != nil {
			return err
		}
	}
	if reply.Content != "" {
		if err := sw.Content(reply.Content); err != nil {
			return err
		}
	}
	if reply.Transfer != nil {
		if err := sw.Transfer(reply.Transfer.Reason); err != nil {
			return err
		}
	}
	if reply.Skipped() {
		if err := sw.Skip(reply.SkipReason); err != nil {
			return err
		}
	}
	if reply.Error != "" {
		if err := sw.Error(reply.Error); err != nil {
			return err
		}
	}
	return sw.Done()
}

// ── Customer reads ───────────────────────────────────────────

func (h *Handlers) ListMyConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := h.Sessions.List(r.Context(), pkgmw.Subject(r.Context()), limitParam(r))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"items": list(convs)})
}

func (h *Handlers) ListMyMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.Sessions.Messages(r.Context(), chi.URLParam(r, "id"), pkgmw.Subject(r.Context()))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"items": list(msgs)})
}

func (h *Handlers) ListMyOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.Orders.SearchOrders(r.Context(), pkgmw.Subject(r.Context()), r.URL.Query().Get("q"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"items": list(orders)})
}

func (h *Handlers) GetMyOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.Orders.GetOrder(r.Context(), chi.URLParam(r, "orderId"), pkgmw.Subject(r.Context()))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, order)
}

func (h *Handlers) ListMyReturns(w http.ResponseWriter, r *http.Request) {
	recs, err := h.Store.ListReturns(r.Context(), store.ReturnFilter{
		UserID: pkgmw.Subject(r.Context()),
		Limit:  limitParam(r),
	})
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"items": list(recs)})
}
