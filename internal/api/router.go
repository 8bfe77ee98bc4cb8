package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentoven/supportdesk/internal/api/handlers"
	"github.com/agentoven/supportdesk/internal/api/middleware"
	"github.com/agentoven/supportdesk/internal/config"
)

// NewRouter creates the HTTP router with all API routes.
func NewRouter(cfg *config.Config, h *handlers.Handlers, auth *middleware.AuthMiddleware) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Request-Id", "X-User-Id", "X-Agent-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "X-Trace-Id", "X-Conversation-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(auth.Handler)

	// Health & info
	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler(cfg))
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// Customer surface: every read is scoped to the caller.
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireIdentity)

			r.Post("/chat", h.Chat)
			r.Get("/conversations", h.ListMyConversations)
			r.Get("/conversations/{id}/messages", h.ListMyMessages)
			r.Get("/orders", h.ListMyOrders)
			r.Get("/orders/{orderId}", h.GetMyOrder)
			r.Get("/returns", h.ListMyReturns)
		})

		// Staff console
		r.Route("/admin", func(r chi.Router) {
			r.Use(middleware.RequireStaff)

			r.Route("/conversations", func(r chi.Router) {
				r.Get("/", h.ListConversations)
				r.Route("/{id}", func(r chi.Router) {
					r.Delete("/", h.DeleteConversation)
					r.Get("/messages", h.GetConversationMessages)
					r.Get("/events", h.GetConversationEvents)
					r.Post("/claim", h.ClaimConversation)
					r.Post("/release", h.ReleaseConversation)
				})
			})
			r.Post("/messages", h.PostAgentMessage)

			r.Get("/returns", h.ListReturns)
			r.Post("/returns/{id}/refund", h.RefundReturn)

			r.Route("/approvals", func(r chi.Router) {
				r.Get("/", h.ListApprovals)
				r.Post("/{id}/approve", h.ApproveApproval)
				r.Post("/{id}/reject", h.RejectApproval)
			})

			r.Get("/traces/{traceId}", h.GetTrace)
			r.Get("/orders/{orderId}", h.GetOrder)
		})
	})

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "supportdesk",
	})
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "supportdesk",
		})
	}
}
