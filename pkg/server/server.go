// Package server assembles supportdesk from configuration: store, model
// providers, order and policy ports, the refund executor, the chat pipeline
// and the HTTP API.
//
// Usage:
//
//	srv, err := server.New(ctx, config.Load())
//	http.ListenAndServe(fmt.Sprintf(":%d", srv.Port), srv.Handler)
//	defer srv.Shutdown(ctx)
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentoven/supportdesk/internal/api"
	"github.com/agentoven/supportdesk/internal/api/handlers"
	"github.com/agentoven/supportdesk/internal/api/middleware"
	"github.com/agentoven/supportdesk/internal/audit"
	"github.com/agentoven/supportdesk/internal/auth"
	"github.com/agentoven/supportdesk/internal/chat"
	"github.com/agentoven/supportdesk/internal/config"
	"github.com/agentoven/supportdesk/internal/guardrails"
	"github.com/agentoven/supportdesk/internal/handoff"
	"github.com/agentoven/supportdesk/internal/intent"
	"github.com/agentoven/supportdesk/internal/llm"
	"github.com/agentoven/supportdesk/internal/money"
	"github.com/agentoven/supportdesk/internal/notify"
	"github.com/agentoven/supportdesk/internal/orchestrator"
	"github.com/agentoven/supportdesk/internal/orders"
	"github.com/agentoven/supportdesk/internal/payment"
	"github.com/agentoven/supportdesk/internal/policy"
	"github.com/agentoven/supportdesk/internal/refund"
	"github.com/agentoven/supportdesk/internal/sessions"
	"github.com/agentoven/supportdesk/internal/store"
	"github.com/agentoven/supportdesk/internal/telemetry"
	"github.com/agentoven/supportdesk/pkg/contracts"
)

// Server holds the initialized supportdesk service.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the data store selected by SUPPORTDESK_STORE.
	Store store.Store

	Config *config.Config

	// Port is the port the server should listen on.
	Port int

	// Reconciler re-drives stale refunds; nil when disabled.
	Reconciler *refund.Reconciler

	closers []func(context.Context) error
}

// New initializes every component and returns a ready Server. On error,
// anything already opened is released.
func New(ctx context.Context, cfg *config.Config) (srv *Server, err error) {
	srv = &Server{Config: cfg, Port: cfg.Port}
	defer func() {
		if err != nil {
			srv.Shutdown(context.WithoutCancel(ctx))
			srv = nil
		}
	}()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry, cfg.Version)
	if err != nil {
		return srv, fmt.Errorf("init telemetry: %w", err)
	}
	srv.onShutdown(shutdownTelemetry)

	// ── Store ────────────────────────────────────────────────
	dataStore, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.SQLitePath, cfg.Store.PostgresURL)
	if err != nil {
		return srv, fmt.Errorf("open store: %w", err)
	}
	srv.Store = dataStore
	srv.onShutdown(func(context.Context) error { return dataStore.Close() })
	log.Info().Str("driver", cfg.Store.Driver).Msg("✅ Store initialized")

	// ── External ports ───────────────────────────────────────
	catalog, err := orders.Load(cfg.SeedFile, time.Now())
	if err != nil {
		return srv, fmt.Errorf("load orders: %w", err)
	}
	policies, err := newPolicyRetriever(cfg.Policy)
	if err != nil {
		return srv, err
	}
	gateway := newPaymentGateway(cfg.Payment)
	model := newLLM(cfg.LLM)

	notifier := newNotifier(cfg.Notify)
	srv.onShutdown(func(context.Context) error { notifier.Close(); return nil })

	// ── Refunds ──────────────────────────────────────────────
	threshold, err := money.ToMinor(cfg.Policy.DefaultThreshold)
	if err != nil {
		return srv, fmt.Errorf("RETURN_DEFAULT_THRESHOLD: %w", err)
	}
	opts := []refund.Option{refund.WithNotifier(notifier)}
	if cfg.Redis.URL != "" {
		locker, err := refund.NewRedisLocker(ctx, cfg.Redis.URL, cfg.Redis.LockTTL)
		if err != nil {
			return srv, fmt.Errorf("redis locker: %w", err)
		}
		srv.onShutdown(func(context.Context) error { return locker.Close() })
		opts = append(opts, refund.WithLocker(locker))
		log.Info().Msg("Refund locks held in Redis")
	}
	executor := refund.NewExecutor(dataStore, catalog, policies, gateway, refund.Config{
		MaxAttempts:      cfg.Payment.RefundAttempts,
		RetryDelay:       cfg.Payment.RefundDelay,
		ExecuteTimeout:   cfg.Payment.RefundTimeout,
		WindowDays:       cfg.Policy.WindowDays,
		DefaultThreshold: threshold,
		PolicyQuery:      cfg.Policy.Query,
		PolicyTopK:       cfg.Policy.TopK,
	}, opts...)
	if cfg.Reconciler.Enabled {
		srv.Reconciler = refund.NewReconciler(executor, dataStore, cfg.Reconciler.Schedule, cfg.Reconciler.StaleAfter)
	}

	// ── Chat pipeline ────────────────────────────────────────
	detector := guardrails.NewDetector()
	var classifier intent.Classifier
	if len(model.Providers()) > 0 {
		classifier = intent.NewLLMClassifier(model)
	}
	sm := sessions.NewManager(dataStore, cfg.Chat.HistoryTurns)
	machine := handoff.NewMachine(dataStore, notifier)
	orch := orchestrator.New(model, catalog, executor, policies, orchestrator.Config{
		MaxHistory: cfg.Chat.HistoryTurns,
		WindowDays: cfg.Policy.WindowDays,
	})
	chatSvc := chat.NewService(sm, audit.NewRecorder(dataStore), detector,
		intent.NewRouter(classifier, detector), machine, orch, executor)

	// ── Auth ─────────────────────────────────────────────────
	chain, err := srv.newAuthChain(ctx, cfg.Auth)
	if err != nil {
		return srv, err
	}

	h := handlers.New(dataStore, chatSvc, sm, machine, executor, catalog, cfg.Chat.ChunkSize)
	srv.Handler = api.NewRouter(cfg, h, middleware.NewAuthMiddleware(chain, cfg.Auth.RequireAuth))

	log.Info().
		Strs("llm_providers", model.Providers()).
		Strs("auth_providers", chain.ListProviders()).
		Str("payment", cfg.Payment.Mode).
		Str("policy", cfg.Policy.Source).
		Msg("✅ Supportdesk initialized")
	return srv, nil
}

// Shutdown releases resources in reverse order of acquisition.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

func (s *Server) onShutdown(fn func(context.Context) error) {
	s.closers = append(s.closers, fn)
}

// ── Component factories ─────────────────────────────────────

func newLLM(cfg config.LLMConfig) *llm.Router {
	var primary, backup *llm.Provider
	if cfg.APIKey != "" {
		primary = llm.NewProvider(llm.ProviderConfig{Name: "primary", BaseURL: cfg.BaseURL, APIKey: cfg.APIKey, Model: cfg.Model})
	} else {
		log.Warn().Msg("LLM_API_KEY not set; the assistant will apologise instead of answering")
	}
	if cfg.BackupAPIKey != "" && cfg.BackupModel != "" {
		backup = llm.NewProvider(llm.ProviderConfig{Name: "backup", BaseURL: cfg.BackupBaseURL, APIKey: cfg.BackupAPIKey, Model: cfg.BackupModel})
	}
	return llm.NewRouter(llm.Config{Timeout: cfg.Timeout, MaxAttempts: cfg.MaxAttempts}, primary, backup)
}

func newPolicyRetriever(cfg config.PolicyConfig) (contracts.PolicyRetriever, error) {
	switch cfg.Source {
	case "http":
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("POLICY_BASE_URL is required when POLICY_SOURCE=http")
		}
		return policy.NewHTTPRetriever(cfg.BaseURL, cfg.Timeout), nil
	case "", "local":
		kb, err := policy.LoadKnowledgeBase(cfg.File, cfg.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("load policies: %w", err)
		}
		return kb, nil
	default:
		return nil, fmt.Errorf("unknown POLICY_SOURCE %q", cfg.Source)
	}
}

func newPaymentGateway(cfg config.PaymentConfig) contracts.PaymentGateway {
	if cfg.Mode == "http" && cfg.BaseURL != "" {
		return payment.NewHTTPGateway(cfg.BaseURL, cfg.AppID, cfg.SigningKey, cfg.Timeout)
	}
	if cfg.Mode == "http" {
		log.Warn().Msg("PAYMENT_BASE_URL not set; falling back to the sandbox gateway")
	}
	return payment.NewSandboxGateway()
}

func newNotifier(cfg config.NotifyConfig) *notify.Service {
	if cfg.WebhookURL != "" {
		return notify.NewService(notify.NewWebhookDriver(cfg.WebhookURL, cfg.WebhookSecret))
	}
	return notify.NewService(notify.LogDriver{})
}

// newAuthChain registers providers in priority order: API keys, JWT, then
// the development headers.
func (s *Server) newAuthChain(ctx context.Context, cfg config.AuthConfig) (*auth.ProviderChain, error) {
	chain := auth.NewProviderChain()
	chain.RegisterProvider(auth.NewAPIKeyProvider(cfg.APIKeys))

	if cfg.JWKSURL != "" {
		jwks, err := auth.NewJWKS(ctx, cfg.JWKSURL, cfg.JWKSRefresh)
		if err != nil {
			return nil, fmt.Errorf("load JWKS: %w", err)
		}
		s.onShutdown(func(context.Context) error { jwks.EndBackground(); return nil })
		chain.RegisterProvider(auth.NewJWTProvider(jwks.Keyfunc, cfg.Issuer))
	}

	chain.RegisterProvider(auth.NewHeaderProvider(cfg.DevHeaders))
	if cfg.DevHeaders {
		log.Warn().Msg("Development identity headers are trusted; do not enable in production")
	}
	return chain, nil
}
