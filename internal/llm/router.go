// Package llm implements the language-model port over OpenAI-compatible
// providers.
//
// The router tries providers in order (primary first, then backup). Each
// provider gets a bounded number of attempts with exponential backoff for
// transient failures: connectivity, timeouts, HTTP 429 and 5xx. Any other
// upstream error is permanent for that provider. When every provider has
// failed the caller receives a *CallError whose Kind tells connectivity,
// timeout and other failures apart.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/agentoven/supportdesk/internal/metrics"
	"github.com/agentoven/supportdesk/pkg/contracts"
	"github.com/agentoven/supportdesk/pkg/models"
)

var tracer = otel.Tracer("supportdesk/llm")

// ── Errors ──────────────────────────────────────────────────

var (
	ErrConnectivity = errors.New("llm: connectivity failure")
	ErrTimeout      = errors.New("llm: request timed out")
	ErrUpstream     = errors.New("llm: upstream error")
	ErrNoProvider   = errors.New("llm: no provider configured")
)

// CallError is the final error of a Complete call. Kind is one of the
// sentinels above, so errors.Is(err, llm.ErrTimeout) works.
type CallError struct {
	Kind     error
	Provider string
	Err      error
}

func (e *CallError) Error() string {
	if e.Provider == "" {
		return fmt.Sprintf("%v: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%v (provider %s): %v", e.Kind, e.Provider, e.Err)
}

func (e *CallError) Is(target error) bool { return target == e.Kind }

func (e *CallError) Unwrap() error { return e.Err }

// ── Providers ───────────────────────────────────────────────

// ProviderConfig describes one OpenAI-compatible endpoint.
type ProviderConfig struct {
	Name    string
	BaseURL string
	APIKey  string
	Model   string
}

// Provider is a configured chat-completions client.
type Provider struct {
	name   string
	model  string
	client *openai.Client
}

// NewProvider builds a provider client. An empty BaseURL uses OpenAI's.
func NewProvider(cfg ProviderConfig) *Provider {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	name := cfg.Name
	if name == "" {
		name = cfg.Model
	}
	return &Provider{name: name, model: cfg.Model, client: openai.NewClientWithConfig(oc)}
}

func (p *Provider) Name() string { return p.name }

// ── Router ──────────────────────────────────────────────────

// Config tunes retry and timeout behaviour.
type Config struct {
	// Timeout bounds each individual attempt.
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Router implements contracts.LLM over an ordered provider list.
type Router struct {
	providers []*Provider
	cfg       Config
}

// NewRouter creates a router. Nil providers are skipped, so an unset
// backup can be passed unconditionally.
func NewRouter(cfg Config, providers ...*Provider) *Router {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 4 * time.Second
	}
	r := &Router{cfg: cfg}
	for _, p := range providers {
		if p != nil {
			r.providers = append(r.providers, p)
		}
	}
	return r
}

// Providers lists configured provider names in call order.
func (r *Router) Providers() []string {
	names := make([]string, 0, len(r.providers))
	for _, p := range r.providers {
		names = append(names, p.name)
	}
	return names
}

// Complete sends req to the first provider that answers.
func (r *Router) Complete(ctx context.Context, req *contracts.CompletionRequest) (*contracts.Completion, error) {
	if len(r.providers) == 0 {
		return nil, &CallError{Kind: ErrNoProvider, Err: errors.New("set LLM_API_KEY")}
	}
	ctx, span := tracer.Start(ctx, "llm.Complete")
	defer span.End()
	span.SetAttributes(attribute.Int("tools", len(req.Tools)), attribute.Bool("json_mode", req.JSONMode))

	var lastErr *CallError
	for _, p := range r.providers {
		resp, err := r.callWithRetry(ctx, p, req)
		if err == nil {
			span.SetAttributes(attribute.String("provider", p.name))
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		log.Warn().
			Str("provider", p.name).
			Str("model", p.model).
			Err(err).
			Msg("Provider call failed, trying next")
	}
	return nil, lastErr
}

func (r *Router) callWithRetry(ctx context.Context, p *Provider, req *contracts.CompletionRequest) (*contracts.Completion, *CallError) {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = r.cfg.InitialBackoff
	expo.MaxInterval = r.cfg.MaxBackoff
	expo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(expo, uint64(r.cfg.MaxAttempts-1)), ctx)

	var (
		out     *contracts.Completion
		lastErr *CallError
		attempt int
	)
	op := func() error {
		attempt++
		resp, err := r.call(ctx, p, req)
		if err == nil {
			out = resp
			metrics.LLMRequests.WithLabelValues(p.name, "success").Inc()
			return nil
		}
		lastErr = classify(p.name, err)
		metrics.LLMRequests.WithLabelValues(p.name, kindLabel(lastErr.Kind)).Inc()
		if !retryable(lastErr) || ctx.Err() != nil {
			return backoff.Permanent(lastErr)
		}
		return lastErr
	}
	err := backoff.RetryNotify(op, policy, func(err error, wait time.Duration) {
		log.Warn().Err(err).
			Str("provider", p.name).
			Int("attempt", attempt).
			Dur("retry_in", wait).
			Msg("LLM call failed, retrying")
	})
	if err == nil {
		return out, nil
	}
	if lastErr == nil {
		lastErr = classify(p.name, err)
	}
	return nil, lastErr
}

func (r *Router) call(ctx context.Context, p *Provider, req *contracts.CompletionRequest) (*contracts.Completion, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	start := time.Now()
	resp, err := p.client.CreateChatCompletion(callCtx, buildRequest(p.model, req))
	elapsed := time.Since(start)
	metrics.LLMLatency.WithLabelValues(p.name).Observe(elapsed.Seconds())
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return nil, fmt.Errorf("%w after %s", context.DeadlineExceeded, r.cfg.Timeout)
		}
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, &openai.APIError{HTTPStatusCode: http.StatusBadGateway, Message: "empty choices"}
	}

	msg := resp.Choices[0].Message
	out := &contracts.Completion{
		Text:     msg.Content,
		Provider: p.name,
		Model:    resp.Model,
		Usage: contracts.TokenUsage{
			InputTokens:  int64(resp.Usage.PromptTokens),
			OutputTokens: int64(resp.Usage.CompletionTokens),
			TotalTokens:  int64(resp.Usage.TotalTokens),
		},
		LatencyMs: elapsed.Milliseconds(),
	}
	if out.Model == "" {
		out.Model = p.model
	}
	for _, tc := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, models.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: rawArguments(tc.Function.Arguments),
		})
	}
	log.Debug().
		Str("provider", p.name).
		Str("model", out.Model).
		Int("tool_calls", len(out.ToolCalls)).
		Int64("latency_ms", out.LatencyMs).
		Msg("LLM completion")
	return out, nil
}

func buildRequest(model string, req *contracts.CompletionRequest) openai.ChatCompletionRequest {
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	for _, m := range req.Messages {
		om := openai.ChatCompletionMessage{
			Role:       string(m.Role),
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
			Name:       m.Name,
		}
		for _, tc := range m.ToolCalls {
			om.ToolCalls = append(om.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: string(tc.Arguments),
				},
			})
		}
		msgs = append(msgs, om)
	}

	out := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    msgs,
		Temperature: req.Temperature,
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	if req.JSONMode {
		out.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}
	return out
}

// rawArguments keeps tool arguments as JSON even when a provider returns an
// empty or non-JSON string.
func rawArguments(s string) json.RawMessage {
	if s == "" || !json.Valid([]byte(s)) {
		return json.RawMessage("{}")
	}
	return json.RawMessage(s)
}

// ── Classification ──────────────────────────────────────────

func classify(provider string, err error) *CallError {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce
	}
	kind := ErrUpstream
	var (
		apiErr *openai.APIError
		reqErr *openai.RequestError
		netErr net.Error
	)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = ErrTimeout
	case errors.As(err, &apiErr), errors.As(err, &reqErr):
		kind = ErrUpstream
	case errors.As(err, &netErr) && netErr.Timeout():
		kind = ErrTimeout
	case errors.As(err, &netErr), errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		kind = ErrConnectivity
	}
	return &CallError{Kind: kind, Provider: provider, Err: err}
}

func retryable(ce *CallError) bool {
	switch ce.Kind {
	case ErrConnectivity, ErrTimeout:
		return true
	}
	status := 0
	var (
		apiErr *openai.APIError
		reqErr *openai.RequestError
	)
	switch {
	case errors.As(ce.Err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(ce.Err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	return status == http.StatusTooManyRequests || status >= 500
}

func kindLabel(kind error) string {
	switch kind {
	case ErrConnectivity:
		return "connectivity"
	case ErrTimeout:
		return "timeout"
	default:
		return "upstream"
	}
}
