// Package notify delivers reviewer notifications (approval created, hand-off
// requested, refund failed) to registered channel drivers.
//
// Delivery is fire-and-forget from the caller's perspective: Notify returns
// immediately and failures are logged. Close waits for in-flight deliveries.
//
// Built-in drivers:
//  1. WebhookDriver: JSON POST with an HMAC-SHA256 signature header
//  2. LogDriver: writes the event to the structured log
package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"github.com/agentoven/supportdesk/pkg/contracts"
)

// ── Event types ─────────────────────────────────────────────

const (
	EventApprovalCreated  = "approval_created"
	EventHandoffRequested = "handoff_requested"
	EventRefundFailed     = "refund_failed"
)

// Event is the notification payload.
type Event = contracts.NotificationEvent

// Driver sends one event to one channel.
type Driver interface {
	Kind() string
	Send(ctx context.Context, event Event) error
}

// ── Service ──────────────────────────────────────────────────

// Service fans events out to every registered driver.
type Service struct {
	mu      sync.RWMutex
	drivers []Driver
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewService creates a service with the given drivers.
func NewService(drivers ...Driver) *Service {
	s := &Service{timeout: 15 * time.Second}
	for _, d := range drivers {
		s.RegisterDriver(d)
	}
	return s
}

// RegisterDriver adds a channel driver.
func (s *Service) RegisterDriver(d Driver) {
	if d == nil {
		return
	}
	s.mu.Lock()
	s.drivers = append(s.drivers, d)
	s.mu.Unlock()
	log.Info().Str("kind", d.Kind()).Msg("Registered notification channel driver")
}

// Notify dispatches event to all drivers in the background.
func (s *Service) Notify(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	s.mu.RLock()
	drivers := append([]Driver(nil), s.drivers...)
	s.mu.RUnlock()

	base := context.WithoutCancel(ctx)
	for _, d := range drivers {
		s.wg.Add(1)
		go func(d Driver) {
			defer s.wg.Done()
			sendCtx, cancel := context.WithTimeout(base, s.timeout)
			defer cancel()
			if err := d.Send(sendCtx, event); err != nil {
				log.Warn().Err(err).
					Str("kind", d.Kind()).
					Str("event", event.Type).
					Str("conversation_id", event.ConversationID).
					Msg("Notification delivery failed")
				return
			}
			log.Debug().Str("kind", d.Kind()).Str("event", event.Type).Msg("Notification dispatched")
		}(d)
	}
}

// Close waits for in-flight deliveries.
func (s *Service) Close() {
	s.wg.Wait()
}

// ── Webhook driver ───────────────────────────────────────────

// SignatureHeader carries "sha256=<hex hmac of body>" when a secret is set.
const SignatureHeader = "X-Supportdesk-Signature"

// WebhookDriver posts events as JSON to a URL, retrying transport errors
// and 5xx responses twice.
type WebhookDriver struct {
	url    string
	secret []byte
	client *resty.Client
}

// NewWebhookDriver creates a webhook driver.
func NewWebhookDriver(url, secret string) *WebhookDriver {
	return &WebhookDriver{
		url:    url,
		secret: []byte(secret),
		client: resty.New().
			SetHeader("User-Agent", "Supportdesk-Webhook/1.0").
			SetRetryCount(2).
			SetRetryWaitTime(500 * time.Millisecond).
			SetRetryMaxWaitTime(2 * time.Second).
			AddRetryCondition(func(r *resty.Response, err error) bool {
				return err != nil || r.StatusCode() >= 500
			}),
	}
}

func (d *WebhookDriver) Kind() string { return "webhook" }

// Send posts the event.
func (d *WebhookDriver) Send(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}
	req := d.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("X-Supportdesk-Event", event.Type).
		SetBody(body)
	if len(d.secret) > 0 {
		req.SetHeader(SignatureHeader, "sha256="+Sign(d.secret, body))
	}
	resp, err := req.Post(d.url)
	if err != nil {
		return fmt.Errorf("webhook %s: %w", d.url, err)
	}
	if resp.IsError() {
		return fmt.Errorf("webhook HTTP %d from %s", resp.StatusCode(), d.url)
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// ── Log driver ───────────────────────────────────────────────

// LogDriver writes events to the structured log. It is the fallback when no
// webhook is configured so reviewers can still follow events in the logs.
type LogDriver struct{}

func (LogDriver) Kind() string { return "log" }

func (LogDriver) Send(_ context.Context, event Event) error {
	log.Info().
		Str("event", event.Type).
		Str("conversation_id", event.ConversationID).
		Str("order_id", event.OrderID).
		Str("return_id", event.ReturnID).
		Str("approval_id", event.ApprovalID).
		Str("reason", event.Reason).
		Msg("Reviewer notification")
	return nil
}
