// Package payment adapts external settlement systems to
// contracts.PaymentGateway.
package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"github.com/agentoven/supportdesk/internal/money"
	"github.com/agentoven/supportdesk/pkg/contracts"
)

const (
	codeSuccess = "10000"

	tradeSuccess  = "TRADE_SUCCESS"
	tradeFinished = "TRADE_FINISHED"
)

// HTTPGateway talks to an Alipay-style trade API over HTTPS. Requests are
// signed with HMAC-SHA256 over "<timestamp>.<body>".
type HTTPGateway struct {
	appID      string
	signingKey []byte
	httpClient *resty.Client
	now        func() time.Time
}

type tradeQueryRequest struct {
	AppID      string `json:"app_id"`
	OutTradeNo string `json:"out_trade_no"`
}

type tradeQueryResponse struct {
	Code        string `json:"code"`
	Msg         string `json:"msg"`
	TradeStatus string `json:"trade_status"`
}

type tradeRefundRequest struct {
	AppID        string `json:"app_id"`
	OutTradeNo   string `json:"out_trade_no"`
	RefundAmount string `json:"refund_amount"`
	Currency     string `json:"currency,omitempty"`
	OutRequestNo string `json:"out_request_no"`
	RefundReason string `json:"refund_reason,omitempty"`
}

type tradeRefundResponse struct {
	Code    string `json:"code"`
	Msg     string `json:"msg"`
	SubMsg  string `json:"sub_msg"`
	TradeNo string `json:"trade_no"`
}

// NewHTTPGateway creates a gateway client for baseURL.
func NewHTTPGateway(baseURL, appID, signingKey string, timeout time.Duration) *HTTPGateway {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPGateway{
		appID:      appID,
		signingKey: []byte(signingKey),
		httpClient: resty.New().
			SetBaseURL(strings.TrimRight(baseURL, "/")).
			SetHeader("User-Agent", "supportdesk-payment/1.0").
			SetTimeout(timeout),
		now: time.Now,
	}
}

// QueryTrade reports whether the merchant order is settled. An unexpected
// payload is treated as "not settled" rather than an error.
func (g *HTTPGateway) QueryTrade(ctx context.Context, merchantOrderID string) (*contracts.TradeStatus, error) {
	var resp tradeQueryResponse
	if err := g.post(ctx, "/v1/trade/query", tradeQueryRequest{AppID: g.appID, OutTradeNo: merchantOrderID}, &resp); err != nil {
		return nil, err
	}
	if resp.Code != codeSuccess {
		log.Warn().Str("order_id", merchantOrderID).Str("code", resp.Code).Str("msg", resp.Msg).Msg("Trade query returned non-success code")
		return &contracts.TradeStatus{Settled: false, Status: firstNonEmpty(resp.TradeStatus, resp.Code, "UNKNOWN")}, nil
	}
	return &contracts.TradeStatus{
		Settled: resp.TradeStatus == tradeSuccess || resp.TradeStatus == tradeFinished,
		Status:  resp.TradeStatus,
	}, nil
}

// Refund issues one refund call. The idempotency key is sent as
// out_request_no so the provider collapses retries.
func (g *HTTPGateway) Refund(ctx context.Context, req *contracts.RefundRequest) (*contracts.RefundResponse, error) {
	body := tradeRefundRequest{
		AppID:        g.appID,
		OutTradeNo:   req.MerchantOrderID,
		RefundAmount: money.Format(req.Amount),
		Currency:     req.Currency,
		OutRequestNo: req.IdempotencyKey,
		RefundReason: req.Reason,
	}
	var resp tradeRefundResponse
	if err := g.post(ctx, "/v1/trade/refund", body, &resp); err != nil {
		return nil, err
	}
	if resp.Code != codeSuccess {
		return &contracts.RefundResponse{Success: false, Error: firstNonEmpty(resp.SubMsg, resp.Msg, "refund rejected: code "+resp.Code)}, nil
	}
	return &contracts.RefundResponse{Success: true, ProviderRefundID: firstNonEmpty(resp.TradeNo, req.IdempotencyKey)}, nil
}

func (g *HTTPGateway) post(ctx context.Context, path string, payload, result interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	ts := strconv.FormatInt(g.now().Unix(), 10)
	httpResp, err := g.httpClient.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("X-App-Id", g.appID).
		SetHeader("X-Timestamp", ts).
		SetHeader("X-Signature", Sign(g.signingKey, ts, body)).
		SetBody(body).
		Post(path)
	if err != nil {
		return fmt.Errorf("payment gateway %s: %w", path, err)
	}
	if httpResp.IsError() {
		return fmt.Errorf("payment gateway %s error (%d): %s", path, httpResp.StatusCode(), httpResp.String())
	}
	if err := json.Unmarshal(httpResp.Body(), result); err != nil {
		// Malformed payload: leave result zero-valued, callers degrade.
		log.Warn().Err(err).Str("path", path).Msg("Unparseable payment gateway response")
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of "<timestamp>.<body>".
func Sign(key []byte, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
