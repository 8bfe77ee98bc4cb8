package payment

import (
	"context"
	"errors"
	"sync"

	"github.com/agentoven/supportdesk/internal/ids"
	"github.com/agentoven/supportdesk/pkg/contracts"
)

// SandboxGateway is an in-memory gateway for local runs and tests. Trades
// are settled unless marked otherwise; a repeated idempotency key returns
// the original result without a second effect.
type SandboxGateway struct {
	mu         sync.Mutex
	trades     map[string]string // order id → trade status
	failures   []error           // queued outcomes for upcoming Refund calls
	completed  map[string]*contracts.RefundResponse
	calls      []contracts.RefundRequest
	queryCalls int
}

// NewSandboxGateway returns a gateway where every trade is TRADE_SUCCESS.
func NewSandboxGateway() *SandboxGateway {
	return &SandboxGateway{
		trades:    make(map[string]string),
		completed: make(map[string]*contracts.RefundResponse),
	}
}

// SetTradeStatus overrides the trade status reported for an order.
func (g *SandboxGateway) SetTradeStatus(orderID, status string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.trades[orderID] = status
}

// FailNext makes the next n Refund calls fail with err. A nil err produces a
// provider-side rejection instead of a transport error.
func (g *SandboxGateway) FailNext(n int, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i := 0; i < n; i++ {
		g.failures = append(g.failures, err)
	}
}

// Calls returns every Refund request received, in order.
func (g *SandboxGateway) Calls() []contracts.RefundRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]contracts.RefundRequest(nil), g.calls...)
}

// Effects counts distinct successful refunds, i.e. money actually moved.
func (g *SandboxGateway) Effects() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.completed)
}

// QueryCalls counts QueryTrade calls.
func (g *SandboxGateway) QueryCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.queryCalls
}

func (g *SandboxGateway) QueryTrade(ctx context.Context, merchantOrderID string) (*contracts.TradeStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.queryCalls++
	status, ok := g.trades[merchantOrderID]
	if !ok {
		status = tradeSuccess
	}
	return &contracts.TradeStatus{Settled: status == tradeSuccess || status == tradeFinished, Status: status}, nil
}

func (g *SandboxGateway) Refund(ctx context.Context, req *contracts.RefundRequest) (*contracts.RefundResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, *req)

	if len(g.failures) > 0 {
		err := g.failures[0]
		g.failures = g.failures[1:]
		if err != nil {
			return nil, err
		}
		return &contracts.RefundResponse{Success: false, Error: "sandbox: refund rejected"}, nil
	}
	if req.IdempotencyKey == "" {
		return nil, errors.New("sandbox: idempotency key required")
	}
	if prev, ok := g.completed[req.IdempotencyKey]; ok {
		cp := *prev
		return &cp, nil
	}
	resp := &contracts.RefundResponse{Success: true, ProviderRefundID: "SBX" + ids.New()}
	g.completed[req.IdempotencyKey] = resp
	cp := *resp
	return &cp, nil
}
