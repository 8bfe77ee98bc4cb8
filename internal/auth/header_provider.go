package auth

import (
	"context"
	"net/http"

	"github.com/agentoven/supportdesk/pkg/contracts"
)

// HeaderProvider trusts X-Agent-Id and X-User-Id. Development only.
type HeaderProvider struct {
	enabled bool
}

func NewHeaderProvider(enabled bool) *HeaderProvider { return &HeaderProvider{enabled: enabled} }

func (p *HeaderProvider) Name() string { return "header" }

func (p *HeaderProvider) Enabled() bool { return p.enabled }

func (p *HeaderProvider) Authenticate(_ context.Context, r *http.Request) (*contracts.Identity, error) {
	if agent := r.Header.Get("X-Agent-Id"); agent != "" {
		return &contracts.Identity{Subject: agent, Provider: "header", Role: contracts.RoleAgent}, nil
	}
	if user := r.Header.Get("X-User-Id"); user != "" {
		return &contracts.Identity{Subject: user, Provider: "header", Role: contracts.RoleCustomer}, nil
	}
	return nil, nil
}
