// Package auth provides the authentication provider chain for supportdesk.
//
// Providers, in the order the server registers them:
//   - APIKeyProvider: support agents and operators (SUPPORTDESK_API_KEYS)
//   - JWTProvider: customers, tokens verified against the storefront JWKS
//   - HeaderProvider: development only, trusts X-User-Id / X-Agent-Id
package auth

import (
	"context"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/agentoven/supportdesk/internal/metrics"
	"github.com/agentoven/supportdesk/pkg/contracts"
)

// ProviderChain implements contracts.AuthProviderChain. Providers are fixed
// at startup; registration after the server starts serving is not supported.
type ProviderChain struct {
	providers []contracts.AuthProvider
}

func NewProviderChain() *ProviderChain { return &ProviderChain{} }

// RegisterProvider appends a provider. Disabled providers are kept so they
// show up in ListProviders, but are never asked to authenticate.
func (c *ProviderChain) RegisterProvider(provider contracts.AuthProvider) {
	c.providers = append(c.providers, provider)
	log.Info().
		Str("provider", provider.Name()).
		Bool("enabled", provider.Enabled()).
		Msg("🔐 Auth provider registered")
}

// Authenticate asks each enabled provider in turn.
//
//   - (*Identity, nil) → authenticated
//   - (nil, nil) → not this provider's credentials, try the next one
//   - (nil, error) → credentials presented but invalid, reject
//
// A returned identity always has a subject, a role and the provider name.
// An identity without a subject is treated as invalid.
func (c *ProviderChain) Authenticate(ctx context.Context, r *http.Request) (*contracts.Identity, error) {
	for _, p := range c.providers {
		if !p.Enabled() {
			continue
		}
		id, err := p.Authenticate(ctx, r)
		if err != nil {
			metrics.AuthResults.WithLabelValues(p.Name(), "rejected", "").Inc()
			log.Debug().Err(err).Str("provider", p.Name()).Str("path", r.URL.Path).Msg("Credentials rejected")
			return nil, err
		}
		if id == nil {
			continue
		}
		if id.Subject == "" {
			metrics.AuthResults.WithLabelValues(p.Name(), "rejected", "").Inc()
			return nil, ErrInvalidToken
		}
		if id.Role == "" {
			id.Role = contracts.RoleCustomer
		}
		if id.Provider == "" {
			id.Provider = p.Name()
		}
		metrics.AuthResults.WithLabelValues(id.Provider, "authenticated", id.Role).Inc()
		return id, nil
	}
	metrics.AuthResults.WithLabelValues("", "anonymous", "").Inc()
	return nil, nil
}

// ListProviders names the registered providers, enabled or not.
func (c *ProviderChain) ListProviders() []string {
	names := make([]string, len(c.providers))
	for i, p := range c.providers {
		names[i] = p.Name()
	}
	return names
}
