// Package contracts — Authentication interfaces for the pluggable auth layer.
//
// Customers authenticate with JWTs issued by the storefront identity
// provider; support agents and operators use API keys. Both resolve to the
// same Identity so handlers never care which provider ran.
package contracts

import (
	"context"
	"net/http"
	"time"
)

// Roles carried by an Identity.
const (
	RoleCustomer = "customer"
	RoleAgent    = "agent"
	RoleAdmin    = "admin"
)

// ── Identity ────────────────────────────────────────────────

// Identity represents an authenticated customer, support agent, or operator.
type Identity struct {
	// Subject is the user id for customers and the agent id for staff.
	Subject string `json:"subject"`

	Email string `json:"email,omitempty"`

	// Provider identifies which auth provider authenticated this identity.
	// Values: "jwt", "apikey", "header"
	Provider string `json:"provider"`

	// Role is one of RoleCustomer, RoleAgent, RoleAdmin.
	Role string `json:"role"`

	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// IsStaff reports whether the identity may act on other users' conversations.
func (i *Identity) IsStaff() bool {
	return i != nil && (i.Role == RoleAgent || i.Role == RoleAdmin)
}

// ── AuthProvider ────────────────────────────────────────────

// AuthProvider authenticates an HTTP request and returns an Identity.
//
// The chain pattern:
//   - Return (*Identity, nil) → authenticated, stop chain
//   - Return (nil, nil) → this provider doesn't handle this request, try next
//   - Return (nil, error) → authentication was attempted but failed, reject
type AuthProvider interface {
	Name() string
	Authenticate(ctx context.Context, r *http.Request) (*Identity, error)
	Enabled() bool
}

// AuthProviderChain tries providers in priority order until one returns an Identity.
type AuthProviderChain interface {
	Authenticate(ctx context.Context, r *http.Request) (*Identity, error)
	RegisterProvider(provider AuthProvider)
}
